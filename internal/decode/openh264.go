//go:build openh264

package decode

/*
#cgo LDFLAGS: -lopenh264
#include <stdlib.h>
#include <string.h>
#include <wels/codec_api.h>

static ISVCDecoder *decoder_create(void) {
	ISVCDecoder *dec = NULL;
	if (WelsCreateDecoder(&dec) != 0 || dec == NULL) {
		return NULL;
	}
	SDecodingParam param;
	memset(&param, 0, sizeof(param));
	param.sVideoProperty.eVideoBsType = VIDEO_BITSTREAM_AVC;
	param.eEcActiveIdc = ERROR_CON_SLICE_COPY;
	if ((*dec)->Initialize(dec, &param) != 0) {
		WelsDestroyDecoder(dec);
		return NULL;
	}
	return dec;
}

static void decoder_destroy(ISVCDecoder *dec) {
	if (dec != NULL) {
		(*dec)->Uninitialize(dec);
		WelsDestroyDecoder(dec);
	}
}

static int decoder_decode(ISVCDecoder *dec, const unsigned char *src, int len,
		unsigned char **planes, SBufferInfo *info) {
	memset(info, 0, sizeof(*info));
	return (*dec)->DecodeFrameNoDelay(dec, src, len, planes, info);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"carlink-go/internal/video"
)

// openh264Decoder wraps a Cisco OpenH264 decoder instance. Not safe for
// concurrent use; the pipeline calls Decode from a single goroutine.
type openh264Decoder struct {
	dec *C.ISVCDecoder
}

// New creates an OpenH264-backed decoder.
func New(width, height int) (video.Decoder, error) {
	_ = width
	_ = height
	dec := C.decoder_create()
	if dec == nil {
		return nil, errors.New("openh264: decoder initialization failed")
	}
	return &openh264Decoder{dec: dec}, nil
}

func (d *openh264Decoder) Decode(annexb []byte, pts uint64) (*video.Frame, error) {
	if d.dec == nil {
		return nil, errors.New("openh264: decoder closed")
	}
	if len(annexb) == 0 {
		return nil, errors.New("openh264: empty access unit")
	}

	var planes [3]*C.uchar
	var info C.SBufferInfo
	info.uiInBsTimeStamp = C.ulonglong(pts)
	ret := C.decoder_decode(
		d.dec,
		(*C.uchar)(unsafe.Pointer(&annexb[0])),
		C.int(len(annexb)),
		&planes[0],
		&info,
	)
	if ret != 0 {
		return nil, fmt.Errorf("openh264: decode status 0x%x", int(ret))
	}
	if info.iBufferStatus != 1 {
		// Bitstream consumed but no picture ready yet.
		return nil, nil
	}

	sys := info.UsrData // union, first member is SSysMEMBuffer
	mem := (*C.SSysMEMBuffer)(unsafe.Pointer(&sys))
	w := int(mem.iWidth)
	h := int(mem.iHeight)
	strideY := int(mem.iStride[0])
	strideC := int(mem.iStride[1])

	f := &video.Frame{
		Width:    w,
		Height:   h,
		Y:        make([]byte, w*h),
		Cb:       make([]byte, w*h/4),
		Cr:       make([]byte, w*h/4),
		InputTS:  pts,
		OutputTS: uint64(info.uiOutYuvTimeStamp),
	}
	copyPlane(f.Y, planes[0], strideY, w, h)
	copyPlane(f.Cb, planes[1], strideC, w/2, h/2)
	copyPlane(f.Cr, planes[2], strideC, w/2, h/2)
	return f, nil
}

// copyPlane flattens a strided decoder plane into a packed slice.
func copyPlane(dst []byte, src *C.uchar, stride, width, height int) {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(src)), stride*height)
	for row := 0; row < height; row++ {
		copy(dst[row*width:(row+1)*width], raw[row*stride:row*stride+width])
	}
}

func (d *openh264Decoder) Close() error {
	if d.dec != nil {
		C.decoder_destroy(d.dec)
		d.dec = nil
	}
	return nil
}
