package transport

import "fmt"

// Carlinkit CPC200 family defaults.
const (
	DefaultVendorID    = 0x1314
	DefaultProductID   = 0x1520
	DefaultInterface   = 0
	DefaultEndpointIn  = 0x81
	DefaultEndpointOut = 0x01
)

// Identity pins down the device to open: vendor/product ids, the interface
// to claim, and the bulk endpoint addresses. Immutable once a device is
// opened; reused to validate re-enumeration after reconnect.
type Identity struct {
	VendorID    uint16
	ProductID   uint16
	Interface   int
	EndpointIn  uint8
	EndpointOut uint8
}

// DefaultIdentity returns the CPC200 identity.
func DefaultIdentity() Identity {
	return Identity{
		VendorID:    DefaultVendorID,
		ProductID:   DefaultProductID,
		Interface:   DefaultInterface,
		EndpointIn:  DefaultEndpointIn,
		EndpointOut: DefaultEndpointOut,
	}
}

// Matches reports whether an enumerated vendor/product pair is this device.
func (id Identity) Matches(vendor, product uint16) bool {
	return vendor == id.VendorID && product == id.ProductID
}

func (id Identity) String() string {
	return fmt.Sprintf("%04x:%04x if=%d in=0x%02x out=0x%02x",
		id.VendorID, id.ProductID, id.Interface, id.EndpointIn, id.EndpointOut)
}
