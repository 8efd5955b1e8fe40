// Command carlink-probe enumerates USB devices and reports whether a
// compatible dongle is attached, including the interface and endpoint
// layout the driver would claim.
package main

import (
	"flag"
	"fmt"
	"log"

	"carlink-go/internal/transport"

	"github.com/google/gousb"
)

func main() {
	var (
		vendorID  = flag.Uint("vendor-id", uint(transport.DefaultVendorID), "USB vendor ID to match")
		productID = flag.Uint("product-id", uint(transport.DefaultProductID), "USB product ID to match")
		all       = flag.Bool("all", false, "List every device, not just matches")
	)
	flag.Parse()

	id := transport.DefaultIdentity()
	id.VendorID = uint16(*vendorID)
	id.ProductID = uint16(*productID)

	ctx := gousb.NewContext()
	defer ctx.Close()

	matches := 0
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		isMatch := id.Matches(uint16(desc.Vendor), uint16(desc.Product))
		if isMatch {
			matches++
		}
		if *all || isMatch {
			fmt.Printf("bus %03d addr %03d %s", desc.Bus, desc.Address, desc.Vendor)
			fmt.Printf(":%s", desc.Product)
			if isMatch {
				fmt.Printf("  <- dongle")
			}
			fmt.Println()
			printEndpoints(desc)
		}
		return false
	})
	for _, dev := range devices {
		dev.Close()
	}
	if err != nil {
		log.Fatalf("enumeration failed: %v", err)
	}

	if matches == 0 {
		fmt.Printf("no device matching %s found\n", id)
		return
	}
	fmt.Printf("%d matching device(s); driver would claim %s\n", matches, id)
}

func printEndpoints(desc *gousb.DeviceDesc) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					fmt.Printf("    config %d interface %d alt %d endpoint 0x%02x %s bulk, max packet %d\n",
						cfg.Number, intf.Number, alt.Alternate,
						uint8(ep.Address), ep.Direction, ep.MaxPacketSize)
				}
			}
		}
	}
}
