package jtag

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// InterfaceKind names the transport family that drives an adapter.
type InterfaceKind string

const (
	InterfaceKindCMSISDAP InterfaceKind = "cmsis-dap"
	InterfaceKindStream   InterfaceKind = "stream"
	InterfaceKindSim      InterfaceKind = "sim"
)

// InterfaceInfo describes an adapter found on the host.
type InterfaceInfo struct {
	Kind        InterfaceKind
	Description string
	VendorID    uint16
	ProductID   uint16
	// Path is the USB bus location, e.g. "usb:1-7". Empty for the simulator.
	Path string
}

// Label returns a user-facing name for the interface.
func (i InterfaceInfo) Label() string {
	switch {
	case i.Description != "":
		return i.Description
	case i.Kind != "":
		return fmt.Sprintf("%s (%04X:%04X)", i.Kind, i.VendorID, i.ProductID)
	}
	return fmt.Sprintf("Interface %04X:%04X", i.VendorID, i.ProductID)
}

// DiscoverInterfaces lists connected USB adapters with a known VID:PID
// followed by the simulator, which is always available. Devices are only
// inspected through their descriptors, none is opened. Permission errors
// from libusb are ignored so a partial list is still returned.
func DiscoverInterfaces(ctx context.Context) ([]InterfaceInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	var found []InterfaceInfo
	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if ctx.Err() != nil {
			return false
		}
		if info, ok := classifyUSBDevice(desc); ok {
			info.Path = fmt.Sprintf("usb:%d-%d", desc.Bus, desc.Address)
			found = append(found, info)
		}
		return false
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return found, fmt.Errorf("jtag: usb enumeration: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return found, err
	}

	return append(found, InterfaceInfo{Kind: InterfaceKindSim, Description: "Simulator (no hardware)"}), nil
}

// knownProbes maps USB IDs to the transport that drives them.
var knownProbes = []struct {
	vid, pid uint16
	kind     InterfaceKind
	name     string
}{
	{VendorIDRaspberryPi, ProductIDCMSISDAP, InterfaceKindCMSISDAP, "Raspberry Pi CMSIS-DAP"},
	{0x0D28, 0x0204, InterfaceKindCMSISDAP, "DAPLink CMSIS-DAP"},
	{0x1366, 0x0101, InterfaceKindCMSISDAP, "SEGGER J-Link CMSIS-DAP"},
	{VendorIDGlasgow, ProductIDGlasgow, InterfaceKindStream, "Glasgow Interface Explorer"},
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (InterfaceInfo, bool) {
	vid, pid := uint16(desc.Vendor), uint16(desc.Product)
	for _, p := range knownProbes {
		if p.vid == vid && p.pid == pid {
			return InterfaceInfo{Kind: p.kind, Description: p.name, VendorID: vid, ProductID: pid}, true
		}
	}
	return InterfaceInfo{}, false
}
