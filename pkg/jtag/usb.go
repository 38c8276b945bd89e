package jtag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// JTAGProbe USB identifiers
	VendorIDRaspberryPi = 0x2E8A
	ProductIDCMSISDAP   = 0x000C

	// Glasgow Interface Explorer running a JTAG probe applet
	VendorIDGlasgow  = 0x20B7
	ProductIDGlasgow = 0x9DB1

	// Default packet size for CMSIS-DAP v1/v2
	DefaultPacketSize = 64
	DefaultTimeout    = 5 * time.Second
)

// usbLink owns an opened device and its bulk endpoint pair.
type usbLink struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration
}

// openUSB opens vid:pid and claims the first interface of class, falling
// back to interface 0.
func openUSB(vid, pid uint16, class gousb.Class) (*usbLink, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("jtag: USB error: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("jtag: device not found (VID:0x%04X PID:0x%04X)", vid, pid)
	}

	// Not supported on every platform.
	_ = dev.SetAutoDetach(true)

	l := &usbLink{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
		timeout:    DefaultTimeout,
	}
	if err := l.claimInterface(class); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *usbLink) claimInterface(class gousb.Class) error {
	cfg, err := l.dev.Config(1)
	if err != nil {
		return fmt.Errorf("jtag: failed to get config: %w", err)
	}
	l.cfg = cfg

	num := 0
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == class {
			num = intf.Number
			break
		}
	}

	intf, err := cfg.Interface(num, 0)
	if err != nil {
		return fmt.Errorf("jtag: failed to claim interface %d: %w", num, err)
	}
	l.intf = intf
	return l.findEndpoints()
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (l *usbLink) findEndpoints() error {
	var outAddr, inAddr int
	for _, ep := range l.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionOut && outAddr == 0:
			outAddr = ep.Number
		case ep.Direction == gousb.EndpointDirectionIn && inAddr == 0:
			inAddr = ep.Number
			l.packetSize = ep.MaxPacketSize
		}
	}
	if outAddr == 0 {
		return fmt.Errorf("jtag: bulk OUT endpoint not found")
	}
	if inAddr == 0 {
		return fmt.Errorf("jtag: bulk IN endpoint not found")
	}

	epOut, err := l.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("jtag: failed to open OUT endpoint: %w", err)
	}
	l.epOut = epOut

	epIn, err := l.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("jtag: failed to open IN endpoint: %w", err)
	}
	l.epIn = epIn
	return nil
}

func (l *usbLink) write(ctx context.Context, data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	n, err := l.epOut.WriteContext(ctx, data)
	if err != nil {
		return n, fmt.Errorf("jtag: USB write failed: %w", err)
	}
	return n, nil
}

func (l *usbLink) read(ctx context.Context, data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	n, err := l.epIn.ReadContext(ctx, data)
	if err != nil {
		return n, fmt.Errorf("jtag: USB read failed: %w", err)
	}
	return n, nil
}

// Close releases USB resources
func (l *usbLink) Close() error {
	if l.intf != nil {
		l.intf.Close()
		l.intf = nil
	}
	if l.cfg != nil {
		l.cfg.Close()
		l.cfg = nil
	}
	if l.dev != nil {
		l.dev.Close()
		l.dev = nil
	}
	if l.ctx != nil {
		l.ctx.Close()
		l.ctx = nil
	}
	return nil
}

// PacketLink carries one CMSIS-DAP command and its response.
type PacketLink interface {
	Exchange(ctx context.Context, cmd []byte) ([]byte, error)
	PacketSize() int
	Close() error
}

// USBTransport handles USB communication with CMSIS-DAP probe
type USBTransport struct {
	*usbLink
}

// NewUSBTransport opens the vendor-class CMSIS-DAP v2 interface of vid:pid.
func NewUSBTransport(vid, pid uint16) (*USBTransport, error) {
	l, err := openUSB(vid, pid, gousb.ClassVendorSpec)
	if err != nil {
		return nil, err
	}
	return &USBTransport{usbLink: l}, nil
}

// Exchange performs a command/response transaction
func (t *USBTransport) Exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	// CMSIS-DAP packets are fixed size, pad if necessary
	packet := make([]byte, t.packetSize)
	copy(packet, cmd)
	if _, err := t.write(ctx, packet); err != nil {
		return nil, err
	}
	resp := make([]byte, t.packetSize)
	n, err := t.read(ctx, resp)
	if err != nil {
		return nil, err
	}
	return resp[:n], nil
}

// PacketSize returns the bulk IN max packet size.
func (t *USBTransport) PacketSize() int {
	return t.packetSize
}

// SetTimeout sets the read/write timeout
func (t *USBTransport) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

// USBStream is a byte stream over a pair of bulk endpoints, used by
// StreamProbe.
type USBStream struct {
	*usbLink
	opCtx context.Context
}

// OpenUSBStream opens the first vendor-class interface of vid:pid as a
// byte stream.
func OpenUSBStream(ctx context.Context, vid, pid uint16) (*USBStream, error) {
	l, err := openUSB(vid, pid, gousb.ClassVendorSpec)
	if err != nil {
		return nil, err
	}
	return &USBStream{usbLink: l, opCtx: ctx}, nil
}

func (s *USBStream) Write(p []byte) (int, error) {
	return s.write(s.opCtx, p)
}

func (s *USBStream) Read(p []byte) (int, error) {
	return s.read(s.opCtx, p)
}

// DeviceInfo represents a discovered USB device
type DeviceInfo struct {
	VID          uint16
	PID          uint16
	SerialNumber string
	Description  string
}

// EnumerateCMSISDAPProbes finds all connected CMSIS-DAP devices
func EnumerateCMSISDAPProbes() ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := classifyUSBDevice(desc)
		return ok
	})
	defer func() {
		for _, dev := range devs {
			dev.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("jtag: failed to enumerate devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		info, _ := classifyUSBDevice(dev.Desc)
		if info.Kind != InterfaceKindCMSISDAP {
			continue
		}
		serial, _ := dev.SerialNumber()
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()
		devices = append(devices, DeviceInfo{
			VID:          uint16(dev.Desc.Vendor),
			PID:          uint16(dev.Desc.Product),
			SerialNumber: serial,
			Description:  fmt.Sprintf("%s %s", manufacturer, product),
		})
	}
	return devices, nil
}
