package jtag

import (
	"context"
	"testing"
)

func TestUSBTransportConstants(t *testing.T) {
	if VendorIDRaspberryPi != 0x2E8A {
		t.Errorf("Expected VID 0x2E8A, got 0x%04X", VendorIDRaspberryPi)
	}
	if ProductIDCMSISDAP != 0x000C {
		t.Errorf("Expected PID 0x000C, got 0x%04X", ProductIDCMSISDAP)
	}
	if DefaultPacketSize != 64 {
		t.Errorf("Expected packet size 64, got %d", DefaultPacketSize)
	}
}

// Integration test - only runs with real hardware
func TestUSBTransportIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	transport, err := NewUSBTransport(VendorIDRaspberryPi, ProductIDCMSISDAP)
	if err != nil {
		t.Skipf("No CMSIS-DAP hardware found: %v", err)
	}
	defer transport.Close()

	packetSize := transport.PacketSize()
	if packetSize < 64 {
		t.Errorf("Packet size too small: %d", packetSize)
	}
	t.Logf("Packet size: %d bytes", packetSize)

	proto := NewCMSISDAPProtocol(packetSize)
	resp, err := transport.Exchange(context.Background(), proto.EncodeInfo(InfoVendorID))
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	vendor, err := proto.DecodeInfoString(resp)
	if err != nil {
		t.Fatalf("DecodeInfoString failed: %v", err)
	}
	t.Logf("Probe vendor: %s", vendor)
}
