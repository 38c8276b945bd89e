package jtag

import (
	"context"
	"fmt"
	"sync"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
)

// CMSISDAPTransport implements Transport on a CMSIS-DAP probe using
// DAP_JTAG_Sequence for every shift.
type CMSISDAPTransport struct {
	link     PacketLink
	protocol *CMSISDAPProtocol

	info      AdapterInfo
	speedHz   int
	connected bool

	mu sync.Mutex // Protect concurrent access
}

// OpenCMSISDAP opens a CMSIS-DAP probe over USB.
func OpenCMSISDAP(ctx context.Context, vid, pid uint16) (*CMSISDAPTransport, error) {
	link, err := NewUSBTransport(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("jtag: failed to open USB device: %w", err)
	}
	t, err := NewCMSISDAPTransport(ctx, link)
	if err != nil {
		link.Close()
		return nil, err
	}
	return t, nil
}

// NewCMSISDAPTransport queries the probe, connects it in JTAG mode and
// sets a 1 MHz clock.
func NewCMSISDAPTransport(ctx context.Context, link PacketLink) (*CMSISDAPTransport, error) {
	t := &CMSISDAPTransport{
		link:     link,
		protocol: NewCMSISDAPProtocol(link.PacketSize()),
		speedHz:  1_000_000,
	}
	if err := t.queryInfo(ctx); err != nil {
		return nil, fmt.Errorf("jtag: failed to query device info: %w", err)
	}
	if err := t.connect(ctx); err != nil {
		return nil, fmt.Errorf("jtag: failed to connect to JTAG: %w", err)
	}
	if err := t.SetSpeed(ctx, t.speedHz); err != nil {
		return nil, fmt.Errorf("jtag: failed to set default speed: %w", err)
	}
	return t, nil
}

func (t *CMSISDAPTransport) infoString(ctx context.Context, id byte) (string, error) {
	resp, err := t.link.Exchange(ctx, t.protocol.EncodeInfo(id))
	if err != nil {
		return "", err
	}
	return t.protocol.DecodeInfoString(resp)
}

// queryInfo retrieves device information from the probe
func (t *CMSISDAPTransport) queryInfo(ctx context.Context) error {
	vendor, err := t.infoString(ctx, InfoVendorID)
	if err != nil {
		return err
	}
	// The remaining strings are optional.
	product, _ := t.infoString(ctx, InfoProductID)
	serial, _ := t.infoString(ctx, InfoSerialNum)
	firmware, _ := t.infoString(ctx, InfoFirmwareVer)

	resp, err := t.link.Exchange(ctx, t.protocol.EncodeInfo(InfoPacketSize))
	if err != nil {
		return err
	}
	if size, err := t.protocol.DecodeInfoPacketSize(resp); err == nil && size > 0 && size < t.protocol.PacketSize {
		t.protocol.PacketSize = size
	}

	t.info = AdapterInfo{
		Name:         "CMSIS-DAP Probe",
		Vendor:       vendor,
		Model:        product,
		SerialNumber: serial,
		Firmware:     firmware,
		MinFrequency: 1000,       // 1 kHz
		MaxFrequency: 10_000_000, // 10 MHz (typical for CMSIS-DAP)
		SupportsTRST: true,
	}
	return nil
}

func (t *CMSISDAPTransport) connect(ctx context.Context) error {
	resp, err := t.link.Exchange(ctx, t.protocol.EncodeConnect(PortJTAG))
	if err != nil {
		return err
	}
	port, err := t.protocol.DecodeConnect(resp)
	if err != nil {
		return err
	}
	if port != PortJTAG {
		return fmt.Errorf("jtag: failed to connect to JTAG (got port %d)", port)
	}
	t.connected = true
	return nil
}

// Info returns adapter capabilities
func (t *CMSISDAPTransport) Info() (AdapterInfo, error) {
	return t.info, nil
}

// SetSpeed sets the TCK frequency
func (t *CMSISDAPTransport) SetSpeed(ctx context.Context, hz int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if hz < t.info.MinFrequency || hz > t.info.MaxFrequency {
		return fmt.Errorf("jtag: frequency %d Hz out of range [%d, %d]",
			hz, t.info.MinFrequency, t.info.MaxFrequency)
	}
	resp, err := t.link.Exchange(ctx, t.protocol.EncodeSetClock(uint32(hz)))
	if err != nil {
		return fmt.Errorf("jtag: set speed failed: %w", err)
	}
	if err := t.protocol.DecodeSetClock(resp); err != nil {
		return err
	}
	t.speedHz = hz
	return nil
}

// run sends the sequences in as few commands as the packet size allows
// and returns the captured TDO bits.
func (t *CMSISDAPTransport) run(ctx context.Context, seqs []JTAGSequence) (bits.Seq, error) {
	var parts []bits.Seq
	for _, batch := range t.protocol.Batch(seqs) {
		resp, err := t.link.Exchange(ctx, t.protocol.EncodeJTAGSequence(batch))
		if err != nil {
			return bits.Seq{}, fmt.Errorf("jtag: shift failed: %w", err)
		}
		tdo, err := t.protocol.DecodeJTAGSequence(resp, batch)
		if err != nil {
			return bits.Seq{}, err
		}
		parts = append(parts, tdo)
	}
	return bits.Concat(parts...), nil
}

// dataSequences lays out a TDI shift, raising TMS on the final bit when
// last is set.
func dataSequences(tdi bits.Seq, last, capture bool) []JTAGSequence {
	n := tdi.Len()
	if !last || n == 0 {
		return SplitSequences(tdi, false, capture)
	}
	seqs := SplitSequences(tdi.Slice(0, n-1), false, capture)
	return append(seqs, JTAGSequence{TMS: true, CaptureTDO: capture, TDI: tdi.Slice(n-1, n)})
}

func (t *CMSISDAPTransport) ShiftTMS(ctx context.Context, tms bits.Seq) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// One sequence per run of equal TMS levels.
	var seqs []JTAGSequence
	for start := 0; start < tms.Len(); {
		end := start + 1
		for end < tms.Len() && tms.Bit(end) == tms.Bit(start) {
			end++
		}
		seqs = append(seqs, SplitSequences(bits.Zeros(end-start), tms.Bit(start), false)...)
		start = end
	}
	_, err := t.run(ctx, seqs)
	return err
}

func (t *CMSISDAPTransport) ShiftTDI(ctx context.Context, tdi bits.Seq, last bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.run(ctx, dataSequences(tdi, last, false))
	return err
}

func (t *CMSISDAPTransport) ShiftTDO(ctx context.Context, count int, last bool) (bits.Seq, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run(ctx, dataSequences(bits.Ones(count), last, true))
}

func (t *CMSISDAPTransport) ShiftTDIO(ctx context.Context, tdi bits.Seq, last bool) (bits.Seq, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run(ctx, dataSequences(tdi, last, true))
}

func (t *CMSISDAPTransport) PulseTCK(ctx context.Context, count int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.run(ctx, SplitSequences(bits.Ones(count), false, false))
	return err
}

// PulseTRST drives nTRST low, then releases it with one TMS=1 clock so
// the TAP stays in Test-Logic-Reset.
func (t *CMSISDAPTransport) PulseTRST(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, level := range []byte{0, PinNTRST} {
		resp, err := t.link.Exchange(ctx, t.protocol.EncodeSWJPins(level, PinNTRST, 0))
		if err != nil {
			return fmt.Errorf("jtag: pulse trst failed: %w", err)
		}
		if _, err := t.protocol.DecodeSWJPins(resp); err != nil {
			return err
		}
	}
	_, err := t.run(ctx, []JTAGSequence{{TMS: true, TDI: bits.Zeros(1)}})
	return err
}

// Close disconnects and releases resources
func (t *CMSISDAPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		_, _ = t.link.Exchange(context.Background(), t.protocol.EncodeDisconnect())
		t.connected = false
	}
	return t.link.Close()
}
