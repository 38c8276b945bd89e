package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrStateUnknown is returned when an operation needs a known TAP state
	// but the controller lost track of it (TRST#, failed shift, or no reset
	// yet). TestReset is the only recovery.
	ErrStateUnknown = errors.New("chain: TAP state unknown, test reset required")

	// ErrEmptyRegister is returned by register operations given zero bits,
	// which could never leave the Shift state. The TAP state is unchanged.
	ErrEmptyRegister = errors.New("chain: zero-length register access")

	// ErrProtocolDesync reports a capture that violates IEEE 1149.1.
	ErrProtocolDesync = errors.New("chain: protocol desync")
	// ErrOverlongScan reports an IR or DR length scan that hit its bound.
	ErrOverlongScan = errors.New("chain: overlong scan")
	// ErrTooManyDevices reports an IDCODE scan that found no end of chain.
	ErrTooManyDevices = errors.New("chain: too many devices")
	// ErrChainMismatch reports differing IDCODE and IR device counts.
	ErrChainMismatch = errors.New("chain: chain mismatch")
	// ErrNoSuchTAP reports a TAP index past the end of the chain.
	ErrNoSuchTAP = errors.New("chain: tap not present")
)

// ScanError is a discovery outcome of "not found": the chain did not look
// the way the algorithm requires. The TAP is left in Run-Test/Idle.
type ScanError struct {
	Op     string
	Kind   error
	Detail string
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Detail)
}

func (e *ScanError) Unwrap() error {
	return e.Kind
}

func scanErrorf(op string, kind error, format string, args ...any) *ScanError {
	return &ScanError{Op: op, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a discovery outcome rather than a
// transport or usage failure.
func IsNotFound(err error) bool {
	var se *ScanError
	return errors.As(err, &se)
}

// TransportError wraps a failure of the bit transport. After one, the TAP
// state and cached IR are unknown until TestReset.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chain: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
