// Package bits provides the immutable bit sequence used for TMS, TDI and TDO
// payloads. Bit 0 is the first bit shifted on the wire.
package bits

import (
	"fmt"
	"strings"
)

// Seq is an immutable, LSB-first sequence of bits. The zero value is an
// empty sequence.
type Seq struct {
	b []bool
}

// New builds a sequence from individual bits, bit 0 first.
func New(bits ...bool) Seq {
	return FromBools(bits)
}

// FromBools copies the provided slice into a new sequence.
func FromBools(bits []bool) Seq {
	if len(bits) == 0 {
		return Seq{}
	}
	return Seq{b: append([]bool(nil), bits...)}
}

// Ones returns n set bits.
func Ones(n int) Seq {
	return fill(n, true)
}

// Zeros returns n cleared bits.
func Zeros(n int) Seq {
	return fill(n, false)
}

func fill(n int, v bool) Seq {
	if n <= 0 {
		return Seq{}
	}
	out := make([]bool, n)
	if v {
		for i := range out {
			out[i] = true
		}
	}
	return Seq{b: out}
}

// FromUint takes the n least significant bits of v.
func FromUint(v uint64, n int) Seq {
	if n <= 0 {
		return Seq{}
	}
	out := make([]bool, n)
	for i := 0; i < n && i < 64; i++ {
		out[i] = v&(1<<uint(i)) != 0
	}
	return Seq{b: out}
}

// FromBytes unpacks n bits from buf, LSB first within each byte. Bits past
// n in the final byte are ignored.
func FromBytes(buf []byte, n int) Seq {
	if n <= 0 {
		return Seq{}
	}
	out := make([]bool, n)
	for i := 0; i < n && i/8 < len(buf); i++ {
		out[i] = buf[i/8]&(1<<(uint(i)%8)) != 0
	}
	return Seq{b: out}
}

// Parse reads binary text written most significant bit first, e.g. "0101"
// is bit 0 = 1, bit 1 = 0. Underscores and spaces are ignored.
func Parse(text string) (Seq, error) {
	var out []bool
	for i := len(text) - 1; i >= 0; i-- {
		switch text[i] {
		case '0':
			out = append(out, false)
		case '1':
			out = append(out, true)
		case '_', ' ':
		default:
			return Seq{}, fmt.Errorf("bits: invalid digit %q in %q", text[i], text)
		}
	}
	return Seq{b: out}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(text string) Seq {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

// Concat joins sequences in order; the first argument supplies bit 0.
func Concat(parts ...Seq) Seq {
	total := 0
	for _, p := range parts {
		total += len(p.b)
	}
	if total == 0 {
		return Seq{}
	}
	out := make([]bool, 0, total)
	for _, p := range parts {
		out = append(out, p.b...)
	}
	return Seq{b: out}
}

// Len reports the number of bits.
func (s Seq) Len() int {
	return len(s.b)
}

// Bit returns bit i. It panics when i is out of range.
func (s Seq) Bit(i int) bool {
	return s.b[i]
}

// Bools returns a copy of the bits.
func (s Seq) Bools() []bool {
	return append([]bool(nil), s.b...)
}

// Slice returns bits [i, j).
func (s Seq) Slice(i, j int) Seq {
	return FromBools(s.b[i:j])
}

// Bytes packs the sequence LSB first; unused high bits of the last byte are
// zero.
func (s Seq) Bytes() []byte {
	out := make([]byte, (len(s.b)+7)/8)
	for i, bit := range s.b {
		if bit {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// Uint64 interprets up to the first 64 bits as a little-endian integer.
func (s Seq) Uint64() uint64 {
	var v uint64
	for i, bit := range s.b {
		if i >= 64 {
			break
		}
		if bit {
			v |= 1 << uint(i)
		}
	}
	return v
}

// Uint32 interprets up to the first 32 bits as a little-endian integer.
func (s Seq) Uint32() uint32 {
	return uint32(s.Uint64())
}

// Equal reports whether both sequences hold the same bits.
func (s Seq) Equal(o Seq) bool {
	if len(s.b) != len(o.b) {
		return false
	}
	for i := range s.b {
		if s.b[i] != o.b[i] {
			return false
		}
	}
	return true
}

// AllOnes reports whether every bit is set. An empty sequence is all ones.
func (s Seq) AllOnes() bool {
	for _, bit := range s.b {
		if !bit {
			return false
		}
	}
	return true
}

// Chunks splits the sequence into pieces of at most size bits. An empty
// sequence yields a single empty chunk so callers still emit one request.
func (s Seq) Chunks(size int) []Seq {
	if size <= 0 {
		panic("bits: chunk size must be positive")
	}
	if len(s.b) <= size {
		return []Seq{s}
	}
	var out []Seq
	for off := 0; off < len(s.b); off += size {
		end := off + size
		if end > len(s.b) {
			end = len(s.b)
		}
		out = append(out, Seq{b: s.b[off:end]})
	}
	return out
}

// String renders the sequence most significant bit first, the inverse of
// Parse.
func (s Seq) String() string {
	var sb strings.Builder
	sb.Grow(len(s.b))
	for i := len(s.b) - 1; i >= 0; i-- {
		if s.b[i] {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
