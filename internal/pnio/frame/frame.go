// Package frame implements the byte-level Ethernet/PROFINET RT and DCP
// codec: a mutable Builder and an immutable Parser, both cursor-based,
// plus the MAC/IPv4/UUID text-form helpers every higher layer needs.
//
// Integers are big-endian on the wire at this layer; the RPC layer
// (internal/pnio/rpc) is little-endian (NDR) and has its own codec.
package frame

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"net/netip"

	"github.com/google/uuid"

	"github.com/mwilco03/pnio-controller/internal/pnio"
)

// Builder writes big-endian fields into a fixed-capacity byte slice,
// tracking a running cursor. Every write that would overrun returns
// pnio.ErrNoCapacity.
type Builder struct {
	buf    []byte
	cursor int
}

// NewBuilder wraps buf for writing from offset 0.
func NewBuilder(buf []byte) *Builder {
	return &Builder{buf: buf}
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int { return b.cursor }

// Bytes returns the portion of the backing buffer written so far.
func (b *Builder) Bytes() []byte { return b.buf[:b.cursor] }

func (b *Builder) reserve(n int) error {
	if b.cursor+n > len(b.buf) {
		return fmt.Errorf("%w: need %d more bytes at offset %d, capacity %d", pnio.ErrNoCapacity, n, b.cursor, len(b.buf))
	}
	return nil
}

// U8 appends a single byte.
func (b *Builder) U8(v uint8) error {
	if err := b.reserve(1); err != nil {
		return err
	}
	b.buf[b.cursor] = v
	b.cursor++
	return nil
}

// U16 appends a big-endian uint16.
func (b *Builder) U16(v uint16) error {
	if err := b.reserve(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.buf[b.cursor:], v)
	b.cursor += 2
	return nil
}

// U32 appends a big-endian uint32.
func (b *Builder) U32(v uint32) error {
	if err := b.reserve(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.buf[b.cursor:], v)
	b.cursor += 4
	return nil
}

// F32 appends a big-endian IEEE-754 float32.
func (b *Builder) F32(v float32) error {
	return b.U32(encodeFloat32(v))
}

// Raw appends raw bytes verbatim.
func (b *Builder) Raw(p []byte) error {
	if err := b.reserve(len(p)); err != nil {
		return err
	}
	copy(b.buf[b.cursor:], p)
	b.cursor += len(p)
	return nil
}

// Zero appends n zero bytes, used for frame padding.
func (b *Builder) Zero(n int) error {
	if err := b.reserve(n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		b.buf[b.cursor+i] = 0
	}
	b.cursor += n
	return nil
}

// PadTo zero-pads until the buffer has written exactly total bytes. It is
// a no-op if cursor already reached total, and an error if cursor exceeds it.
func (b *Builder) PadTo(total int) error {
	if b.cursor > total {
		return fmt.Errorf("%w: already wrote %d bytes, cannot pad to %d", pnio.ErrNoCapacity, b.cursor, total)
	}
	return b.Zero(total - b.cursor)
}

// Parser reads big-endian fields from an immutable byte slice, tracking
// a running cursor. Every read that would overrun returns pnio.ErrTooShort.
type Parser struct {
	buf    []byte
	cursor int
}

// NewParser wraps buf for reading from offset 0.
func NewParser(buf []byte) *Parser {
	return &Parser{buf: buf}
}

// Remaining returns the number of unread bytes.
func (p *Parser) Remaining() int { return len(p.buf) - p.cursor }

// Cursor returns the current read offset.
func (p *Parser) Cursor() int { return p.cursor }

// Seek repositions the cursor to an absolute offset.
func (p *Parser) Seek(offset int) error {
	if offset < 0 || offset > len(p.buf) {
		return fmt.Errorf("%w: seek offset %d out of [0,%d]", pnio.ErrTooShort, offset, len(p.buf))
	}
	p.cursor = offset
	return nil
}

func (p *Parser) need(n int) error {
	if p.cursor+n > len(p.buf) {
		return fmt.Errorf("%w: need %d more bytes at offset %d, have %d", pnio.ErrTooShort, n, p.cursor, len(p.buf))
	}
	return nil
}

// U8 reads a single byte.
func (p *Parser) U8() (uint8, error) {
	if err := p.need(1); err != nil {
		return 0, err
	}
	v := p.buf[p.cursor]
	p.cursor++
	return v, nil
}

// U16 reads a big-endian uint16.
func (p *Parser) U16() (uint16, error) {
	if err := p.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(p.buf[p.cursor:])
	p.cursor += 2
	return v, nil
}

// U32 reads a big-endian uint32.
func (p *Parser) U32() (uint32, error) {
	if err := p.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(p.buf[p.cursor:])
	p.cursor += 4
	return v, nil
}

// F32 reads a big-endian IEEE-754 float32.
func (p *Parser) F32() (float32, error) {
	v, err := p.U32()
	if err != nil {
		return 0, err
	}
	return decodeFloat32(v), nil
}

// Raw reads n raw bytes. The returned slice aliases the parser's backing
// buffer; copy it if it must outlive the buffer.
func (p *Parser) Raw(n int) ([]byte, error) {
	if err := p.need(n); err != nil {
		return nil, err
	}
	v := p.buf[p.cursor : p.cursor+n]
	p.cursor += n
	return v, nil
}

// Skip advances the cursor by n bytes without returning them.
func (p *Parser) Skip(n int) error {
	if err := p.need(n); err != nil {
		return err
	}
	p.cursor += n
	return nil
}

// --- MAC / IPv4 / UUID text-form helpers ---

// FormatMAC renders a 6-byte MAC as "xx:xx:xx:xx:xx:xx".
func FormatMAC(mac net.HardwareAddr) string {
	return mac.String()
}

// ParseMAC parses "xx:xx:xx:xx:xx:xx" into a 6-byte MAC.
func ParseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pnio.ErrInvalidParam, err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("%w: MAC %q is not 6 bytes", pnio.ErrInvalidParam, s)
	}
	return mac, nil
}

// FormatIPv4 renders a 4-byte address as dotted-quad text.
func FormatIPv4(ip netip.Addr) string {
	return ip.String()
}

// ParseIPv4 parses dotted-quad text into a netip.Addr.
func ParseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q is not a valid IPv4 address", pnio.ErrInvalidParam, s)
	}
	return addr, nil
}

// SwapUUIDFields reverses the byte order of the first three UUID fields
// (time_low, time_mid, time_hi_and_version) leaving clock_seq and node
// untouched. This converts between "as-stored" (big-endian, RFC 4122)
// byte order and the little-endian DCE-RPC wire form used in NDR
// structures, and is its own inverse.
func SwapUUIDFields(id uuid.UUID) uuid.UUID {
	var out uuid.UUID
	// time_low: bytes 0-3
	out[0], out[1], out[2], out[3] = id[3], id[2], id[1], id[0]
	// time_mid: bytes 4-5
	out[4], out[5] = id[5], id[4]
	// time_hi_and_version: bytes 6-7
	out[6], out[7] = id[7], id[6]
	// clock_seq_hi/lo + node: bytes 8-15 unchanged
	copy(out[8:], id[8:])
	return out
}

func encodeFloat32(f float32) uint32 {
	return math.Float32bits(f)
}

func decodeFloat32(u uint32) float32 {
	return math.Float32frombits(u)
}
