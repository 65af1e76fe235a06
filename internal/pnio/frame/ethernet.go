package frame

import "net"

// EtherType is the PROFINET layer-2 EtherType for all traffic this
// controller sends and receives (DCP, RT Class 1 cyclic).
const EtherType = 0x8892

// HeaderLen is the length of an untagged Ethernet II header.
const HeaderLen = 14

// MinFrameLen is the minimum Ethernet frame length excluding the 4-byte
// FCS; payloads are padded so dst+src+ethertype+payload reaches this
// length before the kernel/NIC adds the trailing FCS itself.
const MinFrameLen = 60

// BuildEthernetHeader writes a 14-byte Ethernet II header (dst, src,
// ethertype) to the front of buf, which must have at least HeaderLen
// capacity.
func BuildEthernetHeader(buf []byte, dst, src net.HardwareAddr, ethertype uint16) error {
	b := NewBuilder(buf)
	if err := b.Raw(dst); err != nil {
		return err
	}
	if err := b.Raw(src); err != nil {
		return err
	}
	return b.U16(ethertype)
}

// ParseEthernetHeader reads dst MAC, src MAC, and ethertype from the
// front of a received frame, returning the parser positioned just past
// the header so the caller can continue parsing the payload.
func ParseEthernetHeader(buf []byte) (dst, src net.HardwareAddr, ethertype uint16, rest *Parser, err error) {
	p := NewParser(buf)
	dstRaw, err := p.Raw(6)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	srcRaw, err := p.Raw(6)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	et, err := p.U16()
	if err != nil {
		return nil, nil, 0, nil, err
	}
	dst = append(net.HardwareAddr(nil), dstRaw...)
	src = append(net.HardwareAddr(nil), srcRaw...)
	return dst, src, et, p, nil
}
