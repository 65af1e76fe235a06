package rpc

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

// IOD Control command codes (spec §4.4).
const (
	ControlPrmEnd           = 0x0001
	ControlApplicationReady = 0x0002
	ControlRelease          = 0x0003
)

// IODControlReq is the block body of a Connect-phase Control Request
// (opnum 4): PrmEnd after parameterization, Release on teardown.
type IODControlReq struct {
	ARUUID     uuid.UUID
	SessionKey uint16
	Command    uint16
}

// Encode appends an IOD Control Req block (type 0x0110).
func (c IODControlReq) Encode(b *frame.Builder) error {
	bodyLen := 16 /*ar uuid*/ + 2 /*session key*/ + 2 /*reserved*/ + 2 /*command*/ + 2 /*block error*/
	if err := WriteBlockHeader(b, BlockHeader{Type: BlockIODControlReq, Length: blockHeaderBodyLength(bodyLen), VersionHigh: defaultVersionHigh, VersionLow: defaultVersionLow}); err != nil {
		return err
	}
	if err := writeUUIDBE(b, c.ARUUID); err != nil {
		return err
	}
	if err := b.U16(c.SessionKey); err != nil {
		return err
	}
	if err := b.U16(0); err != nil { // reserved
		return err
	}
	if err := b.U16(c.Command); err != nil {
		return err
	}
	return b.U16(0) // control block error, always 0 on a request
}

// IODControlRes is the parsed IOD Control Res block.
type IODControlRes struct {
	ARUUID     uuid.UUID
	SessionKey uint16
	Command    uint16
	BlockError uint16
}

// Encode appends an IOD Control Res block (type 0x8110) — used when the
// controller replies to a device-initiated ApplicationReady request
// (spec §4.4).
func (c IODControlRes) Encode(b *frame.Builder) error {
	bodyLen := 16 /*ar uuid*/ + 2 /*session key*/ + 2 /*reserved*/ + 2 /*command*/ + 2 /*block error*/
	if err := WriteBlockHeader(b, BlockHeader{Type: BlockIODControlRes, Length: blockHeaderBodyLength(bodyLen), VersionHigh: defaultVersionHigh, VersionLow: defaultVersionLow}); err != nil {
		return err
	}
	if err := writeUUIDBE(b, c.ARUUID); err != nil {
		return err
	}
	if err := b.U16(c.SessionKey); err != nil {
		return err
	}
	if err := b.U16(0); err != nil { // reserved
		return err
	}
	if err := b.U16(c.Command); err != nil {
		return err
	}
	return b.U16(c.BlockError)
}

// DecodeIODControlRes parses a single IOD Control Res block (type 0x8110)
// out of buf, which must start at the block header.
func DecodeIODControlRes(buf []byte) (IODControlRes, error) {
	var res IODControlRes
	p := frame.NewParser(buf)

	hdr, err := ReadBlockHeader(p)
	if err != nil {
		return res, errShortBlock(0, "control response header")
	}
	if hdr.Type != BlockIODControlRes {
		return res, fmt.Errorf("rpc: expected IOD Control Res block (0x%04X), got 0x%04X", BlockIODControlRes, hdr.Type)
	}

	if res.ARUUID, err = readUUIDBE(p); err != nil {
		return res, err
	}
	if res.SessionKey, err = p.U16(); err != nil {
		return res, err
	}
	if err = p.Skip(2); err != nil { // reserved
		return res, err
	}
	if res.Command, err = p.U16(); err != nil {
		return res, err
	}
	if res.BlockError, err = p.U16(); err != nil {
		return res, err
	}
	return res, nil
}

// IsApplicationReady reports whether buf is an inbound IOD Control Req
// from the device carrying the ApplicationReady command — the device
// polls this after it finishes its own startup, and the controller must
// reply with a matching Control Res (spec §4.4).
func IsApplicationReady(buf []byte) (sessionKey uint16, arUUID uuid.UUID, ok bool) {
	p := frame.NewParser(buf)
	hdr, err := ReadBlockHeader(p)
	if err != nil || hdr.Type != BlockIODControlReq {
		return 0, uuid.UUID{}, false
	}
	id, err := readUUIDBE(p)
	if err != nil {
		return 0, uuid.UUID{}, false
	}
	key, err := p.U16()
	if err != nil {
		return 0, uuid.UUID{}, false
	}
	if err := p.Skip(2); err != nil {
		return 0, uuid.UUID{}, false
	}
	cmd, err := p.U16()
	if err != nil || cmd != ControlApplicationReady {
		return 0, uuid.UUID{}, false
	}
	return key, id, true
}
