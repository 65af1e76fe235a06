package rpc

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

// Record indices this controller reads or writes (spec §4.3, §9 GLOSSARY).
const (
	IndexRealIdentificationData = 0xF844
	IndexCredentialSync         = 0xF840
)

// WildcardSlot and WildcardSubslot address the whole AR in a Record Read,
// used for the RealIdentificationData discovery request (spec §8 S6).
const (
	WildcardSlot    = 0xFFFF
	WildcardSubslot = 0xFFFF
)

// RecordReadReq is the argument block of a Record Read (opnum 2) request.
type RecordReadReq struct {
	ARUUID    uuid.UUID
	API       uint16
	Slot      uint16
	Subslot   uint16
	Index     uint16
	MaxLength uint32
}

// RecordReadLen is the fixed wire length of a Record Read request body.
const RecordReadLen = 16 + 2 + 2 + 2 + 2 + 4

// Encode appends the Record Read request body (big-endian PNIO fields,
// per the same block-layer convention as Connect).
func (r RecordReadReq) Encode(b *frame.Builder) error {
	if err := writeUUIDBE(b, r.ARUUID); err != nil {
		return err
	}
	if err := b.U16(r.API); err != nil {
		return err
	}
	if err := b.U16(r.Slot); err != nil {
		return err
	}
	if err := b.U16(r.Subslot); err != nil {
		return err
	}
	if err := b.U16(r.Index); err != nil {
		return err
	}
	return b.U32(r.MaxLength)
}

// RealIdentModule is one (slot, subslot, module_ident, submodule_ident)
// tuple from a RealIdentificationData response (spec §4.3, §8 S6).
type RealIdentModule struct {
	Slot           uint16
	Subslot        uint16
	ModuleIdent    uint32
	SubmoduleIdent uint32
}

// DecodeRealIdentificationData parses a type-0x0240 RealIdentData block
// (including its 6-byte header) into the device's actual module layout.
func DecodeRealIdentificationData(buf []byte) ([]RealIdentModule, error) {
	p := frame.NewParser(buf)
	hdr, err := ReadBlockHeader(p)
	if err != nil {
		return nil, errShortBlock(0, "real ident data header")
	}
	if hdr.Type != BlockRealIdentData {
		return nil, fmt.Errorf("rpc: expected RealIdentData block (0x%04X), got 0x%04X", BlockRealIdentData, hdr.Type)
	}

	count, err := p.U16()
	if err != nil {
		return nil, err
	}
	modules := make([]RealIdentModule, 0, count)
	for i := 0; i < int(count); i++ {
		var m RealIdentModule
		if m.Slot, err = p.U16(); err != nil {
			return nil, err
		}
		if m.Subslot, err = p.U16(); err != nil {
			return nil, err
		}
		if m.ModuleIdent, err = p.U32(); err != nil {
			return nil, err
		}
		if m.SubmoduleIdent, err = p.U32(); err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, nil
}

// RecordWriteReq is the argument block of a Record Write (opnum 3)
// request used for vendor-specific records such as credential sync
// (spec §4.3).
type RecordWriteReq struct {
	ARUUID  uuid.UUID
	API     uint16
	Slot    uint16
	Subslot uint16
	Index   uint16
	Data    []byte
}

// Encode appends the Record Write request body.
func (r RecordWriteReq) Encode(b *frame.Builder) error {
	if err := writeUUIDBE(b, r.ARUUID); err != nil {
		return err
	}
	if err := b.U16(r.API); err != nil {
		return err
	}
	if err := b.U16(r.Slot); err != nil {
		return err
	}
	if err := b.U16(r.Subslot); err != nil {
		return err
	}
	if err := b.U16(r.Index); err != nil {
		return err
	}
	if err := b.U32(uint32(len(r.Data))); err != nil {
		return err
	}
	return b.Raw(r.Data)
}
