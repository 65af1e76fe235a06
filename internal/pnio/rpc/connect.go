package rpc

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

// AR type and property constants (spec §4.3).
const (
	ARTypeIOCAR = 0x0001

	// ARPropDefault is State-Active | Parameterization-Type | Startup-Legacy,
	// the fixed AR Properties value this controller always sends (spec §4.3).
	ARPropDefault = 0x00000003
)

// ActivityTimeoutDefault is 100 in units of 100ms == 10s (spec §4.3).
const ActivityTimeoutDefault = 100

// ARBlockReq is the block that opens a Connect Request (spec §4.3).
type ARBlockReq struct {
	ARType               uint16
	ARUUID               uuid.UUID
	SessionKey           uint16
	ControllerMAC        net.HardwareAddr
	ControllerObjectUUID uuid.UUID
	ARProperties         uint32
	ActivityTimeout      uint16
	ControllerUDPPort    uint16
	StationName          string
}

// Encode appends an AR Block Req (type 0x0101) to b. Block length =
// 54 + name_len, per spec §4.3.
func (ar ARBlockReq) Encode(b *frame.Builder) error {
	nameLen := len(ar.StationName)
	blockLen := uint16(54 + nameLen) // spec §4.3: Block length = 54 + name_len, version bytes included

	if err := WriteBlockHeader(b, BlockHeader{Type: BlockARReq, Length: blockLen, VersionHigh: defaultVersionHigh, VersionLow: defaultVersionLow}); err != nil {
		return err
	}
	if err := b.U16(ar.ARType); err != nil {
		return err
	}
	if err := writeUUIDBE(b, ar.ARUUID); err != nil {
		return err
	}
	if err := b.U16(ar.SessionKey); err != nil {
		return err
	}
	if err := b.Raw(ar.ControllerMAC); err != nil {
		return err
	}
	if err := writeUUIDBE(b, ar.ControllerObjectUUID); err != nil {
		return err
	}
	if err := b.U32(ar.ARProperties); err != nil {
		return err
	}
	if err := b.U16(ar.ActivityTimeout); err != nil {
		return err
	}
	if err := b.U16(ar.ControllerUDPPort); err != nil {
		return err
	}
	if err := b.U16(uint16(nameLen)); err != nil {
		return err
	}
	return b.Raw([]byte(ar.StationName))
}

// ARBlockRes is the AR Block Res parsed from a Connect Response: the
// device-assigned session key and device MAC (spec §4.3).
type ARBlockRes struct {
	ARType     uint16
	ARUUID     uuid.UUID
	SessionKey uint16
	DeviceMAC  net.HardwareAddr
}

func decodeARBlockRes(p *frame.Parser) (ARBlockRes, error) {
	var r ARBlockRes
	var err error
	if r.ARType, err = p.U16(); err != nil {
		return r, err
	}
	if r.ARUUID, err = readUUIDBE(p); err != nil {
		return r, err
	}
	if r.SessionKey, err = p.U16(); err != nil {
		return r, err
	}
	mac, err := p.Raw(6)
	if err != nil {
		return r, err
	}
	r.DeviceMAC = append(net.HardwareAddr(nil), mac...)
	return r, nil
}

// IOCRBlockReq is one unidirectional stream declaration inside a Connect
// Request (spec §3, §4.3).
type IOCRBlockReq struct {
	Direction       pnio.Direction
	FrameID         uint16
	SendClockFactor uint16
	ReductionRatio  uint16
	WatchdogFactor  uint16
	DataLength      uint16

	// DataObjects are the non-zero-length submodules, in slot-table
	// order; FrameOffset accumulates across submodules (zero-length
	// submodules, like DAP slot 0, are omitted per spec §4.3).
	DataObjects []IODataObject
}

// IODataObject is one (slot, subslot, frame_offset) triple.
type IODataObject struct {
	Slot        uint16
	Subslot     uint16
	FrameOffset uint16
}

const iocrTypeInput = 1
const iocrTypeOutput = 2

// Encode appends an IOCR Block Req (type 0x0102).
func (io IOCRBlockReq) Encode(b *frame.Builder) error {
	iocrType := uint16(iocrTypeInput)
	if io.Direction == pnio.DirectionOutput {
		iocrType = iocrTypeOutput
	}

	bodyLen := 2 /*iocrtype*/ + 2 /*frameid*/ + 2 + 2 + 2 + 2 /*datalen*/ +
		2 /*api_count*/ + 2 /*api*/ + 2 /*object count*/ + len(io.DataObjects)*6 +
		2 /*iocs count*/ + len(io.DataObjects)*5 /* slot+subslot+1-byte offset */

	if err := WriteBlockHeader(b, BlockHeader{Type: BlockIOCRReq, Length: blockHeaderBodyLength(bodyLen), VersionHigh: defaultVersionHigh, VersionLow: defaultVersionLow}); err != nil {
		return err
	}
	if err := b.U16(iocrType); err != nil {
		return err
	}
	if err := b.U16(io.FrameID); err != nil {
		return err
	}
	if err := b.U16(io.SendClockFactor); err != nil {
		return err
	}
	if err := b.U16(io.ReductionRatio); err != nil {
		return err
	}
	if err := b.U16(io.WatchdogFactor); err != nil {
		return err
	}
	if err := b.U16(io.DataLength); err != nil {
		return err
	}
	if err := b.U16(1); err != nil { // api_count
		return err
	}
	if err := b.U16(0); err != nil { // api
		return err
	}
	if err := b.U16(uint16(len(io.DataObjects))); err != nil {
		return err
	}
	for _, d := range io.DataObjects {
		if err := b.U16(d.Slot); err != nil {
			return err
		}
		if err := b.U16(d.Subslot); err != nil {
			return err
		}
		if err := b.U16(d.FrameOffset); err != nil {
			return err
		}
	}
	// IOCS section mirrors the IODataObject list with 1-byte offsets.
	if err := b.U16(uint16(len(io.DataObjects))); err != nil {
		return err
	}
	for _, d := range io.DataObjects {
		if err := b.U16(d.Slot); err != nil {
			return err
		}
		if err := b.U16(d.Subslot); err != nil {
			return err
		}
		if err := b.U8(uint8(d.FrameOffset)); err != nil {
			return err
		}
	}
	return nil
}

// IOCRBlockRes confirms or reassigns the Frame ID proposed in the matching request.
type IOCRBlockRes struct {
	Direction pnio.Direction
	FrameID   uint16
}

func decodeIOCRBlockRes(p *frame.Parser) (IOCRBlockRes, error) {
	var r IOCRBlockRes
	iocrType, err := p.U16()
	if err != nil {
		return r, err
	}
	if iocrType == iocrTypeOutput {
		r.Direction = pnio.DirectionOutput
	} else {
		r.Direction = pnio.DirectionInput
	}
	if r.FrameID, err = p.U16(); err != nil {
		return r, err
	}
	return r, nil
}

// AlarmCRBlockReq declares the Alarm CR (spec §4.3, fixed values).
type AlarmCRBlockReq struct {
	Type             uint16
	LT               uint16
	RTATimeoutFactor uint16
	Retries          uint8
	LocalAlarmRef    uint16
	MaxAlarmDataLen  uint16
	TagHeaderHigh    uint16
	TagHeaderLow     uint16
}

// DefaultAlarmCRBlockReq returns the fixed Alarm CR values from spec §4.3.
func DefaultAlarmCRBlockReq() AlarmCRBlockReq {
	return AlarmCRBlockReq{
		Type:             1,
		LT:               0x8892,
		RTATimeoutFactor: 100,
		Retries:          3,
		LocalAlarmRef:    0x0001,
		MaxAlarmDataLen:  200,
		TagHeaderHigh:    0xC000 | 6,
		TagHeaderLow:     0xA000 | 5,
	}
}

// Encode appends an Alarm CR Block Req (type 0x0103).
func (a AlarmCRBlockReq) Encode(b *frame.Builder) error {
	bodyLen := 2 + 2 + 2 + 1 + 2 + 2 + 2 + 2
	if err := WriteBlockHeader(b, BlockHeader{Type: BlockAlarmCRReq, Length: blockHeaderBodyLength(bodyLen), VersionHigh: defaultVersionHigh, VersionLow: defaultVersionLow}); err != nil {
		return err
	}
	if err := b.U16(a.Type); err != nil {
		return err
	}
	if err := b.U16(a.LT); err != nil {
		return err
	}
	if err := b.U16(a.RTATimeoutFactor); err != nil {
		return err
	}
	if err := b.U8(a.Retries); err != nil {
		return err
	}
	if err := b.U16(a.LocalAlarmRef); err != nil {
		return err
	}
	if err := b.U16(a.MaxAlarmDataLen); err != nil {
		return err
	}
	if err := b.U16(a.TagHeaderHigh); err != nil {
		return err
	}
	return b.U16(a.TagHeaderLow)
}

// AlarmCRBlockRes carries the device's local alarm reference.
type AlarmCRBlockRes struct {
	LocalAlarmRef uint16
}

func decodeAlarmCRBlockRes(p *frame.Parser) (AlarmCRBlockRes, error) {
	// type, LT, then the device's local alarm reference.
	if err := p.Skip(4); err != nil {
		return AlarmCRBlockRes{}, err
	}
	ref, err := p.U16()
	if err != nil {
		return AlarmCRBlockRes{}, err
	}
	return AlarmCRBlockRes{LocalAlarmRef: ref}, nil
}

// ExpectedSubslot is one subslot entry inside an Expected Submodule Block.
type ExpectedSubslot struct {
	Subslot        uint16
	SubmoduleIdent uint32
	Input          bool // Properties = 0x0001 input, 0x0002 output
	DataLength     uint16
	LengthIOCS     uint8
	LengthIOPS     uint8
}

// ExpectedSlot is one slot entry inside an Expected Submodule Block.
type ExpectedSlot struct {
	Slot        uint16
	ModuleIdent uint32
	Subslots    []ExpectedSubslot
}

// ExpectedSubmoduleBlock enumerates the unique slots the controller expects
// the device to present (spec §4.3).
type ExpectedSubmoduleBlock struct {
	Slots []ExpectedSlot
}

// Encode appends an Expected Submodule Block (type 0x0104).
func (e ExpectedSubmoduleBlock) Encode(b *frame.Builder) error {
	bodyLen := 2 // slot count
	for _, s := range e.Slots {
		bodyLen += 2 /*slot*/ + 4 /*module ident*/ + 2 /*subslot count*/
		bodyLen += len(s.Subslots) * (2 + 4 + 2 + 2 + 1 + 1)
	}

	if err := WriteBlockHeader(b, BlockHeader{Type: BlockExpectedSubmodule, Length: blockHeaderBodyLength(bodyLen), VersionHigh: defaultVersionHigh, VersionLow: defaultVersionLow}); err != nil {
		return err
	}
	if err := b.U16(uint16(len(e.Slots))); err != nil {
		return err
	}
	for _, s := range e.Slots {
		if err := b.U16(s.Slot); err != nil {
			return err
		}
		if err := b.U32(s.ModuleIdent); err != nil {
			return err
		}
		if err := b.U16(uint16(len(s.Subslots))); err != nil {
			return err
		}
		for _, ss := range s.Subslots {
			if err := b.U16(ss.Subslot); err != nil {
				return err
			}
			if err := b.U32(ss.SubmoduleIdent); err != nil {
				return err
			}
			props := uint16(0x0002)
			if ss.Input {
				props = 0x0001
			}
			if err := b.U16(props); err != nil {
				return err
			}
			if err := b.U16(ss.DataLength); err != nil {
				return err
			}
			if err := b.U8(ss.LengthIOCS); err != nil {
				return err
			}
			if err := b.U8(ss.LengthIOPS); err != nil {
				return err
			}
		}
	}
	return nil
}

// ConnectRequest is the full Connect Request (opnum 0) body (spec §4.3):
// AR Block Req, one or more IOCR Block Req, one Alarm CR Block Req, one
// Expected Submodule Block, in that fixed order.
type ConnectRequest struct {
	AR       ARBlockReq
	IOCRs    []IOCRBlockReq
	AlarmCR  AlarmCRBlockReq
	Expected ExpectedSubmoduleBlock
}

// Encode serializes the PNIO blocks of a Connect Request (big-endian,
// per spec §4.1/§4.3) into buf, after the RPC header and NDR header the
// caller has already written.
func (c ConnectRequest) Encode(buf []byte) (int, error) {
	b := frame.NewBuilder(buf)
	if err := c.AR.Encode(b); err != nil {
		return 0, fmt.Errorf("rpc: encode AR block: %w", err)
	}
	for i, iocr := range c.IOCRs {
		if err := iocr.Encode(b); err != nil {
			return 0, fmt.Errorf("rpc: encode IOCR block %d: %w", i, err)
		}
	}
	if err := c.AlarmCR.Encode(b); err != nil {
		return 0, fmt.Errorf("rpc: encode Alarm CR block: %w", err)
	}
	if err := c.Expected.Encode(b); err != nil {
		return 0, fmt.Errorf("rpc: encode Expected Submodule block: %w", err)
	}
	return b.Len(), nil
}

// ConnectResponse is the parsed Connect Response.
type ConnectResponse struct {
	AR         ARBlockRes
	IOCRs      []IOCRBlockRes
	AlarmCR    AlarmCRBlockRes
	ModuleDiff bool // an 0x8104 block was present; mismatch, not fatal (spec §4.3)
}

// DecodeConnectResponse walks the PNIO blocks of a Connect Response.
func DecodeConnectResponse(buf []byte) (ConnectResponse, error) {
	var resp ConnectResponse
	p := frame.NewParser(buf)

	for p.Remaining() >= BlockHeaderLen {
		hdr, err := ReadBlockHeader(p)
		if err != nil {
			return resp, errShortBlock(0, "header")
		}
		bodyLen := int(hdr.Length) - 2 // Length includes the 2 version bytes already consumed
		if bodyLen < 0 || p.Remaining() < bodyLen {
			return resp, errShortBlock(hdr.Type, "body")
		}
		bodyStart := p.Cursor()

		switch hdr.Type {
		case BlockARRes:
			ar, err := decodeARBlockRes(p)
			if err != nil {
				return resp, fmt.Errorf("rpc: decode AR Block Res: %w", err)
			}
			resp.AR = ar
		case BlockIOCRRes:
			iocr, err := decodeIOCRBlockRes(p)
			if err != nil {
				return resp, fmt.Errorf("rpc: decode IOCR Block Res: %w", err)
			}
			resp.IOCRs = append(resp.IOCRs, iocr)
		case BlockAlarmCRRes:
			acr, err := decodeAlarmCRBlockRes(p)
			if err != nil {
				return resp, fmt.Errorf("rpc: decode Alarm CR Block Res: %w", err)
			}
			resp.AlarmCR = acr
		case BlockModuleDiff:
			resp.ModuleDiff = true
		}

		// advance to the next block regardless of how much the specific
		// decoder consumed, so a field we don't model can't desync us.
		if err := p.Seek(bodyStart + bodyLen); err != nil {
			return resp, errShortBlock(hdr.Type, "seek past body")
		}
	}

	return resp, nil
}

// --- UUID helpers (big-endian PNIO block layer, as-stored order) ---

func writeUUIDBE(b *frame.Builder, id uuid.UUID) error {
	return b.Raw(id[:])
}

func readUUIDBE(p *frame.Parser) (uuid.UUID, error) {
	raw, err := p.Raw(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	copy(id[:], raw)
	return id, nil
}
