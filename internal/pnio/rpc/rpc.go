// Package rpc implements the PNIO-CM DCE-RPC-over-UDP dialect used to
// establish and tear down Application Relationships: Connect, Control
// (ParameterEnd/ApplicationReady/Release), Record Read/Write, and the
// Fault path, including the little-endian NDR header layer and the
// wire-format strategy state that tracks per-device quirks across
// reconnects.
//
// RPC header and NDR header fields are little-endian (DREP 0x10); this
// mirrors the DCE-RPC wire convention. The PNIO blocks that follow them
// are big-endian and are encoded through internal/pnio/frame, the same
// codec as the outer PROFINET RT/DCP layer.
package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/mwilco03/pnio-controller/internal/pnio"
)

// Port is the UDP port used for both endpoints of PNIO-CM RPC (spec §6).
const Port = 34964

// Packet types (spec §4.3).
const (
	PacketTypeRequest  = 0
	PacketTypeResponse = 2
	PacketTypeFault    = 3
)

// Opnums.
const (
	OpnumConnect     = 0
	OpnumRead        = 2
	OpnumWrite       = 3
	OpnumControl     = 4
	OpnumAlarmNotify = 5
)

// RPC header flags (spec §6).
const (
	FlagLastFragment = 0x02
	FlagIdempotent   = 0x20
)

// Interface UUIDs (spec §6), as-stored (RFC 4122 byte order); the wire
// form little-endian-swaps the first three fields via swapUUIDFieldsLocal.
var (
	DeviceInterfaceUUID     = uuid.MustParse("DEA00001-6C97-11D1-8271-00A02442DF7D")
	ControllerInterfaceUUID = uuid.MustParse("DEA00002-6C97-11D1-8271-00A02442DF7D")
)

// HeaderLen is the fixed RPC header size (spec §4.3).
const HeaderLen = 80

// NDRHeaderLen is the fixed NDR header size (spec §4.3).
const NDRHeaderLen = 20

// Header is the 80-byte DCE-RPC header common to every PDU.
type Header struct {
	Version          uint8
	PacketType       uint8
	Flags1           uint8
	Flags2           uint8
	DataRep          [3]byte // drep[0] == 0x10 signals little-endian (spec §6)
	SerialHigh       uint8
	ObjectUUID       uuid.UUID
	InterfaceUUID    uuid.UUID
	ActivityUUID     uuid.UUID
	ServerBootTime   uint32
	InterfaceVersion uint32
	SequenceNum      uint32
	Opnum            uint16
	InterfaceHint    uint16
	ActivityHint     uint16
	FragLen          uint16
	FragNum          uint16
	AuthProto        uint8
	SerialLow        uint8
}

// NewRequestHeader builds a Header for an outbound Connect/Control/Read/Write
// request. ActivityUUID is regenerated fresh per request (spec §6, §8 law 6).
func NewRequestHeader(opnum uint16, objectUUID, interfaceUUID uuid.UUID, sequenceNum uint32) Header {
	return Header{
		Version:          4,
		PacketType:       PacketTypeRequest,
		Flags1:           FlagLastFragment | FlagIdempotent,
		DataRep:          [3]byte{0x10, 0x00, 0x00},
		ObjectUUID:       objectUUID,
		InterfaceUUID:    interfaceUUID,
		ActivityUUID:     uuid.New(),
		InterfaceVersion: 1,
		SequenceNum:      sequenceNum,
		Opnum:            opnum,
		FragNum:          0,
	}
}

func putUUIDLE(dst []byte, id uuid.UUID) {
	swapped := swapUUIDFieldsLocal(id)
	copy(dst, swapped[:])
}

func getUUIDLE(src []byte) uuid.UUID {
	var raw uuid.UUID
	copy(raw[:], src[:16])
	return swapUUIDFieldsLocal(raw)
}

// SwapUUIDFields reverses the DCE-RPC field-swap of a UUID's first three
// fields (time_low/time_mid/time_hi). Exported so rpc.Client can honor
// the wire-format strategy's UUID byte-order quirk (spec §4.3) without
// duplicating the header codec's swap logic.
func SwapUUIDFields(id uuid.UUID) uuid.UUID {
	return swapUUIDFieldsLocal(id)
}

// swapUUIDFieldsLocal is the same field swap as frame.SwapUUIDFields,
// kept beside the little-endian header codec that uses it.
func swapUUIDFieldsLocal(id uuid.UUID) uuid.UUID {
	var out uuid.UUID
	out[0], out[1], out[2], out[3] = id[3], id[2], id[1], id[0]
	out[4], out[5] = id[5], id[4]
	out[6], out[7] = id[7], id[6]
	copy(out[8:], id[8:])
	return out
}

// Encode writes the 80-byte header into buf (little-endian).
func (h Header) Encode(buf []byte) error {
	if len(buf) < HeaderLen {
		return fmt.Errorf("%w: header needs %d bytes, got %d", pnio.ErrNoCapacity, HeaderLen, len(buf))
	}
	buf[0] = h.Version
	buf[1] = h.PacketType
	buf[2] = h.Flags1
	buf[3] = h.Flags2
	copy(buf[4:7], h.DataRep[:])
	buf[7] = h.SerialHigh
	putUUIDLE(buf[8:24], h.ObjectUUID)
	putUUIDLE(buf[24:40], h.InterfaceUUID)
	putUUIDLE(buf[40:56], h.ActivityUUID)
	binary.LittleEndian.PutUint32(buf[56:60], h.ServerBootTime)
	binary.LittleEndian.PutUint32(buf[60:64], h.InterfaceVersion)
	binary.LittleEndian.PutUint32(buf[64:68], h.SequenceNum)
	binary.LittleEndian.PutUint16(buf[68:70], h.Opnum)
	binary.LittleEndian.PutUint16(buf[70:72], h.InterfaceHint)
	binary.LittleEndian.PutUint16(buf[72:74], h.ActivityHint)
	binary.LittleEndian.PutUint16(buf[74:76], h.FragLen)
	binary.LittleEndian.PutUint16(buf[76:78], h.FragNum)
	buf[78] = h.AuthProto
	buf[79] = h.SerialLow
	return nil
}

// DecodeHeader reads an 80-byte header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", pnio.ErrTooShort, HeaderLen, len(buf))
	}
	var h Header
	h.Version = buf[0]
	h.PacketType = buf[1]
	h.Flags1 = buf[2]
	h.Flags2 = buf[3]
	copy(h.DataRep[:], buf[4:7])
	h.SerialHigh = buf[7]
	h.ObjectUUID = getUUIDLE(buf[8:24])
	h.InterfaceUUID = getUUIDLE(buf[24:40])
	h.ActivityUUID = getUUIDLE(buf[40:56])
	h.ServerBootTime = binary.LittleEndian.Uint32(buf[56:60])
	h.InterfaceVersion = binary.LittleEndian.Uint32(buf[60:64])
	h.SequenceNum = binary.LittleEndian.Uint32(buf[64:68])
	h.Opnum = binary.LittleEndian.Uint16(buf[68:70])
	h.InterfaceHint = binary.LittleEndian.Uint16(buf[70:72])
	h.ActivityHint = binary.LittleEndian.Uint16(buf[72:74])
	h.FragLen = binary.LittleEndian.Uint16(buf[74:76])
	h.FragNum = binary.LittleEndian.Uint16(buf[76:78])
	h.AuthProto = buf[78]
	h.SerialLow = buf[79]
	return h, nil
}

// NDRHeader is the 20-byte little-endian argument-marshaling header that
// follows the RPC header on requests using full NDR framing.
type NDRHeader struct {
	ArgsMaximum uint32
	ArgsLength  uint32
	MaxCount    uint32
	Offset      uint32 // always 0
	ActualCount uint32
}

// Encode writes the 20-byte NDR header into buf.
func (n NDRHeader) Encode(buf []byte) error {
	if len(buf) < NDRHeaderLen {
		return fmt.Errorf("%w: NDR header needs %d bytes, got %d", pnio.ErrNoCapacity, NDRHeaderLen, len(buf))
	}
	binary.LittleEndian.PutUint32(buf[0:4], n.ArgsMaximum)
	binary.LittleEndian.PutUint32(buf[4:8], n.ArgsLength)
	binary.LittleEndian.PutUint32(buf[8:12], n.MaxCount)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint32(buf[16:20], n.ActualCount)
	return nil
}

// DecodeNDRHeader reads a 20-byte NDR header from buf.
func DecodeNDRHeader(buf []byte) (NDRHeader, error) {
	if len(buf) < NDRHeaderLen {
		return NDRHeader{}, fmt.Errorf("%w: NDR header needs %d bytes, got %d", pnio.ErrTooShort, NDRHeaderLen, len(buf))
	}
	return NDRHeader{
		ArgsMaximum: binary.LittleEndian.Uint32(buf[0:4]),
		ArgsLength:  binary.LittleEndian.Uint32(buf[4:8]),
		MaxCount:    binary.LittleEndian.Uint32(buf[8:12]),
		Offset:      binary.LittleEndian.Uint32(buf[12:16]),
		ActualCount: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}
