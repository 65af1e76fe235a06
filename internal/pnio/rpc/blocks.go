package rpc

import (
	"fmt"

	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

// Block type codes (spec §4.3).
const (
	BlockARReq             = 0x0101
	BlockIOCRReq           = 0x0102
	BlockAlarmCRReq        = 0x0103
	BlockExpectedSubmodule = 0x0104
	BlockARRes             = 0x8101
	BlockIOCRRes           = 0x8102
	BlockAlarmCRRes        = 0x8103
	BlockModuleDiff        = 0x8104
	BlockIODControlReq     = 0x0110
	BlockIODControlRes     = 0x8110
	BlockRealIdentData     = 0x0240
	BlockAlarmNotification = 0x0001
	BlockAlarmAck          = 0x8001
)

// BlockHeaderLen is the fixed 6-byte block header: type(2) + length(2) +
// version_high(1) + version_low(1).
const BlockHeaderLen = 6

// BlockHeader is the header common to every PNIO block.
type BlockHeader struct {
	Type        uint16
	Length      uint16 // length of the block body, excluding type+length themselves
	VersionHigh uint8
	VersionLow  uint8
}

// WriteBlockHeader appends a 6-byte block header.
func WriteBlockHeader(b *frame.Builder, h BlockHeader) error {
	if err := b.U16(h.Type); err != nil {
		return err
	}
	if err := b.U16(h.Length); err != nil {
		return err
	}
	if err := b.U8(h.VersionHigh); err != nil {
		return err
	}
	return b.U8(h.VersionLow)
}

// ReadBlockHeader reads a 6-byte block header.
func ReadBlockHeader(p *frame.Parser) (BlockHeader, error) {
	var h BlockHeader
	var err error
	if h.Type, err = p.U16(); err != nil {
		return h, err
	}
	if h.Length, err = p.U16(); err != nil {
		return h, err
	}
	if h.VersionHigh, err = p.U8(); err != nil {
		return h, err
	}
	if h.VersionLow, err = p.U8(); err != nil {
		return h, err
	}
	return h, nil
}

// defaultVersionHigh and defaultVersionLow are VersionHigh=1,
// VersionLow=0, used by every block
// this controller builds.
const (
	defaultVersionHigh = 1
	defaultVersionLow  = 0
)

// blockHeaderBodyLength is how much a block's Length field counts past
// the type+length fields themselves: version_high + version_low + body.
func blockHeaderBodyLength(bodyLen int) uint16 {
	return uint16(2 + bodyLen)
}

// errShortBlock wraps pnio.ErrTooShort with a block-type-specific message.
func errShortBlock(blockType uint16, detail string) error {
	return fmt.Errorf("rpc: block 0x%04X %s: %w", blockType, detail, pnio.ErrTooShort)
}
