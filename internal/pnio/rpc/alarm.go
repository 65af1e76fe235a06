package rpc

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

// Alarm severities (spec.md §4.3 "ALARM-High/ALARM-Low").
const (
	AlarmSeverityLow  uint8 = 1
	AlarmSeverityHigh uint8 = 2
)

// AlarmNotification is the parsed body of a device-initiated alarm
// indication carried over the Alarm CR the Connect phase negotiated
// (spec.md §4.3 names the CR, this extends it to the notification PDU
// a complete controller must ingest).
type AlarmNotification struct {
	ARUUID   uuid.UUID
	Channel  uint16
	Severity uint8
}

// Encode appends an Alarm Notification block. Used only by tests acting
// as a fake device; the real controller is always the receiver.
func (a AlarmNotification) Encode(b *frame.Builder) error {
	bodyLen := 16 /*ar uuid*/ + 2 /*channel*/ + 1 /*severity*/
	if err := WriteBlockHeader(b, BlockHeader{Type: BlockAlarmNotification, Length: blockHeaderBodyLength(bodyLen), VersionHigh: defaultVersionHigh, VersionLow: defaultVersionLow}); err != nil {
		return err
	}
	if err := b.Raw(a.ARUUID[:]); err != nil {
		return err
	}
	if err := b.U16(a.Channel); err != nil {
		return err
	}
	return b.U8(a.Severity)
}

// decodeAlarmNotification parses an Alarm Notification block body.
func decodeAlarmNotification(buf []byte) (AlarmNotification, error) {
	p := frame.NewParser(buf)
	h, err := ReadBlockHeader(p)
	if err != nil {
		return AlarmNotification{}, err
	}
	if h.Type != BlockAlarmNotification {
		return AlarmNotification{}, errShortBlock(h.Type, "expected alarm notification block")
	}
	raw, err := p.Raw(16)
	if err != nil {
		return AlarmNotification{}, err
	}
	var a AlarmNotification
	copy(a.ARUUID[:], raw)
	if a.Channel, err = p.U16(); err != nil {
		return AlarmNotification{}, err
	}
	if a.Severity, err = p.U8(); err != nil {
		return AlarmNotification{}, err
	}
	return a, nil
}

// PollAlarmNotification does one non-blocking-bounded read for an
// inbound Alarm Notification request, acknowledging it in place if
// found (spec.md §4.3). ok is false with a nil error when nothing
// arrives within timeout, same contract as PollApplicationReady.
func (c *Client) PollAlarmNotification(timeout time.Duration) (notif AlarmNotification, ok bool, err error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return AlarmNotification{}, false, fmt.Errorf("rpc: set poll deadline: %w", err)
	}
	buf := make([]byte, 2048)
	n, from, rErr := c.conn.ReadFromUDP(buf)
	if rErr != nil {
		if ne, isNet := rErr.(net.Error); isNet && ne.Timeout() {
			return AlarmNotification{}, false, nil
		}
		return AlarmNotification{}, false, fmt.Errorf("%w: poll alarm notification: %v", pnio.ErrIO, rErr)
	}
	if n < HeaderLen {
		return AlarmNotification{}, false, nil
	}
	hdr, hErr := DecodeHeader(buf[:n])
	if hErr != nil || hdr.Opnum != OpnumAlarmNotify || hdr.PacketType != PacketTypeRequest {
		return AlarmNotification{}, false, nil
	}
	notif, err = decodeAlarmNotification(buf[HeaderLen:n])
	if err != nil {
		return AlarmNotification{}, false, nil
	}

	ackBody := make([]byte, BlockHeaderLen+16)
	b := frame.NewBuilder(ackBody)
	if err := WriteBlockHeader(b, BlockHeader{Type: BlockAlarmAck, Length: blockHeaderBodyLength(16), VersionHigh: defaultVersionHigh, VersionLow: defaultVersionLow}); err != nil {
		return AlarmNotification{}, false, fmt.Errorf("rpc: encode alarm ack block: %w", err)
	}
	if err := b.Raw(notif.ARUUID[:]); err != nil {
		return AlarmNotification{}, false, fmt.Errorf("rpc: encode alarm ack block: %w", err)
	}

	resHdr := hdr
	resHdr.PacketType = PacketTypeResponse
	resPayload := make([]byte, HeaderLen+b.Len())
	if err := resHdr.Encode(resPayload); err != nil {
		return AlarmNotification{}, false, fmt.Errorf("rpc: encode alarm ack header: %w", err)
	}
	copy(resPayload[HeaderLen:], b.Bytes())

	if _, err := c.conn.WriteToUDP(resPayload, from); err != nil {
		return AlarmNotification{}, false, fmt.Errorf("%w: ack alarm notification from %s: %v", pnio.ErrIO, from, err)
	}
	return notif, true, nil
}
