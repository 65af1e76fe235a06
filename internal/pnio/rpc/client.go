package rpc

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

// CallTimeout bounds every blocking RPC call (spec §5: "up to 5 s in a
// poll on the RPC socket").
const CallTimeout = 5 * time.Second

// Client is the controller's single PNIO-CM RPC endpoint. Every Connect,
// Control, and Record Read/Write call, plus the inbound ApplicationReady
// poll, share this one UDP socket (spec §5: "the RPC socket is owned by
// the AR manager; all RPC calls go through it").
type Client struct {
	conn *net.UDPConn
	seq  uint32
}

// NewClient wraps a UDP socket already bound to rpc.Port.
func NewClient(conn *net.UDPConn) *Client {
	return &Client{conn: conn}
}

// LocalPort reports the bound local port, for an AR Block Req's
// controller_udp_port field.
func (c *Client) LocalPort() uint16 {
	return uint16(c.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (c *Client) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

// effectiveUUID applies the wire-format strategy's UUID byte-order quirk
// (spec §4.3). Header.Encode always applies the DCE-RPC field swap, so
// to emit an "as-stored" (unswapped) UUID on the wire, the input must be
// pre-swapped once so the codec's own swap cancels it out.
func effectiveUUID(id uuid.UUID, swapUUIDs bool) uuid.UUID {
	if swapUUIDs {
		return id
	}
	return SwapUUIDFields(id)
}

// Call sends one PNIO-CM request and blocks for its matching response,
// matched by activity UUID and sequence number (spec §4.3, §8 law 6:
// "activity UUID regenerated per request"). body is the already-encoded
// PNIO block sequence; strategy controls NDR framing and UUID byte
// order. The returned bytes are the response's PNIO blocks with any NDR
// header already stripped.
func (c *Client) Call(ctx context.Context, addr netip.AddrPort, opnum uint16, objectUUID uuid.UUID, body []byte, strategy Strategy) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	seq := c.nextSeq()
	hdr := NewRequestHeader(opnum, effectiveUUID(objectUUID, strategy.SwapUUIDs), DeviceInterfaceUUID, seq)
	activityUUID := hdr.ActivityUUID

	headerLen := HeaderLen
	if strategy.UseNDR {
		headerLen += NDRHeaderLen
	}
	payload := make([]byte, headerLen+len(body))
	if err := hdr.Encode(payload); err != nil {
		return nil, fmt.Errorf("rpc: encode request header: %w", err)
	}
	if strategy.UseNDR {
		ndr := NDRHeader{ArgsMaximum: uint32(len(body)), ArgsLength: uint32(len(body)), MaxCount: uint32(len(body)), ActualCount: uint32(len(body))}
		if err := ndr.Encode(payload[HeaderLen:]); err != nil {
			return nil, fmt.Errorf("rpc: encode NDR header: %w", err)
		}
	}
	copy(payload[headerLen:], body)

	udpAddr := net.UDPAddrFromAddrPort(addr)
	if _, err := c.conn.WriteToUDP(payload, udpAddr); err != nil {
		return nil, fmt.Errorf("%w: send opnum %d to %s: %v", pnio.ErrIO, opnum, addr, err)
	}

	recvBuf := make([]byte, 2048)
	for {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(CallTimeout)
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("rpc: set read deadline: %w", err)
		}
		n, _, err := c.conn.ReadFromUDP(recvBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: no response to opnum %d from %s", pnio.ErrTimeout, opnum, addr)
			}
			return nil, fmt.Errorf("%w: receive: %v", pnio.ErrIO, err)
		}
		if n < HeaderLen {
			continue
		}
		respHdr, err := DecodeHeader(recvBuf[:n])
		if err != nil {
			continue
		}
		if respHdr.ActivityUUID != activityUUID || respHdr.SequenceNum != seq {
			continue // stray response belonging to a different in-flight call
		}
		rest := recvBuf[HeaderLen:n]
		if respHdr.PacketType == PacketTypeFault {
			return nil, faultError(rest)
		}
		if strategy.UseNDR && len(rest) >= NDRHeaderLen {
			rest = rest[NDRHeaderLen:]
		}
		return append([]byte(nil), rest...), nil
	}
}

// faultError turns a Fault PDU body into a *FaultError.
func faultError(body []byte) error {
	var f FaultInfo
	if len(body) >= 3 {
		f = FaultInfo{ErrorDecode: body[0], ErrorCode1: body[1], ErrorCode2: body[2]}
	}
	return &FaultError{Info: f, Action: AnalyzeError(f)}
}

// PollApplicationReady does one non-blocking-bounded read for an inbound
// IOD Control Req carrying ApplicationReady, replying in place if found
// (spec §4.4). ok is false with a nil error when nothing arrives within
// timeout — that is the expected steady-state outcome of most polls.
func (c *Client) PollApplicationReady(timeout time.Duration) (sessionKey uint16, arUUID uuid.UUID, ok bool, err error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, uuid.UUID{}, false, fmt.Errorf("rpc: set poll deadline: %w", err)
	}
	buf := make([]byte, 2048)
	n, from, rErr := c.conn.ReadFromUDP(buf)
	if rErr != nil {
		if ne, isNet := rErr.(net.Error); isNet && ne.Timeout() {
			return 0, uuid.UUID{}, false, nil
		}
		return 0, uuid.UUID{}, false, fmt.Errorf("%w: poll ApplicationReady: %v", pnio.ErrIO, rErr)
	}
	if n < HeaderLen {
		return 0, uuid.UUID{}, false, nil
	}
	hdr, hErr := DecodeHeader(buf[:n])
	if hErr != nil || hdr.Opnum != OpnumControl || hdr.PacketType != PacketTypeRequest {
		return 0, uuid.UUID{}, false, nil
	}
	key, id, isReady := IsApplicationReady(buf[HeaderLen:n])
	if !isReady {
		return 0, uuid.UUID{}, false, nil
	}

	resBody := make([]byte, 256)
	b := frame.NewBuilder(resBody)
	res := IODControlRes{ARUUID: id, SessionKey: key, Command: ControlApplicationReady}
	if err := res.Encode(b); err != nil {
		return 0, uuid.UUID{}, false, fmt.Errorf("rpc: encode ApplicationReady response block: %w", err)
	}

	resHdr := hdr
	resHdr.PacketType = PacketTypeResponse
	resPayload := make([]byte, HeaderLen+b.Len())
	if err := resHdr.Encode(resPayload); err != nil {
		return 0, uuid.UUID{}, false, fmt.Errorf("rpc: encode ApplicationReady response header: %w", err)
	}
	copy(resPayload[HeaderLen:], b.Bytes())

	if _, err := c.conn.WriteToUDP(resPayload, from); err != nil {
		return 0, uuid.UUID{}, false, fmt.Errorf("%w: reply to ApplicationReady from %s: %v", pnio.ErrIO, from, err)
	}
	return key, id, true, nil
}
