package dcp

import (
	"net"
	"sync/atomic"
	"time"
)

// FrameSender is the minimal raw-socket write surface the DCP sender
// needs; internal/pnio/socket.RawSocket satisfies it.
type FrameSender interface {
	Send(frame []byte) error
}

// Sender periodically broadcasts Identify-All requests. Identify
// requests are idempotent and safe to retry (spec §4.2), so the send
// loop simply checks a shared running flag at each interval boundary —
// the same cancellation shape as the teacher's resources.Monitor ticker
// loop.
type Sender struct {
	srcMAC  net.HardwareAddr
	sock    FrameSender
	running atomic.Bool
}

// NewSender creates a Sender bound to srcMAC, writing through sock.
func NewSender(srcMAC net.HardwareAddr, sock FrameSender) *Sender {
	return &Sender{srcMAC: srcMAC, sock: sock}
}

// IdentifyOnce builds and sends a single Identify-All with a fresh XID,
// returning the XID so the caller can match responses.
func (s *Sender) IdentifyOnce() (uint32, error) {
	xid := NewXID()
	buf, err := BuildIdentifyAll(s.srcMAC, xid)
	if err != nil {
		return 0, err
	}
	return xid, s.sock.Send(buf)
}

// Run broadcasts Identify-All every interval until Stop is called; it
// checks the running flag at every tick boundary rather than blocking
// uninterruptibly.
func (s *Sender) Run(interval time.Duration) {
	s.running.Store(true)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for s.running.Load() {
		if _, err := s.IdentifyOnce(); err != nil {
			// The error is dropped, not reported; the send loop keeps
			// running per spec §7 (socket errors are recoverable outside
			// the cyclic path too).
		}
		<-ticker.C
	}
}

// Stop signals Run to exit at the next tick boundary.
func (s *Sender) Stop() {
	s.running.Store(false)
}
