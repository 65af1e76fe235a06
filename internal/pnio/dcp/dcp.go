// Package dcp implements the PROFINET Discovery and Configuration
// Protocol send/parse path described in spec §4.2: an Identify-All
// broadcast, Identify-Response parsing, and the discovered-device cache
// that the AR manager's auto-connect pipeline reads from.
package dcp

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

// Multicast destination for DCP Identify requests (spec §6).
var MulticastMAC = net.HardwareAddr{0x01, 0x0E, 0xCF, 0x00, 0x00, 0x00}

// Frame IDs reserved for DCP (spec §6).
const (
	FrameIDIdentifyRequest  = 0xFEFE
	FrameIDIdentifyResponse = 0xFEFF
)

// DCP service/option constants relevant to Identify.
const (
	serviceIDIdentify  = 0x05
	serviceTypeRequest = 0x00
	serviceTypeSuccess = 0x00

	optionAll        = 0xFF
	suboptionAllAll  = 0xFF
	optionIP         = 0x01
	suboptionIPParam = 0x02
	optionDevice     = 0x02
	suboptionName    = 0x02
	suboptionDevID   = 0x03
)

// CachedDevice is a discovered-device cache entry (spec §4.2).
type CachedDevice struct {
	StationName string
	MAC         net.HardwareAddr
	IP          netip.Addr
	VendorID    uint16
	DeviceID    uint16
	IPSet       bool
	NameSet     bool
	LastSeenMs  int64
}

// ResponseCallback is invoked once per parsed Identify-Response.
type ResponseCallback func(CachedDevice)

// Cache is a bounded, thread-safe station-name -> CachedDevice map fed by
// Identify-Responses. Minimum capacity is 256 per spec §4.2; entries
// beyond capacity evict the least-recently-seen entry.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*CachedDevice
	onResp   ResponseCallback
}

// NewCache creates a cache. capacity is clamped to a minimum of 256.
func NewCache(capacity int) *Cache {
	if capacity < 256 {
		capacity = 256
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*CachedDevice, capacity),
	}
}

// SetCallback registers the function fired on every Identify-Response.
func (c *Cache) SetCallback(cb ResponseCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResp = cb
}

// Get returns a copy of a cached entry.
func (c *Cache) Get(stationName string) (CachedDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[stationName]
	if !ok {
		return CachedDevice{}, false
	}
	return *e, true
}

// List returns a snapshot of every cached entry.
func (c *Cache) List() []CachedDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CachedDevice, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// Ingest records a response, refreshing LastSeenMs, and evicts the
// oldest entry if at capacity and this is a new station name. Called by
// the receive thread for every parsed Identify-Response.
func (c *Cache) Ingest(d CachedDevice) {
	c.mu.Lock()
	if _, exists := c.entries[d.StationName]; !exists && len(c.entries) >= c.capacity {
		var oldestName string
		var oldestMs int64 = 1<<63 - 1
		for name, e := range c.entries {
			if e.LastSeenMs < oldestMs {
				oldestMs = e.LastSeenMs
				oldestName = name
			}
		}
		delete(c.entries, oldestName)
	}
	d.LastSeenMs = nowMs()
	c.entries[d.StationName] = &d
	cb := c.onResp
	c.mu.Unlock()

	if cb != nil {
		cb(d)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// BuildIdentifyAll builds a DCP Identify-All request addressed to the
// multicast destination, option ALL/ALL, with the given source MAC and
// XID. The frame is padded to the Ethernet minimum.
func BuildIdentifyAll(srcMAC net.HardwareAddr, xid uint32) ([]byte, error) {
	buf := make([]byte, frame.MinFrameLen)
	if err := frame.BuildEthernetHeader(buf, MulticastMAC, srcMAC, frame.EtherType); err != nil {
		return nil, err
	}

	b := frame.NewBuilder(buf[frame.HeaderLen:])
	if err := b.U16(FrameIDIdentifyRequest); err != nil {
		return nil, err
	}
	if err := b.U8(serviceIDIdentify); err != nil {
		return nil, err
	}
	if err := b.U8(serviceTypeRequest); err != nil {
		return nil, err
	}
	if err := b.U32(xid); err != nil {
		return nil, err
	}
	if err := b.U16(1); err != nil { // response delay factor
		return nil, err
	}

	// DCPBlock: option ALL/ALL, zero-length payload.
	block := make([]byte, 4)
	bb := frame.NewBuilder(block)
	if err := bb.U8(optionAll); err != nil {
		return nil, err
	}
	if err := bb.U8(suboptionAllAll); err != nil {
		return nil, err
	}
	if err := bb.U16(0); err != nil { // DCPBlockLength
		return nil, err
	}
	if err := b.U16(uint16(len(block))); err != nil { // DataLength
		return nil, err
	}
	if err := b.Raw(block); err != nil {
		return nil, err
	}

	return buf, nil
}

// NewXID returns a random DCP transaction id. Callers that need a
// specific id for a test vector (spec §8 S1) may skip this helper.
func NewXID() uint32 {
	return rand.Uint32()
}

// ParseIdentifyResponse parses an incoming frame. It returns ok=false
// (not an error) for frames that are well-formed but not a DCP
// Identify-Response matching xid — those are simply not for us and the
// caller should keep polling. A malformed frame returns a wrapped
// pnio.ErrProtocol per spec §7 (drop and keep the receive loop running).
func ParseIdentifyResponse(buf []byte, expectXID uint32) (dev CachedDevice, ok bool, err error) {
	_, src, ethertype, p, err := frame.ParseEthernetHeader(buf)
	if err != nil {
		return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
	}
	if ethertype != frame.EtherType {
		return CachedDevice{}, false, nil
	}

	frameID, err := p.U16()
	if err != nil {
		return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
	}
	if frameID != FrameIDIdentifyResponse {
		return CachedDevice{}, false, nil
	}

	if err := p.Skip(2); err != nil { // service id, service type
		return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
	}
	xid, err := p.U32()
	if err != nil {
		return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
	}
	if xid != expectXID {
		return CachedDevice{}, false, nil
	}
	if err := p.Skip(2); err != nil { // response delay
		return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
	}
	dataLen, err := p.U16()
	if err != nil {
		return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
	}
	if p.Remaining() < int(dataLen) {
		return CachedDevice{}, false, fmt.Errorf("dcp: %w: DataLength %d exceeds remaining %d", pnio.ErrTooShort, dataLen, p.Remaining())
	}

	dev.MAC = append(net.HardwareAddr(nil), src...)

	end := p.Cursor() + int(dataLen)
	for p.Cursor()+4 <= end {
		option, err := p.U8()
		if err != nil {
			return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
		}
		suboption, err := p.U8()
		if err != nil {
			return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
		}
		blockLen, err := p.U16()
		if err != nil {
			return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
		}
		payload, err := p.Raw(int(blockLen))
		if err != nil {
			return CachedDevice{}, false, fmt.Errorf("dcp: %w", err)
		}

		switch {
		case option == optionDevice && suboption == suboptionName:
			if len(payload) >= 2 {
				dev.StationName = string(payload[2:])
				dev.NameSet = true
			}
		case option == optionIP && suboption == suboptionIPParam:
			if len(payload) >= 6 {
				dev.IP, _ = netip.AddrFromSlice(payload[2:6])
				dev.IPSet = true
			}
		case option == optionDevice && suboption == suboptionDevID:
			if len(payload) >= 6 {
				dev.VendorID = binary.BigEndian.Uint16(payload[2:4])
				dev.DeviceID = binary.BigEndian.Uint16(payload[4:6])
			}
		}

		// blocks are padded to an even length on the wire
		consumed := blockLen
		if consumed%2 == 1 {
			if err := p.Skip(1); err != nil {
				break
			}
			consumed++
		}
	}

	return dev, true, nil
}
