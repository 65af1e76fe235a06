// Package cyclic implements the RT Class 1 cyclic data engine (spec
// §4.5): the fixed-base-clock output loop that builds and sends one
// cyclic frame per running AR every cycle, and the Frame-ID-dispatched
// input ingestion the receive thread drives for inbound device frames.
//
// Both sides work from the same SENSOR/ACTUATOR slot-table ordering the
// AR manager used to build the IOCRs in the first place (spec §4.3,
// §4.4), via SensorSlots/ActuatorSlots below, so a sensor_index handed to
// an on_data_received callback always lines up with the same index into
// a registry device's Sensors array.
package cyclic

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mwilco03/pnio-controller/internal/logger"
	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/ar"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

// MinCycleTime is the smallest cycle_time_us the engine accepts: one
// PROFINET send-clock tick (spec §4.5: "never below 31.25 µs").
const MinCycleTime = 31250 * time.Nanosecond

// DefaultCycleTime is the spec §6 default cycle_time_us.
const DefaultCycleTime = 1 * time.Millisecond

// FrameSender is the subset of socket.RawSocket the engine sends output
// frames through.
type FrameSender interface {
	Send(frm []byte) error
}

// Config carries the cyclic engine's own timing knob; the IOCR-level
// send-clock/reduction-ratio/watchdog-factor fields live in ar.Config
// since they are negotiated per-AR at Connect time, not here.
type Config struct {
	CycleTime time.Duration
}

// DefaultConfig returns the spec §6 default.
func DefaultConfig() Config {
	return Config{CycleTime: DefaultCycleTime}
}

func (c Config) clamped() time.Duration {
	if c.CycleTime < MinCycleTime {
		return MinCycleTime
	}
	return c.CycleTime
}

// Callbacks is the engine's data-path callback surface (spec §6).
type Callbacks struct {
	// OnDataReceived fires once per SENSOR slot in an inbound Input
	// frame, in the receive thread, never blocking (spec §5). sensorIndex
	// is the ordinal of the slot among SENSOR-role slots only (spec
	// §4.5), matching registry.Registry.UpdateSensor's slotIndex.
	OnDataReceived func(station string, sensorIndex int, sample pnio.SensorSample)
}

// Stats is the cyclic thread's running performance counters (spec §4.5
// step 4). All fields are in whole microseconds except Cycles/Overruns.
type Stats struct {
	Cycles       uint64
	Overruns     uint64
	MinUs        int64
	MaxUs        int64
	RunningAvgUs float64
}

// route is what the receive thread needs to demux and slice one inbound
// Input-IOCR frame, refreshed from the AR manager once per cyclic tick.
type route struct {
	station string
	slots   []pnio.Slot // SENSOR-role slots only, in offset order
	bufLen  int
}

// Engine drives the cyclic output loop and input ingestion (spec §4.5).
type Engine struct {
	mgr  *ar.Manager
	sock FrameSender
	cb   Callbacks

	controllerMAC net.HardwareAddr
	cycleTime     time.Duration

	routesMu sync.RWMutex
	routes   map[uint16]route // keyed by Input Frame ID

	statsMu sync.Mutex
	stats   Stats

	stop chan struct{}
	done chan struct{}
}

// NewEngine builds a cyclic engine. sock is the raw Ethernet transport
// (normally a *socket.RawSocket) the output loop sends frames through.
func NewEngine(mgr *ar.Manager, sock FrameSender, controllerMAC net.HardwareAddr, cfg Config, cb Callbacks) *Engine {
	return &Engine{
		mgr:           mgr,
		sock:          sock,
		cb:            cb,
		controllerMAC: controllerMAC,
		cycleTime:     cfg.clamped(),
		routes:        make(map[uint16]route),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// SensorSlots returns the SENSOR-role, nonzero-length slots of slots, in
// table order — the same filter+order ar's dataObjectsForDirection uses
// for the Input direction, so offsets computed here land on the same
// bytes the Input IOCR buffer actually carries.
func SensorSlots(slots []pnio.Slot) []pnio.Slot {
	out := make([]pnio.Slot, 0, len(slots))
	for _, s := range slots {
		if s.Role == pnio.RoleSensor && s.DataLength > 0 {
			out = append(out, s)
		}
	}
	return out
}

// ActuatorSlots returns the ACTUATOR-role, nonzero-length slots of slots,
// in table order — mirrors SensorSlots for the Output direction.
func ActuatorSlots(slots []pnio.Slot) []pnio.Slot {
	out := make([]pnio.Slot, 0, len(slots))
	for _, s := range slots {
		if s.Role == pnio.RoleActuator && s.DataLength > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Stats returns a copy of the engine's current running counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Run drives the cyclic thread until Stop is called. It is the only
// goroutine that sends cyclic output frames (the main thread also sends
// DCP Identify-All frames on the same socket), and per spec §5 it never
// blocks on anything but that non-blocking sendto.
func (e *Engine) Run() {
	defer close(e.done)

	nextCycle := time.Now()
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		start := time.Now()
		e.mgr.Tick(start)
		running := e.mgr.Snapshot()

		e.refreshRoutes(running)
		for _, a := range running {
			if err := e.sendOutputFrame(a); err != nil {
				logger.WithAR(a.StationName, a.ARUUID).Warn("cyclic: output frame send failed", zap.Error(err))
			}
		}

		e.recordCycle(time.Since(start))

		nextCycle = nextCycle.Add(e.cycleTime)
		sleep := time.Until(nextCycle)
		if sleep <= 0 {
			e.statsMu.Lock()
			e.stats.Overruns++
			e.statsMu.Unlock()
			// Behind schedule: re-anchor on now rather than let the
			// deficit compound into every subsequent cycle (spec §4.5
			// step 5).
			nextCycle = time.Now()
			continue
		}
		select {
		case <-time.After(sleep):
		case <-e.stop:
			return
		}
	}
}

// Stop halts the cyclic thread and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) recordCycle(elapsed time.Duration) {
	us := elapsed.Microseconds()
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Cycles++
	if e.stats.Cycles == 1 || us < e.stats.MinUs {
		e.stats.MinUs = us
	}
	if us > e.stats.MaxUs {
		e.stats.MaxUs = us
	}
	n := float64(e.stats.Cycles)
	e.stats.RunningAvgUs += (float64(us) - e.stats.RunningAvgUs) / n
}

// refreshRoutes rebuilds the Frame-ID dispatch table from the current
// RUN-state snapshot, so the receive thread always demuxes against
// up-to-date routing without touching the AR manager's own mutex.
func (e *Engine) refreshRoutes(running []pnio.ApplicationRelationship) {
	next := make(map[uint16]route, len(running))
	for _, a := range running {
		if a.InputIOCR == nil {
			continue
		}
		next[a.InputIOCR.FrameID] = route{
			station: a.StationName,
			slots:   SensorSlots(a.Slots),
			bufLen:  len(a.InputIOCR.Buffer),
		}
	}
	e.routesMu.Lock()
	e.routes = next
	e.routesMu.Unlock()
}

// sendOutputFrame builds and sends one Output cyclic frame for a (spec
// §4.5): Ethernet header, big-endian Frame ID, the Output IOCR buffer,
// one IOPS byte per ACTUATOR slot, the per-IOCR cycle counter, Data
// Status, Transfer Status, zero-padded to the Ethernet minimum.
func (e *Engine) sendOutputFrame(a pnio.ApplicationRelationship) error {
	if a.OutputIOCR == nil {
		return fmt.Errorf("%w: %s has no Output IOCR", pnio.ErrNotInitialized, a.StationName)
	}

	actuatorCount := len(ActuatorSlots(a.Slots))
	cycle, ok := e.mgr.NextCycleCounter(a.StationName, pnio.DirectionOutput)
	if !ok {
		return fmt.Errorf("%w: %s output IOCR vanished mid-cycle", pnio.ErrNotFound, a.StationName)
	}

	buf, err := buildOutputFrame(a.MAC, e.controllerMAC, a.OutputIOCR.FrameID, a.OutputIOCR.Buffer, actuatorCount, cycle)
	if err != nil {
		return err
	}
	return e.sock.Send(buf)
}

// buildOutputFrame assembles one Output cyclic frame (spec §4.5): an
// Ethernet header, the big-endian Frame ID, the Output IOCR buffer, one
// IOPS byte per ACTUATOR slot, the big-endian cycle counter, Data Status,
// Transfer Status, zero-padded to the Ethernet minimum frame length.
func buildOutputFrame(dst, src net.HardwareAddr, frameID uint16, outputBuf []byte, actuatorCount int, cycle uint16) ([]byte, error) {
	bodyLen := frame.HeaderLen + 2 + len(outputBuf) + actuatorCount + 2 + 1 + 1
	total := bodyLen
	if total < frame.MinFrameLen {
		total = frame.MinFrameLen
	}

	b := frame.NewBuilder(make([]byte, total))
	if err := b.Raw(dst); err != nil {
		return nil, err
	}
	if err := b.Raw(src); err != nil {
		return nil, err
	}
	if err := b.U16(frame.EtherType); err != nil {
		return nil, err
	}
	if err := b.U16(frameID); err != nil {
		return nil, err
	}
	if err := b.Raw(outputBuf); err != nil {
		return nil, err
	}
	for i := 0; i < actuatorCount; i++ {
		if err := b.U8(pnio.IOxSGood); err != nil {
			return nil, err
		}
	}
	if err := b.U16(cycle); err != nil {
		return nil, err
	}
	if err := b.U8(pnio.DataStatusRunValid); err != nil {
		return nil, err
	}
	if err := b.U8(0); err != nil { // transfer status: always 0, no transfer-in-progress support
		return nil, err
	}
	if err := b.PadTo(total); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Ingest parses one inbound frame and, if it carries a Frame ID this
// engine is currently routing as an Input IOCR, slices it by SENSOR slot
// and fires OnDataReceived for each, then commits the raw buffer back
// into the AR manager and stamps activity/frame-time bookkeeping. It
// returns ok=false (not an error) for a well-formed frame whose Frame ID
// isn't one of ours — every other station's broadcast traffic looks like
// this on a shared segment (spec §4.5, §7: "not for us" is not a protocol
// error).
func (e *Engine) Ingest(buf []byte, now time.Time) (ok bool, err error) {
	_, _, ethertype, rest, err := frame.ParseEthernetHeader(buf)
	if err != nil {
		return false, fmt.Errorf("%w: %v", pnio.ErrProtocol, err)
	}
	if ethertype != frame.EtherType {
		return false, nil
	}
	frameID, err := rest.U16()
	if err != nil {
		return false, fmt.Errorf("%w: %v", pnio.ErrProtocol, err)
	}

	e.routesMu.RLock()
	rt, routed := e.routes[frameID]
	e.routesMu.RUnlock()
	if !routed {
		return false, nil
	}

	payload, err := rest.Raw(rt.bufLen)
	if err != nil {
		return false, fmt.Errorf("%w: input frame for %q shorter than its IOCR buffer: %v", pnio.ErrProtocol, rt.station, err)
	}

	nowUs := now.UnixMicro()
	e.mgr.CommitIOCRBuffers(rt.station, payload, nil)
	e.mgr.RecordInputFrame(rt.station, nowUs)
	e.mgr.RecordActivity(rt.station, now.UnixMilli())

	if e.cb.OnDataReceived != nil {
		var offset uint16
		for i, s := range rt.slots {
			sample := decodeSensorSample(payload[offset:offset+s.DataLength], now)
			e.cb.OnDataReceived(rt.station, i, sample)
			offset += s.DataLength
		}
	}
	return true, nil
}

// decodeSensorSample parses a 5-byte sensor submodule payload (spec §6:
// float32 value, big-endian || uint8 quality).
func decodeSensorSample(b []byte, now time.Time) pnio.SensorSample {
	p := frame.NewParser(b)
	v, _ := p.F32()
	q, _ := p.U8()
	return pnio.SensorSample{Value: v, Quality: q, TimestampMs: uint64(now.UnixMilli())}
}
