// Package ar implements the Application Relationship manager (spec
// §4.4): the per-device connection state machine, Frame-ID assignment
// and IOCR buffer allocation, the GSDML/HTTP discovery pipeline, and the
// copy-under-lock/RPC-outside-lock concurrency pattern that keeps
// blocking PNIO-CM RPC calls off the cyclic thread.
package ar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mwilco03/pnio-controller/internal/logger"
	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
	"github.com/mwilco03/pnio-controller/internal/pnio/gsdml"
	"github.com/mwilco03/pnio-controller/internal/pnio/registry"
	"github.com/mwilco03/pnio-controller/internal/pnio/rpc"
)

// Timing constants from the state diagram and discovery pipeline (spec §4.4).
const (
	connectTimeout  = 10 * time.Second
	readyTimeout    = 30 * time.Second
	initialBackoff  = 5 * time.Second
	maxBackoff      = 60 * time.Second
	recordReadMax   = 4096
	defaultWatchdog = 3000 // ms, spec §4.5
)

// Config carries the controller-wide settings the AR manager needs to
// build Connect Requests (spec §6 Configuration).
type Config struct {
	ControllerMAC        net.HardwareAddr
	ControllerObjectUUID uuid.UUID
	ControllerUDPPort    uint16
	SendClockFactor      uint16
	ReductionRatio       uint16
	IOCRWatchdogFactor   uint16
	WatchdogMs           int64
	RTUHTTPPort          uint16
}

// DefaultConfig returns the spec §6 defaults, save for the fields that
// must be learned from the bound interface and socket (ControllerMAC,
// ControllerObjectUUID, ControllerUDPPort), which the caller fills in.
func DefaultConfig() Config {
	return Config{
		SendClockFactor:    32,
		ReductionRatio:     32,
		IOCRWatchdogFactor: 3,
		WatchdogMs:         defaultWatchdog,
		RTUHTTPPort:        9081,
	}
}

// Callbacks is the subset of the controller's public callback surface
// (spec §6) the AR manager drives directly.
type Callbacks struct {
	OnDeviceStateChanged func(station string, state pnio.DeviceState)
	OnSlotsDiscovered    func(station string, slots []pnio.Slot)
	// OnDiagnosisAlarm is a supplemented callback (not in spec.md's
	// explicit callback list, but implied by "the upper application"
	// needing to see connect failures the fault-analysis table can
	// name a recovery action for).
	OnDiagnosisAlarm func(station string, fault rpc.FaultInfo, action rpc.RecoveryAction)
	// OnAlarmNotification fires once per inbound Alarm Notification PDU
	// (spec.md §4.3 "ALARM-High/ALARM-Low"), after it has already been
	// acknowledged to the device by PollAlarmNotification.
	OnAlarmNotification func(station string, alarm pnio.DiagnosisAlarm)
}

// entry is one AR's manager-internal bookkeeping, kept separate from the
// public pnio.ApplicationRelationship so deadlines and strategy state
// never leak into the registry or cyclic engine's view of an AR.
type entry struct {
	ar       pnio.ApplicationRelationship
	strategy *rpc.StrategyState

	connectDeadline time.Time
	readyDeadline   time.Time
	nextAttempt     time.Time
}

// Manager owns the lifecycle of every AR (spec §4.4). A single mutex
// serializes the AR array; it is never held across a blocking RPC call
// (spec §4.4, §5).
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	client  *rpc.Client
	reg     *registry.Registry
	cache   *gsdml.Cache
	fetcher *gsdml.ScheduledFetcher
	cfg     Config
	cb      Callbacks

	nextSession uint16
}

// NewManager builds an AR manager. cache and fetcher may be nil, in
// which case the discovery pipeline skips straight to DAP-only Connect
// and never schedules a background fetch.
func NewManager(client *rpc.Client, reg *registry.Registry, cache *gsdml.Cache, fetcher *gsdml.ScheduledFetcher, cfg Config, cb Callbacks) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		client:  client,
		reg:     reg,
		cache:   cache,
		fetcher: fetcher,
		cfg:     cfg,
		cb:      cb,
	}
}

func (m *Manager) nextSessionKey() uint16 {
	m.nextSession++
	return m.nextSession
}

// Connect creates a new AR for station and drives it from INIT through
// Connect/PrmEnd. If slots is empty the full discovery pipeline runs
// (spec §4.4 "Connection discovery pipeline"); otherwise the given slot
// table is used directly. The AR reaches READY on success, awaiting the
// device-initiated ApplicationReady that PollApplicationReady handles.
func (m *Manager) Connect(ctx context.Context, station string, mac net.HardwareAddr, ip netip.Addr, slots []pnio.Slot) error {
	m.mu.Lock()
	if _, exists := m.entries[station]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: AR for station %q already exists", pnio.ErrAlreadyExists, station)
	}
	e := &entry{
		ar: pnio.ApplicationRelationship{
			ARUUID:      uuid.New(),
			SessionKey:  m.nextSessionKey(),
			StationName: station,
			MAC:         mac,
			IP:          ip,
			WatchdogMs:  m.cfg.WatchdogMs,
			State:       pnio.ARStateConnectReq,
			Connecting:  true,
		},
		strategy: rpc.NewStrategyState(),
	}
	m.entries[station] = e
	m.mu.Unlock()

	m.fireStateChanged(station, pnio.DeviceStateConnecting)

	var err error
	if len(slots) == 0 {
		err = m.runDiscoveryPipeline(ctx, station)
	} else {
		err = m.connectWithSlots(ctx, station, slots)
	}

	// On failure, connectWithSlots/runDiscoveryPipeline already routed
	// through failConnect, which set ABORT/LastError/strategy/backoff.
	// Only defensively clear Connecting here, idempotently, for any path
	// that returned early without reaching failConnect.
	m.mu.Lock()
	if e2, ok := m.entries[station]; ok {
		e2.ar.Connecting = false
	}
	m.mu.Unlock()

	if err != nil {
		m.fireStateChanged(station, pnio.DeviceStateError)
		logger.WithDevice(station).Warn("ar: connect failed", zap.Error(err))
		// A device-side Fault response is the one failure class spec §7
		// calls out by name for the synchronous caller: every other path
		// (timeout, i/o) keeps its original sentinel since those are
		// retried silently by the tick loop's own backoff.
		var fault *rpc.FaultError
		if errors.As(err, &fault) {
			return fmt.Errorf("%w: %v", pnio.ErrConnectionFailed, err)
		}
	}
	return err
}

// Disconnect releases station's AR. It is idempotent and tolerates a
// device that has already gone away — Release may time out, which is
// not itself an error (spec §5).
func (m *Manager) Disconnect(ctx context.Context, station string) error {
	m.mu.Lock()
	_, ok := m.entries[station]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.sendControl(ctx, station, rpc.ControlRelease); err != nil {
		logger.WithDevice(station).Warn("ar: release RPC failed, closing AR anyway", zap.Error(err))
	}

	m.mu.Lock()
	if e, ok := m.entries[station]; ok {
		e.ar.State = pnio.ARStateClose
	}
	delete(m.entries, station)
	m.mu.Unlock()

	m.fireStateChanged(station, pnio.DeviceStateClosed)
	return nil
}

// Snapshot returns a deep copy of every AR currently in RUN state and
// not mid-RPC, for the cyclic engine to build output frames from (spec
// §4.5 step 2, §4.4 "the cyclic engine skips any AR whose connecting
// flag is true").
func (m *Manager) Snapshot() []pnio.ApplicationRelationship {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]pnio.ApplicationRelationship, 0, len(m.entries))
	for _, e := range m.entries {
		if e.ar.Connecting || e.ar.State != pnio.ARStateRun {
			continue
		}
		out = append(out, cloneAR(e.ar))
	}
	return out
}

func cloneAR(ar pnio.ApplicationRelationship) pnio.ApplicationRelationship {
	c := ar
	if ar.MAC != nil {
		c.MAC = append(net.HardwareAddr(nil), ar.MAC...)
	}
	if ar.Slots != nil {
		c.Slots = append([]pnio.Slot(nil), ar.Slots...)
	}
	if ar.InputIOCR != nil {
		iocr := *ar.InputIOCR
		iocr.Buffer = append([]byte(nil), ar.InputIOCR.Buffer...)
		c.InputIOCR = &iocr
	}
	if ar.OutputIOCR != nil {
		iocr := *ar.OutputIOCR
		iocr.Buffer = append([]byte(nil), ar.OutputIOCR.Buffer...)
		c.OutputIOCR = &iocr
	}
	return c
}

// RecordActivity stamps last-activity time for station's AR, called by
// the cyclic engine's receive path whenever a frame arrives for it.
func (m *Manager) RecordActivity(station string, nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[station]; ok {
		e.ar.LastActivityMs = nowMs
	}
}

// CommitIOCRBuffers replaces the live Input/Output IOCR buffers for
// station's AR under the manager mutex, so the cyclic engine's in-place
// writes to a Snapshot copy don't race a concurrent Tick. The cyclic
// engine calls this once per tick with its updated buffers.
func (m *Manager) CommitIOCRBuffers(station string, input, output []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[station]
	if !ok {
		return
	}
	if e.ar.InputIOCR != nil && len(input) == len(e.ar.InputIOCR.Buffer) {
		copy(e.ar.InputIOCR.Buffer, input)
	}
	if e.ar.OutputIOCR != nil && len(output) == len(e.ar.OutputIOCR.Buffer) {
		copy(e.ar.OutputIOCR.Buffer, output)
	}
}

// Get returns a deep copy of station's current AR state, or false if no
// AR exists for it.
func (m *Manager) Get(station string) (pnio.ApplicationRelationship, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[station]
	if !ok {
		return pnio.ApplicationRelationship{}, false
	}
	return cloneAR(e.ar), true
}

func (m *Manager) fireStateChanged(station string, state pnio.DeviceState) {
	if m.reg != nil {
		if err := m.reg.SetDeviceState(station, state); err != nil {
			logger.WithDevice(station).Warn("ar: registry state update failed", zap.Error(err))
		}
	}
	if m.cb.OnDeviceStateChanged != nil {
		m.cb.OnDeviceStateChanged(station, state)
	}
}

func (m *Manager) fireSlotsDiscovered(station string, slots []pnio.Slot) {
	if m.cb.OnSlotsDiscovered != nil {
		m.cb.OnSlotsDiscovered(station, append([]pnio.Slot(nil), slots...))
	}
}

// connectWithSlots performs one Connect + PrmEnd attempt using the AR's
// current wire-format strategy, following the copy-under-lock/RPC-
// outside-lock/recommit-under-lock pattern for each blocking call (spec
// §4.4).
func (m *Manager) connectWithSlots(ctx context.Context, station string, slots []pnio.Slot) error {
	m.mu.Lock()
	e, ok := m.entries[station]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", pnio.ErrNotFound, station)
	}
	e.ar.Connecting = true
	arUUID := e.ar.ARUUID
	sessionKey := e.ar.SessionKey
	ip := e.ar.IP
	strategy := e.strategy.Current()
	m.mu.Unlock()

	req := buildConnectRequest(m.cfg, arUUID, sessionKey, station, slots)
	if strategy.DAPOnly {
		req = buildConnectRequest(m.cfg, arUUID, sessionKey, station, dapOnlySlots())
	}
	buf := make([]byte, 8192)
	n, err := req.Encode(buf)
	if err != nil {
		return m.failConnect(station, fmt.Errorf("ar: encode Connect Request for %q: %w", station, err))
	}

	respBody, err := m.client.Call(ctx, netip.AddrPortFrom(ip, rpc.Port), rpc.OpnumConnect, arUUID, buf[:n], strategy)
	if err != nil {
		return m.failConnect(station, err)
	}
	resp, err := rpc.DecodeConnectResponse(respBody)
	if err != nil {
		return m.failConnect(station, fmt.Errorf("ar: decode Connect Response for %q: %w", station, err))
	}

	m.mu.Lock()
	e.ar.SessionKey = resp.AR.SessionKey
	if resp.AR.DeviceMAC != nil {
		e.ar.MAC = resp.AR.DeviceMAC
	}
	e.ar.Slots = append([]pnio.Slot(nil), slots...)
	e.ar.InputIOCR = iocrFromResponse(req.IOCRs[0], resp.IOCRs)
	e.ar.OutputIOCR = iocrFromResponse(req.IOCRs[1], resp.IOCRs)
	e.ar.State = pnio.ARStatePrmSrv
	e.ar.LastActivityMs = nowMs()
	e.strategy.RecordSuccess()
	if resp.ModuleDiff {
		logger.WithAR(station, arUUID).Warn("ar: device reported a module diff on connect, continuing")
	}
	m.mu.Unlock()

	if err := m.sendControl(ctx, station, rpc.ControlPrmEnd); err != nil {
		return m.failConnect(station, fmt.Errorf("ar: PrmEnd failed for %q: %w", station, err))
	}

	m.mu.Lock()
	e.ar.State = pnio.ARStateReady
	e.ar.Connecting = false
	e.ar.LastActivityMs = nowMs()
	e.readyDeadline = time.Now().Add(readyTimeout)
	e.connectDeadline = time.Time{}
	m.mu.Unlock()
	return nil
}

// failConnect marks station's AR aborted with err and advances its
// wire-format strategy for the next attempt.
func (m *Manager) failConnect(station string, err error) error {
	m.mu.Lock()
	if e, ok := m.entries[station]; ok {
		e.ar.Connecting = false
		e.ar.LastError = err
		e.ar.State = pnio.ARStateAbort
		e.strategy.Advance()
		e.nextAttempt = time.Now().Add(backoffFor(e.strategy.CycleCount))
	}
	m.mu.Unlock()

	var fault *rpc.FaultError
	if errors.As(err, &fault) && m.cb.OnDiagnosisAlarm != nil {
		m.cb.OnDiagnosisAlarm(station, fault.Info, fault.Action)
	}
	return err
}

// sendControl performs one blocking IOD Control RPC (PrmEnd or Release),
// copying AR fields under lock before the call and never holding the
// lock across it (spec §4.4).
func (m *Manager) sendControl(ctx context.Context, station string, command uint16) error {
	m.mu.Lock()
	e, ok := m.entries[station]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", pnio.ErrNotFound, station)
	}
	arUUID := e.ar.ARUUID
	sessionKey := e.ar.SessionKey
	ip := e.ar.IP
	strategy := e.strategy.Current()
	m.mu.Unlock()

	req := rpc.IODControlReq{ARUUID: arUUID, SessionKey: sessionKey, Command: command}
	b := frame.NewBuilder(make([]byte, 64))
	if err := req.Encode(b); err != nil {
		return fmt.Errorf("ar: encode Control Request (cmd 0x%04X): %w", command, err)
	}

	respBody, err := m.client.Call(ctx, netip.AddrPortFrom(ip, rpc.Port), rpc.OpnumControl, arUUID, b.Bytes(), strategy)
	if err != nil {
		return err
	}
	res, err := rpc.DecodeIODControlRes(respBody)
	if err != nil {
		return fmt.Errorf("ar: decode Control Response (cmd 0x%04X): %w", command, err)
	}
	if res.BlockError != 0 {
		return fmt.Errorf("%w: control command 0x%04X rejected, block_error=0x%04X", pnio.ErrProtocol, command, res.BlockError)
	}
	return nil
}

// recordReadRealIdent issues a Record Read at 0xF844 to obtain the
// device's actual module layout (spec §4.4 step 3).
func (m *Manager) recordReadRealIdent(ctx context.Context, station string) ([]rpc.RealIdentModule, error) {
	m.mu.Lock()
	e, ok := m.entries[station]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", pnio.ErrNotFound, station)
	}
	arUUID := e.ar.ARUUID
	ip := e.ar.IP
	strategy := e.strategy.Current()
	m.mu.Unlock()

	req := rpc.RecordReadReq{
		ARUUID:    arUUID,
		API:       0,
		Slot:      rpc.WildcardSlot,
		Subslot:   rpc.WildcardSubslot,
		Index:     rpc.IndexRealIdentificationData,
		MaxLength: recordReadMax,
	}
	b := frame.NewBuilder(make([]byte, rpc.RecordReadLen))
	if err := req.Encode(b); err != nil {
		return nil, fmt.Errorf("ar: encode RecordReadReq: %w", err)
	}

	respBody, err := m.client.Call(ctx, netip.AddrPortFrom(ip, rpc.Port), rpc.OpnumRead, arUUID, b.Bytes(), strategy)
	if err != nil {
		return nil, err
	}
	return rpc.DecodeRealIdentificationData(respBody)
}

// resetARIdentity regenerates station's AR UUID and session key, used
// before the discovery pipeline's reconnect-with-discovered-modules step
// so the second Connect opens a genuinely new AR rather than reusing the
// one just released (spec §4.4 step 4).
func (m *Manager) resetARIdentity(station string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[station]; ok {
		e.ar.ARUUID = uuid.New()
		e.ar.SessionKey = m.nextSessionKey()
	}
}

// runDiscoveryPipeline implements spec §4.4's six-step connection
// discovery pipeline.
func (m *Manager) runDiscoveryPipeline(ctx context.Context, station string) error {
	m.mu.Lock()
	e, ok := m.entries[station]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", pnio.ErrNotFound, station)
	}
	ip := e.ar.IP
	m.mu.Unlock()

	// 1. GSDML cache.
	if m.cache != nil {
		modules, err := m.cache.LoadModules(ctx, station)
		if err != nil {
			logger.WithDevice(station).Warn("ar: gsdml cache load failed", zap.Error(err))
		}
		if len(modules) > 0 {
			slots := slotsFromModules(modules)
			if err := m.connectWithSlots(ctx, station, slots); err == nil {
				m.fireSlotsDiscovered(station, slots)
				return nil
			}
			logger.WithDevice(station).Warn("ar: connect from cached GSDML modules failed, falling back to live discovery")
		}
	}

	// 2. DAP-only connect.
	if err := m.connectWithSlots(ctx, station, dapOnlySlots()); err != nil {
		// 6. HTTP fallback, only reached if the PROFINET path fails entirely.
		modules, httpErr := gsdml.FetchSlotsHTTP(ctx, ip, m.cfg.RTUHTTPPort)
		if httpErr != nil || len(modules) == 0 {
			return fmt.Errorf("ar: discovery failed for %q: DAP-only connect: %v; HTTP fallback: %v", station, err, httpErr)
		}
		slots := slotsFromModules(modules)
		m.resetARIdentity(station)
		if err := m.connectWithSlots(ctx, station, slots); err != nil {
			return fmt.Errorf("ar: connect with HTTP-fallback modules failed for %q: %w", station, err)
		}
		m.fireSlotsDiscovered(station, slots)
		return nil
	}

	// 3. Record Read 0xF844 for the real module layout.
	modules, err := m.recordReadRealIdent(ctx, station)
	if err != nil {
		logger.WithDevice(station).Warn("ar: RealIdentificationData read failed, staying DAP-only", zap.Error(err))
		return nil
	}

	// Release the DAP-only AR before reconnecting with the real layout.
	if err := m.sendControl(ctx, station, rpc.ControlRelease); err != nil {
		logger.WithDevice(station).Warn("ar: releasing DAP-only AR before reconnect failed", zap.Error(err))
	}

	// 4. Reconnect with the discovered modules.
	slots := slotsFromRealIdent(modules)
	m.resetARIdentity(station)
	if err := m.connectWithSlots(ctx, station, slots); err != nil {
		return fmt.Errorf("ar: reconnect with discovered modules failed for %q: %w", station, err)
	}
	m.fireSlotsDiscovered(station, slots)

	// 5. Best-effort scheduled HTTP fetch to warm the cache for next time.
	if m.fetcher != nil {
		if err := m.fetcher.ScheduleFetch(station, ip, m.cfg.RTUHTTPPort); err != nil {
			logger.WithDevice(station).Warn("ar: scheduling GSDML HTTP fetch failed", zap.Error(err))
		}
	}
	return nil
}

// backoffFor computes the ABORT-state retry delay: 5s on cycle 0,
// doubling per completed strategy cycle, capped at 60s (spec §4.4).
func backoffFor(cycleCount int) time.Duration {
	d := initialBackoff
	for i := 0; i < cycleCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
