// Package controller is the glue layer (spec §2 "Glue (controller
// facade)"): it owns socket setup, the three long-running threads
// (receive, cyclic, main), and the public API an embedding application
// drives. Every subsystem package (dcp, rpc, ar, cyclic, registry,
// gsdml) is independently testable; this package only wires them
// together and never reimplements their logic.
package controller

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mwilco03/pnio-controller/internal/health"
	"github.com/mwilco03/pnio-controller/internal/logger"
	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/ar"
	"github.com/mwilco03/pnio-controller/internal/pnio/cyclic"
	"github.com/mwilco03/pnio-controller/internal/pnio/dcp"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
	"github.com/mwilco03/pnio-controller/internal/pnio/gsdml"
	"github.com/mwilco03/pnio-controller/internal/pnio/registry"
	"github.com/mwilco03/pnio-controller/internal/pnio/rpc"
	"github.com/mwilco03/pnio-controller/internal/pnio/socket"
)

// Callbacks is the public callback surface exposed to the upper
// application (spec §6). Every callback is invoked from whichever
// internal thread observed the event (receive, cyclic, or main); none
// may block or re-enter the controller (spec §5).
type Callbacks struct {
	OnDeviceAdded        func(device *pnio.Device)
	OnDeviceRemoved      func(station string)
	OnDeviceStateChanged func(station string, state pnio.DeviceState)
	OnDataReceived       func(station string, sensorIndex int, sample pnio.SensorSample)
	OnSlotsDiscovered    func(station string, slots []pnio.Slot)
	// OnDiagnosisAlarm reports a device Connect/PrmEnd Fault PDU that
	// aborted an in-flight AR, classified by the recovery-action table
	// (SPEC_FULL.md §D).
	OnDiagnosisAlarm func(station string, fault rpc.FaultInfo, action rpc.RecoveryAction)
	// OnAlarmNotification reports an inbound ALARM-High/ALARM-Low PDU
	// received over a running AR's Alarm CR (SPEC_FULL.md §D).
	OnAlarmNotification func(station string, alarm pnio.DiagnosisAlarm)
	// OnGSDMLCacheChanged fires when a file under GSDMLCacheDir is
	// created or written, naming the station it was written for. The AR
	// manager always re-reads the cache from disk on its own next
	// Connect, so this is a notification hook only — a typical use is
	// triggering a reconnect of an already-running device whose module
	// list just changed underneath it.
	OnGSDMLCacheChanged func(station string)
}

// Controller wires the frame codec, DCP discovery, PNIO-CM RPC, AR
// manager, cyclic engine, registry, and GSDML helpers into the single
// facade an embedding application drives.
type Controller struct {
	cfg Config
	cb  Callbacks

	sock    *socket.RawSocket
	rpcConn *net.UDPConn
	client  *rpc.Client

	reg        *registry.Registry
	mgr        *ar.Manager
	engine     *cyclic.Engine
	dcpCache   *dcp.Cache
	dcpSender  *dcp.Sender
	gsdmlCache *gsdml.Cache
	fetcher    *gsdml.ScheduledFetcher
	checker    *health.HealthChecker

	controllerMAC net.HardwareAddr
	controllerIP  netip.Addr

	lastReceiveMs atomic.Int64
	sockOpen      atomic.Bool
	rpcOpen       atomic.Bool
	// currentXID is the DCP transaction ID of the most recently broadcast
	// Identify-All, set by mainLoop and read by receiveLoop to match
	// Identify-Responses.
	currentXID atomic.Uint32

	stop chan struct{}
	wg   sync.WaitGroup
}

// New resolves the bound interface, opens the raw Ethernet and RPC
// sockets, and wires every subsystem together. Interface resolution and
// socket binding are fatal conditions per spec §7: failure here means
// the controller never starts, returned as pnio.ErrNotInitialized.
func New(cfg Config, cb Callbacks) (*Controller, error) {
	if cfg.InterfaceName == "" {
		return nil, fmt.Errorf("%w: interface_name is required", pnio.ErrInvalidParam)
	}

	mac, ip, err := socket.ResolveInterface(cfg.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve interface %q: %v", pnio.ErrNotInitialized, cfg.InterfaceName, err)
	}
	if cfg.ControllerStationName == "" {
		cfg.ControllerStationName = stationNameFromMAC(mac)
	}

	rawSock, err := socket.Open(cfg.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("%w: open raw socket on %q: %v", pnio.ErrNotInitialized, cfg.InterfaceName, err)
	}

	rpcConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip.AsSlice(), Port: int(rpc.Port)})
	if err != nil {
		rawSock.Close()
		return nil, fmt.Errorf("%w: bind RPC socket on port %d: %v", pnio.ErrNotInitialized, rpc.Port, err)
	}

	c := &Controller{
		cfg:           cfg,
		cb:            cb,
		sock:          rawSock,
		rpcConn:       rpcConn,
		client:        rpc.NewClient(rpcConn),
		reg:           registry.New(),
		controllerMAC: mac,
		controllerIP:  ip,
		stop:          make(chan struct{}),
	}
	c.sockOpen.Store(true)
	c.rpcOpen.Store(true)

	if cfg.GSDMLCacheDir != "" {
		cache, err := gsdml.NewCache(cfg.GSDMLCacheDir)
		if err != nil {
			logger.WithDevice(cfg.ControllerStationName).Warn("controller: gsdml cache unavailable, discovery will skip it", zap.Error(err))
		} else {
			c.gsdmlCache = cache
			c.fetcher = gsdml.NewScheduledFetcher(cfg.GSDMLCacheDir)
		}
	}

	arCfg := ar.Config{
		ControllerMAC:        mac,
		ControllerObjectUUID: uuid.New(),
		ControllerUDPPort:    c.client.LocalPort(),
		SendClockFactor:      cfg.SendClockFactor,
		ReductionRatio:       cfg.ReductionRatio,
		IOCRWatchdogFactor:   cfg.WatchdogFactor,
		WatchdogMs:           cfg.WatchdogMs,
		RTUHTTPPort:          cfg.RTUHTTPPort,
	}
	c.mgr = ar.NewManager(c.client, c.reg, c.gsdmlCache, c.fetcher, arCfg, ar.Callbacks{
		OnDeviceStateChanged: c.onDeviceStateChanged,
		OnSlotsDiscovered:    c.onSlotsDiscovered,
		OnDiagnosisAlarm:     c.onDiagnosisAlarm,
		OnAlarmNotification:  c.onAlarmNotification,
	})

	c.engine = cyclic.NewEngine(c.mgr, c.sock, mac, cyclic.Config{CycleTime: time.Duration(cfg.CycleTimeUs) * time.Microsecond}, cyclic.Callbacks{
		OnDataReceived: c.onDataReceived,
	})

	c.dcpCache = dcp.NewCache(256)
	c.dcpCache.SetCallback(c.onDCPResponse)
	c.dcpSender = dcp.NewSender(mac, c.sock)

	c.checker = health.NewHealthChecker()
	c.checker.RegisterCheck("raw_socket", health.SocketHealthCheck("raw ethernet socket", func() bool { return c.sockOpen.Load() }), time.Second)
	c.checker.RegisterCheck("rpc_socket", health.SocketHealthCheck("RPC socket", func() bool { return c.rpcOpen.Load() }), time.Second)
	c.checker.RegisterCheck("cyclic_data", health.StaleDataHealthCheck(c.lastReceiveTime, cfg.WatchdogMsDuration()), time.Second)

	return c, nil
}

func (cfg Config) WatchdogMsDuration() time.Duration {
	return time.Duration(cfg.WatchdogMs) * time.Millisecond
}

// Start spawns the receive, cyclic, and main threads. It does not block.
func (c *Controller) Start() {
	if c.fetcher != nil {
		c.fetcher.Start()
	}

	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.receiveLoop() }()
	go func() { defer c.wg.Done(); c.engine.Run() }()
	go func() { defer c.wg.Done(); c.mainLoop() }()

	if c.gsdmlCache != nil {
		c.wg.Add(1)
		go func() { defer c.wg.Done(); c.gsdmlEventLoop() }()
	}
}

// gsdmlEventLoop drains the GSDML cache directory watch and reports
// every create/write to the embedding application, naming the station
// the changed file belongs to. LoadModules always re-reads from disk on
// its own next call, so this is purely a change-notification hook — a
// typical consumer uses it to decide whether to reconnect a device
// whose cache file was just refreshed.
func (c *Controller) gsdmlEventLoop() {
	events := c.gsdmlCache.Events()
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			station := strings.TrimSuffix(filepath.Base(ev.Name), filepath.Ext(ev.Name))
			logger.WithDevice(station).Info("controller: gsdml cache file changed", zap.String("path", ev.Name))
			if c.cb.OnGSDMLCacheChanged != nil {
				c.cb.OnGSDMLCacheChanged(station)
			}
		}
	}
}

// Stop signals all three threads to exit at their next poll/sleep
// boundary and joins them before returning (spec §5 "Stop joins both
// threads").
func (c *Controller) Stop() {
	close(c.stop)
	c.engine.Stop()
	c.wg.Wait()

	if c.fetcher != nil {
		c.fetcher.Stop()
	}
	if c.gsdmlCache != nil {
		c.gsdmlCache.Close()
	}
	c.rpcOpen.Store(false)
	c.rpcConn.Close()
	c.sockOpen.Store(false)
	c.sock.Close()
}

// receiveLoop is the single reader of the raw socket (spec §5: "reads
// occur only in the receive thread"). It dispatches every inbound frame
// between DCP Identify-Response parsing and the cyclic engine's Input
// ingestion, never blocking longer than PollInterval per attempt.
func (c *Controller) receiveLoop() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		n, err := c.sock.Receive(buf)
		if err != nil {
			logger.Warn("controller: raw socket receive failed", zap.Error(err))
			continue
		}
		now := time.Now()
		c.lastReceiveMs.Store(now.UnixMilli())

		frm := buf[:n]
		if ok, err := c.engine.Ingest(frm, now); err != nil {
			logger.Debug("controller: dropping unparseable frame", zap.Error(err))
			continue
		} else if ok {
			continue
		}

		if dev, ok, err := dcp.ParseIdentifyResponse(frm, c.currentXID.Load()); err != nil {
			logger.Debug("controller: dropping unparseable DCP frame", zap.Error(err))
		} else if ok {
			c.dcpCache.Ingest(dev)
		}
	}
}

// mainLoop runs the main/process thread (spec §5): periodic DCP
// Identify-All broadcast, the non-blocking ApplicationReady poll, and
// (if enabled) auto-connecting newly discovered devices.
func (c *Controller) mainLoop() {
	identifyTicker := time.NewTicker(c.cfg.DCPIdentifyInterval)
	defer identifyTicker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-identifyTicker.C:
			xid, err := c.dcpSender.IdentifyOnce()
			if err != nil {
				logger.Warn("controller: DCP Identify-All send failed", zap.Error(err))
				continue
			}
			c.currentXID.Store(xid)
		default:
		}

		half := c.cfg.PollInterval / 2
		c.mgr.PollApplicationReady(half)
		c.mgr.PollAlarmNotification(half)

		if c.cfg.AutoConnect {
			c.autoConnectDiscovered()
		}
	}
}

// autoConnectDiscovered issues a discovery Connect for every DCP cache
// entry not already registered as a device.
func (c *Controller) autoConnectDiscovered() {
	for _, d := range c.dcpCache.List() {
		if !d.NameSet || !d.IPSet {
			continue
		}
		if _, err := c.reg.GetDevice(d.StationName); err == nil {
			continue // already known
		}
		device := &pnio.Device{
			StationName: d.StationName,
			MAC:         d.MAC,
			IP:          d.IP,
			VendorID:    d.VendorID,
			DeviceID:    d.DeviceID,
			LastSeen:    time.Now(),
			State:       pnio.DeviceStateDiscovered,
		}
		if err := c.reg.AddDevice(device); err != nil {
			continue
		}
		if c.cb.OnDeviceAdded != nil {
			c.cb.OnDeviceAdded(device.Clone())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*rpc.CallTimeout)
		go func(station string, mac net.HardwareAddr, ip netip.Addr) {
			defer cancel()
			if err := c.mgr.Connect(ctx, station, mac, ip, nil); err != nil {
				logger.WithDevice(station).Warn("controller: auto-connect failed", zap.Error(err))
			}
		}(d.StationName, d.MAC, d.IP)
	}
}

func (c *Controller) lastReceiveTime() time.Time {
	ms := c.lastReceiveMs.Load()
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func (c *Controller) onDCPResponse(d dcp.CachedDevice) {
	// Nothing beyond the cache insert itself is required here; the main
	// thread's autoConnectDiscovered reads the cache directly. A hook
	// point is kept for symmetry with the other ar/cyclic callbacks.
}

func (c *Controller) onDeviceStateChanged(station string, state pnio.DeviceState) {
	if c.cb.OnDeviceStateChanged != nil {
		c.cb.OnDeviceStateChanged(station, state)
	}
}

// onSlotsDiscovered sizes the registry device's Sensors/Actuators arrays
// to match the SENSOR/ACTUATOR slot counts the AR manager just
// negotiated, so every later UpdateSensor/UpdateActuator slotIndex is
// valid (spec §4.6: "sized by the device's slot table at creation").
func (c *Controller) onSlotsDiscovered(station string, slots []pnio.Slot) {
	device, err := c.reg.GetDevice(station)
	if err != nil {
		device = &pnio.Device{StationName: station, State: pnio.DeviceStateConnecting}
	} else {
		c.reg.RemoveDevice(station)
	}

	sensors := make([]pnio.SensorSample, len(cyclic.SensorSlots(slots)))
	actuators := make([]pnio.ActuatorCommand, len(cyclic.ActuatorSlots(slots)))

	device.Slots = append([]pnio.Slot(nil), slots...)
	device.Sensors = sensors
	device.Actuators = actuators
	if err := c.reg.AddDevice(device); err != nil {
		logger.WithDevice(station).Warn("controller: resize device slot arrays failed", zap.Error(err))
		return
	}

	if c.cb.OnSlotsDiscovered != nil {
		c.cb.OnSlotsDiscovered(station, append([]pnio.Slot(nil), slots...))
	}
}

func (c *Controller) onDiagnosisAlarm(station string, fault rpc.FaultInfo, action rpc.RecoveryAction) {
	if c.cb.OnDiagnosisAlarm != nil {
		c.cb.OnDiagnosisAlarm(station, fault, action)
	}
}

func (c *Controller) onAlarmNotification(station string, alarm pnio.DiagnosisAlarm) {
	if c.cb.OnAlarmNotification != nil {
		c.cb.OnAlarmNotification(station, alarm)
	}
}

// onDataReceived commits one SENSOR slot's decoded sample into the
// registry and forwards it to the embedding application.
func (c *Controller) onDataReceived(station string, sensorIndex int, sample pnio.SensorSample) {
	if err := c.reg.UpdateSensor(station, sensorIndex, sample); err != nil {
		logger.WithDevice(station).Debug("controller: update sensor failed", zap.Error(err))
	}
	if c.cb.OnDataReceived != nil {
		c.cb.OnDataReceived(station, sensorIndex, sample)
	}
}

// Connect issues a discovery Connect for a device already known to the
// DCP cache. Use this when AutoConnect is false.
func (c *Controller) Connect(ctx context.Context, station string) error {
	d, ok := c.dcpCache.Get(station)
	if !ok {
		return fmt.Errorf("%w: station %q not in DCP cache", pnio.ErrNotFound, station)
	}
	return c.mgr.Connect(ctx, station, d.MAC, d.IP, nil)
}

// Disconnect releases station's AR.
func (c *Controller) Disconnect(ctx context.Context, station string) error {
	if err := c.mgr.Disconnect(ctx, station); err != nil {
		return err
	}
	c.reg.RemoveDevice(station)
	if c.cb.OnDeviceRemoved != nil {
		c.cb.OnDeviceRemoved(station)
	}
	return nil
}

// SetActuator writes cmd into station's Output IOCR buffer at the byte
// offset actuatorIndex's slot occupies — computed by walking
// cyclic.ActuatorSlots in order and accumulating data lengths, never by
// a fixed stride (spec §3 invariant) — and mirrors it into the registry.
func (c *Controller) SetActuator(station string, actuatorIndex int, cmd pnio.ActuatorCommand) error {
	a, ok := c.mgr.Get(station)
	if !ok {
		return fmt.Errorf("%w: station %q", pnio.ErrNotFound, station)
	}
	if a.OutputIOCR == nil {
		return fmt.Errorf("%w: %q has no Output IOCR", pnio.ErrNotConnected, station)
	}

	actuators := cyclic.ActuatorSlots(a.Slots)
	if actuatorIndex < 0 || actuatorIndex >= len(actuators) {
		return fmt.Errorf("%w: actuator index %d out of range for %q", pnio.ErrInvalidParam, actuatorIndex, station)
	}
	var offset uint16
	for i, s := range actuators {
		if i == actuatorIndex {
			break
		}
		offset += s.DataLength
	}
	slot := actuators[actuatorIndex]
	if int(offset)+int(slot.DataLength) > len(a.OutputIOCR.Buffer) {
		return fmt.Errorf("%w: %q output buffer too short for actuator %d", pnio.ErrProtocol, station, actuatorIndex)
	}

	payload := make([]byte, pnio.ActuatorCommandSize)
	b := frame.NewBuilder(payload)
	if err := b.U8(cmd.Command); err != nil {
		return err
	}
	if err := b.U8(cmd.PWMDuty); err != nil {
		return err
	}
	if err := b.Zero(2); err != nil {
		return err
	}

	outputBuf := append([]byte(nil), a.OutputIOCR.Buffer...)
	copy(outputBuf[offset:int(offset)+int(slot.DataLength)], payload)
	c.mgr.CommitIOCRBuffers(station, nil, outputBuf)

	return c.reg.UpdateActuator(station, actuatorIndex, cmd)
}

// Health reports whether the controller's sockets are open and how
// stale the cyclic data path is (SPEC_FULL.md §D "Controller
// self-health").
func (c *Controller) Health(ctx context.Context) map[string]*health.Check {
	return c.checker.RunChecks(ctx)
}

// OverallHealth runs every registered check and folds the results into
// a single worst-of status, for callers that only want a go/no-go
// signal rather than the full per-check breakdown.
func (c *Controller) OverallHealth(ctx context.Context) health.Status {
	c.checker.RunChecks(ctx)
	return c.checker.GetOverallStatus()
}

// Devices returns a deep copy of every registered device.
func (c *Controller) Devices() []*pnio.Device {
	return c.reg.ListDevices()
}

// CyclicStats returns the cyclic engine's running performance counters.
func (c *Controller) CyclicStats() cyclic.Stats {
	return c.engine.Stats()
}
