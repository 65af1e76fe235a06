package ar

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mwilco03/pnio-controller/internal/logger"
	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/rpc"
)

// Tick runs one round of state-machine housekeeping and watchdog checks
// (spec §4.5 step 1). It holds the mutex only long enough to snapshot
// the station list, then iterates that snapshot — raw iteration under
// concurrent deletion is forbidden (spec §4.4).
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	stations := make([]string, 0, len(m.entries))
	for s := range m.entries {
		stations = append(stations, s)
	}
	m.mu.Unlock()

	for _, station := range stations {
		m.tickOne(station, now)
	}
}

func (m *Manager) tickOne(station string, now time.Time) {
	m.mu.Lock()
	e, ok := m.entries[station]
	if !ok || e.ar.Connecting {
		m.mu.Unlock()
		return
	}

	var abortReason error
	var reconnect bool

	switch e.ar.State {
	case pnio.ARStateConnectReq:
		if e.connectDeadline.IsZero() {
			e.connectDeadline = now.Add(connectTimeout)
		} else if now.After(e.connectDeadline) {
			abortReason = fmt.Errorf("%w: no Connect response within %s", pnio.ErrTimeout, connectTimeout)
		}
	case pnio.ARStateConnectCnf:
		// Defensive fallback: connectWithSlots normally advances
		// CONNECT_CNF to PRMSRV itself in the same call that produced
		// the Connect response; an AR only lingers here if that call
		// was interrupted mid-flight.
		e.ar.State = pnio.ARStatePrmSrv
	case pnio.ARStateReady:
		if e.readyDeadline.IsZero() {
			e.readyDeadline = now.Add(readyTimeout)
		} else if now.After(e.readyDeadline) {
			abortReason = fmt.Errorf("%w: no ApplicationReady within %s", pnio.ErrTimeout, readyTimeout)
		}
	case pnio.ARStateRun:
		elapsed := now.UnixMilli() - e.ar.LastActivityMs
		if elapsed > e.ar.WatchdogMs {
			abortReason = fmt.Errorf("%w: watchdog expired (%dms since last activity, budget %dms)", pnio.ErrTimeout, elapsed, e.ar.WatchdogMs)
		}
	case pnio.ARStateAbort:
		if !now.Before(e.nextAttempt) {
			reconnect = true
			e.ar.Connecting = true
		}
	}

	if abortReason != nil {
		e.ar.State = pnio.ARStateAbort
		e.ar.LastError = abortReason
		e.ar.Connecting = false
		e.connectDeadline = time.Time{}
		e.readyDeadline = time.Time{}
		e.strategy.Advance()
		e.nextAttempt = now.Add(backoffFor(e.strategy.CycleCount))
	}
	m.mu.Unlock()

	if abortReason != nil {
		m.fireStateChanged(station, pnio.DeviceStateError)
	}
	if reconnect {
		go m.reconnect(station)
	}
}

// reconnect re-runs a Connect attempt for an AR coming out of ABORT's
// backoff, reusing whatever slot table was already discovered. It always
// runs off the cyclic thread (spawned by tickOne), never blocking it.
func (m *Manager) reconnect(station string) {
	m.mu.Lock()
	e, ok := m.entries[station]
	if !ok {
		m.mu.Unlock()
		return
	}
	slots := append([]pnio.Slot(nil), e.ar.Slots...)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*rpc.CallTimeout)
	defer cancel()

	var err error
	if len(slots) == 0 {
		err = m.runDiscoveryPipeline(ctx, station)
	} else {
		err = m.connectWithSlots(ctx, station, slots)
	}

	// As in Connect, a failure here has already gone through failConnect
	// inside connectWithSlots/runDiscoveryPipeline; only defensively clear
	// Connecting for any early-return path that never reached it.
	m.mu.Lock()
	if e2, ok := m.entries[station]; ok {
		e2.ar.Connecting = false
	}
	m.mu.Unlock()

	if err != nil {
		m.fireStateChanged(station, pnio.DeviceStateError)
		logger.WithDevice(station).Warn("ar: reconnect attempt failed", zap.Error(err))
	}
}

// PollApplicationReady does one bounded non-blocking poll of the RPC
// socket for an inbound ApplicationReady, advancing the matching AR from
// READY to RUN on success (spec §4.4). Call this from the controller's
// main thread, never the cyclic thread (spec §5: the cyclic thread must
// not block on anything but non-blocking sendto).
func (m *Manager) PollApplicationReady(timeout time.Duration) {
	sessionKey, arUUID, ok, err := m.client.PollApplicationReady(timeout)
	if err != nil {
		logger.Error("ar: ApplicationReady poll failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	var matched string
	m.mu.Lock()
	for station, e := range m.entries {
		if e.ar.ARUUID == arUUID && e.ar.SessionKey == sessionKey && e.ar.State == pnio.ARStateReady {
			e.ar.State = pnio.ARStateRun
			e.ar.LastActivityMs = nowMs()
			e.readyDeadline = time.Time{}
			matched = station
			break
		}
	}
	m.mu.Unlock()

	if matched != "" {
		m.fireStateChanged(matched, pnio.DeviceStateRunning)
	}
}

// PollAlarmNotification does one bounded non-blocking poll of the RPC
// socket for an inbound Alarm Notification, matching it to its AR by
// the AR UUID carried in the notification block and recording the notification as activity so the RUN
// watchdog does not trip on a device that is alarming but otherwise
// quiet on its IOCR (spec.md §4.3, §D). Call this from the main thread,
// same as PollApplicationReady.
func (m *Manager) PollAlarmNotification(timeout time.Duration) {
	notif, ok, err := m.client.PollAlarmNotification(timeout)
	if err != nil {
		logger.Error("ar: alarm notification poll failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	var matched string
	m.mu.Lock()
	for station, e := range m.entries {
		if e.ar.ARUUID == notif.ARUUID {
			matched = station
			break
		}
	}
	m.mu.Unlock()
	if matched == "" {
		logger.Warn("ar: alarm notification for unknown AR", zap.Stringer("ar_uuid", notif.ARUUID))
		return
	}

	m.RecordActivity(matched, nowMs())
	if m.cb.OnAlarmNotification != nil {
		m.cb.OnAlarmNotification(matched, pnio.DiagnosisAlarm{Channel: notif.Channel, Severity: notif.Severity})
	}
}
