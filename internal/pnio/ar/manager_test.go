package ar

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
	"github.com/mwilco03/pnio-controller/internal/pnio/profile"
	"github.com/mwilco03/pnio-controller/internal/pnio/registry"
	"github.com/mwilco03/pnio-controller/internal/pnio/rpc"
)

func TestBackoffForDoublesPerCycleCappedAt60s(t *testing.T) {
	require.Equal(t, 5*time.Second, backoffFor(0))
	require.Equal(t, 10*time.Second, backoffFor(1))
	require.Equal(t, 20*time.Second, backoffFor(2))
	require.Equal(t, 40*time.Second, backoffFor(3))
	require.Equal(t, 60*time.Second, backoffFor(4))
	require.Equal(t, 60*time.Second, backoffFor(10))
}

func TestSlotFromIdentPairKnownAndUnknown(t *testing.T) {
	entry, err := profile.Lookup("ph")
	require.NoError(t, err)
	s := slotFromIdentPair(1, 1, entry.ModuleIdent, entry.SubmoduleIdent)
	require.Equal(t, pnio.RoleSensor, s.Role)
	require.Equal(t, "ph", s.TypeTag)
	require.Equal(t, uint16(pnio.SensorSampleSize), s.DataLength)

	pump, err := profile.Lookup("pump")
	require.NoError(t, err)
	a := slotFromIdentPair(2, 1, pump.ModuleIdent, pump.SubmoduleIdent)
	require.Equal(t, pnio.RoleActuator, a.Role)
	require.Equal(t, uint16(pnio.ActuatorCommandSize), a.DataLength)

	unknown := slotFromIdentPair(3, 1, 0xDEADBEEF, 0xCAFEF00D)
	require.Equal(t, pnio.RoleSensor, unknown.Role)
	require.Equal(t, "", unknown.TypeTag)
	require.Equal(t, uint16(pnio.SensorSampleSize), unknown.DataLength)

	dap := slotFromIdentPair(0, 0x8000, profile.DAPModuleIdent, profile.DAPSubmoduleIdent)
	require.Equal(t, uint16(0), dap.DataLength)
}

func TestDataObjectsForDirectionSkipsWrongDirectionAndZeroLength(t *testing.T) {
	phEntry, _ := profile.Lookup("ph")
	pumpEntry, _ := profile.Lookup("pump")
	slots := []pnio.Slot{
		slotFromIdentPair(0, 0x8000, profile.DAPModuleIdent, profile.DAPSubmoduleIdent),
		slotFromIdentPair(1, 1, phEntry.ModuleIdent, phEntry.SubmoduleIdent),
		slotFromIdentPair(2, 1, pumpEntry.ModuleIdent, pumpEntry.SubmoduleIdent),
	}

	inputs, inputLen := dataObjectsForDirection(slots, pnio.DirectionInput)
	require.Len(t, inputs, 1)
	require.Equal(t, uint16(1), inputs[0].Slot)
	require.Equal(t, uint16(0), inputs[0].FrameOffset)
	require.Equal(t, uint16(pnio.SensorSampleSize), inputLen)

	outputs, outputLen := dataObjectsForDirection(slots, pnio.DirectionOutput)
	require.Len(t, outputs, 1)
	require.Equal(t, uint16(2), outputs[0].Slot)
	require.Equal(t, uint16(pnio.ActuatorCommandSize), outputLen)
}

func TestExpectedSubmoduleBlockGroupsBySlotInOrder(t *testing.T) {
	phEntry, _ := profile.Lookup("ph")
	slots := []pnio.Slot{
		slotFromIdentPair(0, 0x8001, profile.DAPModuleIdent, profile.DAPSubmoduleIdent),
		slotFromIdentPair(0, 0x8000, profile.DAPModuleIdent, profile.DAPSubmoduleIdent),
		slotFromIdentPair(1, 1, phEntry.ModuleIdent, phEntry.SubmoduleIdent),
	}
	block := expectedSubmoduleBlock(slots)
	require.Len(t, block.Slots, 2)
	require.Equal(t, uint16(0), block.Slots[0].Slot)
	require.Len(t, block.Slots[0].Subslots, 2)
	require.Equal(t, uint16(1), block.Slots[1].Slot)
}

func TestBuildConnectRequestAssignsDistinctFrameIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControllerMAC, _ = net.ParseMAC("00:11:22:33:44:55")
	cfg.ControllerObjectUUID = uuid.New()
	cfg.ControllerUDPPort = rpc.Port

	req := buildConnectRequest(cfg, uuid.New(), 5, "controller-test", dapOnlySlots())
	require.Len(t, req.IOCRs, 2)
	require.NotEqual(t, req.IOCRs[0].FrameID, req.IOCRs[1].FrameID)
	require.Equal(t, pnio.DirectionInput, req.IOCRs[0].Direction)
	require.Equal(t, pnio.DirectionOutput, req.IOCRs[1].Direction)
}

// --- end-to-end Manager tests against a real loopback UDP "device" ---

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// mustListenDeviceUDP binds the fake device's socket to the well-known
// PNIO-CM RPC port, since Manager always targets rpc.Port directly
// (spec §4.4: devices listen on a fixed port, never a discovered one).
func mustListenDeviceUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(rpc.Port)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestManager(t *testing.T, client *rpc.Client) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ControllerMAC, _ = net.ParseMAC("00:11:22:33:44:55")
	cfg.ControllerObjectUUID = uuid.New()
	cfg.ControllerUDPPort = client.LocalPort()
	return NewManager(client, registry.New(), nil, nil, cfg, Callbacks{})
}

// encodeConnectResponse builds a Connect Response PNIO block sequence the
// same way the rpc package's own decode tests do, using only rpc's
// exported block codec (spec §4.3).
func encodeConnectResponse(t *testing.T, arUUID uuid.UUID, sessionKey uint16, deviceMAC net.HardwareAddr, inputFrameID, outputFrameID uint16) []byte {
	t.Helper()
	b := frame.NewBuilder(make([]byte, 512))

	require.NoError(t, rpc.WriteBlockHeader(b, rpc.BlockHeader{Type: rpc.BlockARRes, Length: 2 + 2 + 16 + 2 + 6, VersionHigh: 1, VersionLow: 0}))
	require.NoError(t, b.U16(rpc.ARTypeIOCAR))
	require.NoError(t, b.Raw(arUUID[:]))
	require.NoError(t, b.U16(sessionKey))
	require.NoError(t, b.Raw(deviceMAC))

	require.NoError(t, rpc.WriteBlockHeader(b, rpc.BlockHeader{Type: rpc.BlockIOCRRes, Length: 2 + 2 + 2, VersionHigh: 1, VersionLow: 0}))
	require.NoError(t, b.U16(1)) // input
	require.NoError(t, b.U16(inputFrameID))

	require.NoError(t, rpc.WriteBlockHeader(b, rpc.BlockHeader{Type: rpc.BlockIOCRRes, Length: 2 + 2 + 2, VersionHigh: 1, VersionLow: 0}))
	require.NoError(t, b.U16(2)) // output
	require.NoError(t, b.U16(outputFrameID))

	require.NoError(t, rpc.WriteBlockHeader(b, rpc.BlockHeader{Type: rpc.BlockAlarmCRRes, Length: 2 + 4 + 2, VersionHigh: 1, VersionLow: 0}))
	require.NoError(t, b.U16(1))
	require.NoError(t, b.U16(0x8892))
	require.NoError(t, b.U16(1))

	return b.Bytes()
}

// decodeIODControlReqForTest parses an IOD Control Req block body using
// only rpc's exported block-header codec, since rpc does not export a
// request-side decoder (only IODControlRes, the direction the real
// controller needs to parse).
func decodeIODControlReqForTest(buf []byte) (arUUID uuid.UUID, sessionKey uint16, command uint16, err error) {
	p := frame.NewParser(buf)
	if _, err = rpc.ReadBlockHeader(p); err != nil {
		return
	}
	raw, rErr := p.Raw(16)
	if rErr != nil {
		err = rErr
		return
	}
	copy(arUUID[:], raw)
	if sessionKey, err = p.U16(); err != nil {
		return
	}
	if err = p.Skip(2); err != nil {
		return
	}
	command, err = p.U16()
	return
}

// fakeDevice answers exactly one Connect and one Control (PrmEnd) request
// on deviceConn with success responses, then exits.
func fakeDeviceAcceptsConnectAndPrmEnd(t *testing.T, deviceConn *net.UDPConn, deviceMAC net.HardwareAddr, done chan<- error) {
	go func() {
		buf := make([]byte, 4096)
		deviceConn.SetReadDeadline(time.Now().Add(5 * time.Second))

		n, from, err := deviceConn.ReadFromUDP(buf)
		if err != nil {
			done <- err
			return
		}
		hdr, err := rpc.DecodeHeader(buf[:n])
		if err != nil {
			done <- err
			return
		}
		if hdr.Opnum != rpc.OpnumConnect {
			done <- err
			return
		}
		body := encodeConnectResponse(t, uuid.New(), 99, deviceMAC, 0xC010, 0xC011)
		resHdr := hdr
		resHdr.PacketType = rpc.PacketTypeResponse
		payload := make([]byte, rpc.HeaderLen+len(body))
		if err := resHdr.Encode(payload); err != nil {
			done <- err
			return
		}
		copy(payload[rpc.HeaderLen:], body)
		if _, err := deviceConn.WriteToUDP(payload, from); err != nil {
			done <- err
			return
		}

		deviceConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, from, err = deviceConn.ReadFromUDP(buf)
		if err != nil {
			done <- err
			return
		}
		hdr, err = rpc.DecodeHeader(buf[:n])
		if err != nil {
			done <- err
			return
		}
		if hdr.Opnum != rpc.OpnumControl {
			done <- err
			return
		}
		arUUID, sessionKey, command, err := decodeIODControlReqForTest(buf[rpc.HeaderLen:n])
		if err != nil {
			done <- err
			return
		}
		resBody := frame.NewBuilder(make([]byte, 64))
		ctlRes := rpc.IODControlRes{ARUUID: arUUID, SessionKey: sessionKey, Command: command}
		if err := ctlRes.Encode(resBody); err != nil {
			done <- err
			return
		}
		resHdr = hdr
		resHdr.PacketType = rpc.PacketTypeResponse
		payload = make([]byte, rpc.HeaderLen+resBody.Len())
		if err := resHdr.Encode(payload); err != nil {
			done <- err
			return
		}
		copy(payload[rpc.HeaderLen:], resBody.Bytes())
		if _, err := deviceConn.WriteToUDP(payload, from); err != nil {
			done <- err
			return
		}
		done <- nil
	}()
}

func TestConnectWithSlotsSucceedsAgainstFakeDevice(t *testing.T) {
	controllerConn := mustListenUDP(t)
	deviceConn := mustListenDeviceUDP(t)
	client := rpc.NewClient(controllerConn)
	m := newTestManager(t, client)

	deviceMAC, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	deviceAddr := netip.MustParseAddrPort(deviceConn.LocalAddr().String())

	done := make(chan error, 1)
	fakeDeviceAcceptsConnectAndPrmEnd(t, deviceConn, deviceMAC, done)

	stationMAC, _ := net.ParseMAC("00:00:00:00:00:01")
	require.NoError(t, m.Connect(context.Background(), "device-1", stationMAC, deviceAddr.Addr(), dapOnlySlots()))
	require.NoError(t, <-done)

	ar, ok := m.Get("device-1")
	require.True(t, ok)
	require.Equal(t, pnio.ARStateReady, ar.State)
	require.False(t, ar.Connecting)
	require.Equal(t, uint16(99), ar.SessionKey)
	require.Equal(t, deviceMAC.String(), ar.MAC.String())
}

// fakeDeviceRejectsConnectWithFault replies to the Connect Request with a
// PNIO-CM Fault PDU instead of a Connect Response.
func fakeDeviceRejectsConnectWithFault(t *testing.T, deviceConn *net.UDPConn, done chan<- error) {
	go func() {
		buf := make([]byte, 4096)
		deviceConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, from, err := deviceConn.ReadFromUDP(buf)
		if err != nil {
			done <- err
			return
		}
		hdr, err := rpc.DecodeHeader(buf[:n])
		if err != nil {
			done <- err
			return
		}
		resHdr := hdr
		resHdr.PacketType = rpc.PacketTypeFault
		body := []byte{rpc.ErrorDecodePNIOCM, 0x01, 0x02} // AR block, invalid length (spec §4.3)
		payload := make([]byte, rpc.HeaderLen+len(body))
		if err := resHdr.Encode(payload); err != nil {
			done <- err
			return
		}
		copy(payload[rpc.HeaderLen:], body)
		if _, err := deviceConn.WriteToUDP(payload, from); err != nil {
			done <- err
			return
		}
		done <- nil
	}()
}

func TestConnectWithFaultResponseSurfacesConnectionFailedAndFiresDiagnosisAlarm(t *testing.T) {
	controllerConn := mustListenUDP(t)
	deviceConn := mustListenDeviceUDP(t)
	client := rpc.NewClient(controllerConn)

	cfg := DefaultConfig()
	cfg.ControllerMAC, _ = net.ParseMAC("00:11:22:33:44:55")
	cfg.ControllerObjectUUID = uuid.New()
	cfg.ControllerUDPPort = client.LocalPort()

	var gotStation string
	var gotAction rpc.RecoveryAction
	m := NewManager(client, registry.New(), nil, nil, cfg, Callbacks{
		OnDiagnosisAlarm: func(station string, fault rpc.FaultInfo, action rpc.RecoveryAction) {
			gotStation = station
			gotAction = action
		},
	})

	deviceAddr := netip.MustParseAddrPort(deviceConn.LocalAddr().String())
	done := make(chan error, 1)
	fakeDeviceRejectsConnectWithFault(t, deviceConn, done)

	stationMAC, _ := net.ParseMAC("00:00:00:00:00:01")
	err := m.Connect(context.Background(), "device-1", stationMAC, deviceAddr.Addr(), dapOnlySlots())
	require.NoError(t, <-done)

	require.Error(t, err)
	require.ErrorIs(t, err, pnio.ErrConnectionFailed)
	require.Equal(t, "device-1", gotStation)
	require.Equal(t, rpc.RecoveryFixBlockLength, gotAction)

	ar, ok := m.Get("device-1")
	require.True(t, ok)
	require.Equal(t, pnio.ARStateAbort, ar.State)
}

func TestConnectFailsAndBacksOffWhenDeviceNeverReplies(t *testing.T) {
	controllerConn := mustListenUDP(t)
	deviceConn := mustListenDeviceUDP(t)
	client := rpc.NewClient(controllerConn)
	m := newTestManager(t, client)

	deviceAddr := netip.MustParseAddrPort(deviceConn.LocalAddr().String())
	stationMAC, _ := net.ParseMAC("00:00:00:00:00:02")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := m.Connect(ctx, "device-2", stationMAC, deviceAddr.Addr(), dapOnlySlots())
	require.Error(t, err)

	ar, ok := m.Get("device-2")
	require.True(t, ok)
	require.Equal(t, pnio.ARStateAbort, ar.State)
	require.False(t, ar.Connecting)
	require.Error(t, ar.LastError)

	e := m.entries["device-2"]
	require.Equal(t, 1, e.strategy.CurrentIndex)
	require.False(t, e.nextAttempt.IsZero())
}

func TestTickOneConnectReqTimesOutAfterDeadline(t *testing.T) {
	controllerConn := mustListenUDP(t)
	client := rpc.NewClient(controllerConn)
	m := newTestManager(t, client)

	m.mu.Lock()
	m.entries["device-3"] = &entry{
		ar: pnio.ApplicationRelationship{
			StationName: "device-3",
			State:       pnio.ARStateConnectReq,
		},
		strategy: rpc.NewStrategyState(),
	}
	m.mu.Unlock()

	now := time.Now()
	m.tickOne("device-3", now)
	ar, _ := m.Get("device-3")
	require.Equal(t, pnio.ARStateConnectReq, ar.State)

	m.tickOne("device-3", now.Add(connectTimeout+time.Second))
	ar, _ = m.Get("device-3")
	require.Equal(t, pnio.ARStateAbort, ar.State)
}

func TestTickOneRunStateWatchdogExpiry(t *testing.T) {
	controllerConn := mustListenUDP(t)
	client := rpc.NewClient(controllerConn)
	m := newTestManager(t, client)

	now := time.Now()
	m.mu.Lock()
	m.entries["device-4"] = &entry{
		ar: pnio.ApplicationRelationship{
			StationName:    "device-4",
			State:          pnio.ARStateRun,
			WatchdogMs:     1000,
			LastActivityMs: now.UnixMilli(),
		},
		strategy: rpc.NewStrategyState(),
	}
	m.mu.Unlock()

	m.tickOne("device-4", now.Add(500*time.Millisecond))
	ar, _ := m.Get("device-4")
	require.Equal(t, pnio.ARStateRun, ar.State)

	m.tickOne("device-4", now.Add(2*time.Second))
	ar, _ = m.Get("device-4")
	require.Equal(t, pnio.ARStateAbort, ar.State)
	require.Error(t, ar.LastError)
}

func TestSnapshotExcludesConnectingAndNonRunARs(t *testing.T) {
	controllerConn := mustListenUDP(t)
	client := rpc.NewClient(controllerConn)
	m := newTestManager(t, client)

	m.mu.Lock()
	m.entries["running"] = &entry{ar: pnio.ApplicationRelationship{StationName: "running", State: pnio.ARStateRun}, strategy: rpc.NewStrategyState()}
	m.entries["connecting"] = &entry{ar: pnio.ApplicationRelationship{StationName: "connecting", State: pnio.ARStateRun, Connecting: true}, strategy: rpc.NewStrategyState()}
	m.entries["ready"] = &entry{ar: pnio.ApplicationRelationship{StationName: "ready", State: pnio.ARStateReady}, strategy: rpc.NewStrategyState()}
	m.mu.Unlock()

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "running", snap[0].StationName)
}

func TestPollApplicationReadyAdvancesMatchingARToRun(t *testing.T) {
	controllerConn := mustListenUDP(t)
	deviceConn := mustListenUDP(t)
	client := rpc.NewClient(controllerConn)
	m := newTestManager(t, client)
	controllerAddr := netip.MustParseAddrPort(controllerConn.LocalAddr().String())

	arUUID := uuid.New()
	m.mu.Lock()
	m.entries["device-5"] = &entry{
		ar: pnio.ApplicationRelationship{
			StationName: "device-5",
			ARUUID:      arUUID,
			SessionKey:  11,
			State:       pnio.ARStateReady,
		},
		strategy:      rpc.NewStrategyState(),
		readyDeadline: time.Now().Add(readyTimeout),
	}
	m.mu.Unlock()

	b := frame.NewBuilder(make([]byte, 64))
	req := rpc.IODControlReq{ARUUID: arUUID, SessionKey: 11, Command: rpc.ControlApplicationReady}
	require.NoError(t, req.Encode(b))
	reqHdr := rpc.NewRequestHeader(rpc.OpnumControl, arUUID, rpc.ControllerInterfaceUUID, 1)
	payload := make([]byte, rpc.HeaderLen+b.Len())
	require.NoError(t, reqHdr.Encode(payload))
	copy(payload[rpc.HeaderLen:], b.Bytes())
	_, err := deviceConn.WriteToUDP(payload, net.UDPAddrFromAddrPort(controllerAddr))
	require.NoError(t, err)

	m.PollApplicationReady(2 * time.Second)

	ar, ok := m.Get("device-5")
	require.True(t, ok)
	require.Equal(t, pnio.ARStateRun, ar.State)
}

func TestPollAlarmNotificationMatchesARAndRecordsActivity(t *testing.T) {
	controllerConn := mustListenUDP(t)
	deviceConn := mustListenUDP(t)
	client := rpc.NewClient(controllerConn)

	var gotStation string
	var gotAlarm pnio.DiagnosisAlarm
	cfg := DefaultConfig()
	cfg.ControllerUDPPort = client.LocalPort()
	m := NewManager(client, registry.New(), nil, nil, cfg, Callbacks{
		OnAlarmNotification: func(station string, alarm pnio.DiagnosisAlarm) {
			gotStation = station
			gotAlarm = alarm
		},
	})
	controllerAddr := netip.MustParseAddrPort(controllerConn.LocalAddr().String())

	arUUID := uuid.New()
	m.mu.Lock()
	m.entries["device-6"] = &entry{
		ar: pnio.ApplicationRelationship{
			StationName: "device-6",
			ARUUID:      arUUID,
			State:       pnio.ARStateRun,
		},
		strategy: rpc.NewStrategyState(),
	}
	m.mu.Unlock()

	notif := rpc.AlarmNotification{ARUUID: arUUID, Channel: 4, Severity: rpc.AlarmSeverityHigh}
	b := frame.NewBuilder(make([]byte, 64))
	require.NoError(t, notif.Encode(b))
	reqHdr := rpc.NewRequestHeader(rpc.OpnumAlarmNotify, arUUID, rpc.DeviceInterfaceUUID, 1)
	payload := make([]byte, rpc.HeaderLen+b.Len())
	require.NoError(t, reqHdr.Encode(payload))
	copy(payload[rpc.HeaderLen:], b.Bytes())
	_, err := deviceConn.WriteToUDP(payload, net.UDPAddrFromAddrPort(controllerAddr))
	require.NoError(t, err)

	m.PollAlarmNotification(2 * time.Second)

	require.Equal(t, "device-6", gotStation)
	require.Equal(t, pnio.DiagnosisAlarm{Channel: 4, Severity: rpc.AlarmSeverityHigh}, gotAlarm)

	ar, ok := m.Get("device-6")
	require.True(t, ok)
	require.NotZero(t, ar.LastActivityMs)
}
