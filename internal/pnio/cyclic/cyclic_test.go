package cyclic

import (
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/ar"
	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
	"github.com/mwilco03/pnio-controller/internal/pnio/registry"
	"github.com/mwilco03/pnio-controller/internal/pnio/rpc"
)

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestEngine(t *testing.T, cb Callbacks) (*Engine, *fakeSender) {
	t.Helper()
	client := rpc.NewClient(mustListenUDP(t))
	reg := registry.New()
	mgr := ar.NewManager(client, reg, nil, nil, ar.DefaultConfig(), ar.Callbacks{})
	controllerMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	sock := &fakeSender{}
	return NewEngine(mgr, sock, controllerMAC, DefaultConfig(), cb), sock
}

type fakeSender struct {
	frames [][]byte
}

func (f *fakeSender) Send(frm []byte) error {
	f.frames = append(f.frames, append([]byte(nil), frm...))
	return nil
}

func testSlots() []pnio.Slot {
	return []pnio.Slot{
		{Slot: 0, Subslot: 0x8000, Role: pnio.RoleSensor, DataLength: 0}, // DAP, must be filtered out
		{Slot: 1, Subslot: 1, Role: pnio.RoleSensor, TypeTag: "ph", DataLength: pnio.SensorSampleSize},
		{Slot: 2, Subslot: 1, Role: pnio.RoleActuator, TypeTag: "pump", DataLength: pnio.ActuatorCommandSize},
		{Slot: 3, Subslot: 1, Role: pnio.RoleSensor, TypeTag: "turbidity", DataLength: pnio.SensorSampleSize},
	}
}

func TestSensorSlotsFiltersRoleAndZeroLengthPreservingOrder(t *testing.T) {
	slots := testSlots()
	got := SensorSlots(slots)
	require.Len(t, got, 2)
	require.Equal(t, "ph", got[0].TypeTag)
	require.Equal(t, "turbidity", got[1].TypeTag)
}

func TestActuatorSlotsFiltersRoleAndZeroLength(t *testing.T) {
	slots := testSlots()
	got := ActuatorSlots(slots)
	require.Len(t, got, 1)
	require.Equal(t, "pump", got[0].TypeTag)
}

func TestBuildOutputFramePadsToMinFrameLen(t *testing.T) {
	dst := net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	src := net.HardwareAddr{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	outputBuf := []byte{1, 2, 3, 4}

	buf, err := buildOutputFrame(dst, src, 0xC011, outputBuf, 1, 7)
	require.NoError(t, err)
	require.Len(t, buf, 60) // unpadded body is well under the Ethernet minimum

	require.Equal(t, dst, net.HardwareAddr(buf[0:6]))
	require.Equal(t, src, net.HardwareAddr(buf[6:12]))
	require.Equal(t, []byte{0x88, 0x92}, buf[12:14])
	require.Equal(t, []byte{0xC0, 0x11}, buf[14:16])
	require.Equal(t, outputBuf, buf[16:20])
	require.Equal(t, byte(pnio.IOxSGood), buf[20]) // one IOPS byte for the single actuator slot
	require.Equal(t, []byte{0x00, 0x07}, buf[21:23])
	require.Equal(t, byte(pnio.DataStatusRunValid), buf[23])
	require.Equal(t, byte(0), buf[24])
	for _, b := range buf[25:] {
		require.Equal(t, byte(0), b)
	}
}

func TestBuildOutputFrameNoPaddingWhenBodyExceedsMinimum(t *testing.T) {
	dst := net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	src := net.HardwareAddr{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	outputBuf := make([]byte, 64) // forces total well past 60 bytes

	buf, err := buildOutputFrame(dst, src, 0xC011, outputBuf, 3, 1)
	require.NoError(t, err)
	wantLen := frame.HeaderLen + 2 + len(outputBuf) + 3 + 2 + 1 + 1
	require.Greater(t, wantLen, frame.MinFrameLen)
	require.Len(t, buf, wantLen)
}

func TestRecordCycleTracksMinMaxAndRunningAverage(t *testing.T) {
	e := &Engine{}
	e.recordCycle(10 * time.Millisecond)
	e.recordCycle(30 * time.Millisecond)
	e.recordCycle(20 * time.Millisecond)

	s := e.Stats()
	require.EqualValues(t, 3, s.Cycles)
	require.Equal(t, int64(10000), s.MinUs)
	require.Equal(t, int64(30000), s.MaxUs)
	require.InDelta(t, 20000, s.RunningAvgUs, 0.001)
}

func TestIngestReturnsFalseForUnroutedFrameID(t *testing.T) {
	e, _ := newTestEngine(t, Callbacks{})

	dst := net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	src := net.HardwareAddr{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	buf, err := buildOutputFrame(dst, src, 0xC999, []byte{1, 2, 3}, 0, 0)
	require.NoError(t, err)

	ok, err := e.Ingest(buf, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIngestReturnsProtocolErrorForTruncatedFrame(t *testing.T) {
	e, _ := newTestEngine(t, Callbacks{})
	ok, err := e.Ingest([]byte{1, 2, 3}, time.Now())
	require.False(t, ok)
	require.ErrorIs(t, err, pnio.ErrProtocol)
}

func TestIngestSlicesPayloadBySensorSlotAndFiresCallback(t *testing.T) {
	var gotStation string
	var gotIndex []int
	var gotSamples []pnio.SensorSample

	e, _ := newTestEngine(t, Callbacks{
		OnDataReceived: func(station string, sensorIndex int, sample pnio.SensorSample) {
			gotStation = station
			gotIndex = append(gotIndex, sensorIndex)
			gotSamples = append(gotSamples, sample)
		},
	})

	slots := testSlots()
	e.routesMu.Lock()
	e.routes[0xC010] = route{station: "device-1", slots: SensorSlots(slots), bufLen: 10}
	e.routesMu.Unlock()

	// ph=1.0 quality good, turbidity=2.0 quality good, 5 bytes each.
	payload := make([]byte, 10)
	ph := frameBuilderFloat(1.0, pnio.QualityGood)
	turbidity := frameBuilderFloat(2.0, pnio.QualityGood)
	copy(payload[0:5], ph)
	copy(payload[5:10], turbidity)

	dst := net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	src := net.HardwareAddr{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	buf := make([]byte, 14+2+len(payload))
	copy(buf[0:6], dst)
	copy(buf[6:12], src)
	buf[12], buf[13] = 0x88, 0x92
	buf[14], buf[15] = 0xC0, 0x10
	copy(buf[16:], payload)

	ok, err := e.Ingest(buf, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "device-1", gotStation)
	require.Equal(t, []int{0, 1}, gotIndex)
	require.Len(t, gotSamples, 2)
	require.InDelta(t, 1.0, gotSamples[0].Value, 0.0001)
	require.InDelta(t, 2.0, gotSamples[1].Value, 0.0001)
}

func frameBuilderFloat(v float32, quality uint8) []byte {
	b := make([]byte, 5)
	bits := math.Float32bits(v)
	b[0] = byte(bits >> 24)
	b[1] = byte(bits >> 16)
	b[2] = byte(bits >> 8)
	b[3] = byte(bits)
	b[4] = quality
	return b
}
