package rpc

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

func TestAlarmNotificationEncodeDecodeRoundTrip(t *testing.T) {
	want := AlarmNotification{ARUUID: uuid.New(), Channel: 3, Severity: AlarmSeverityHigh}
	b := frame.NewBuilder(make([]byte, 64))
	require.NoError(t, want.Encode(b))

	got, err := decodeAlarmNotification(b.Bytes())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPollAlarmNotificationReceivesAndAcks(t *testing.T) {
	controllerConn := mustListenUDP(t)
	deviceConn := mustListenUDP(t)
	client := NewClient(controllerConn)

	controllerAddr := controllerConn.LocalAddr().(*net.UDPAddr)
	arUUID := uuid.New()

	ackErr := make(chan error, 1)
	go func() {
		hdr := NewRequestHeader(OpnumAlarmNotify, arUUID, DeviceInterfaceUUID, 1)
		b := frame.NewBuilder(make([]byte, 512))
		notif := AlarmNotification{ARUUID: arUUID, Channel: 7, Severity: AlarmSeverityLow}
		if err := notif.Encode(b); err != nil {
			ackErr <- err
			return
		}
		payload := make([]byte, HeaderLen+b.Len())
		if err := hdr.Encode(payload); err != nil {
			ackErr <- err
			return
		}
		copy(payload[HeaderLen:], b.Bytes())
		if _, err := deviceConn.WriteToUDP(payload, controllerAddr); err != nil {
			ackErr <- err
			return
		}

		buf := make([]byte, 2048)
		deviceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := deviceConn.ReadFromUDP(buf)
		if err != nil {
			ackErr <- err
			return
		}
		respHdr, err := DecodeHeader(buf[:n])
		if err != nil {
			ackErr <- err
			return
		}
		if respHdr.PacketType != PacketTypeResponse {
			ackErr <- err
			return
		}
		ackErr <- nil
	}()

	notif, ok, err := client.PollAlarmNotification(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, arUUID, notif.ARUUID)
	require.Equal(t, uint16(7), notif.Channel)
	require.Equal(t, AlarmSeverityLow, notif.Severity)
	require.NoError(t, <-ackErr)
}

func TestPollAlarmNotificationTimesOutWithNothingPending(t *testing.T) {
	controllerConn := mustListenUDP(t)
	client := NewClient(controllerConn)

	notif, ok, err := client.PollAlarmNotification(50 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, AlarmNotification{}, notif)
}
