package rpc

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestClientCallRoundTrip(t *testing.T) {
	deviceConn := mustListenUDP(t)
	controllerConn := mustListenUDP(t)
	client := NewClient(controllerConn)

	deviceAddr := netip.MustParseAddrPort(deviceConn.LocalAddr().String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)
		deviceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, from, err := deviceConn.ReadFromUDP(buf)
		require.NoError(t, err)

		reqHdr, err := DecodeHeader(buf[:n])
		require.NoError(t, err)
		require.Equal(t, uint16(OpnumControl), reqHdr.Opnum)

		resHdr := reqHdr
		resHdr.PacketType = PacketTypeResponse
		resBody := []byte("ok")
		resPayload := make([]byte, HeaderLen+len(resBody))
		require.NoError(t, resHdr.Encode(resPayload))
		copy(resPayload[HeaderLen:], resBody)
		_, err = deviceConn.WriteToUDP(resPayload, from)
		require.NoError(t, err)
	}()

	resp, err := client.Call(context.Background(), deviceAddr, OpnumControl, uuid.New(), []byte("hi"), Strategies[0])
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp)
	<-done
}

func TestClientCallTimesOutWithNoResponse(t *testing.T) {
	deviceConn := mustListenUDP(t)
	controllerConn := mustListenUDP(t)
	client := NewClient(controllerConn)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	deviceAddr := netip.MustParseAddrPort(deviceConn.LocalAddr().String())
	_, err := client.Call(ctx, deviceAddr, OpnumConnect, uuid.New(), []byte("hi"), Strategies[0])
	require.Error(t, err)
}

func TestClientCallFaultReturnsAnalyzableError(t *testing.T) {
	deviceConn := mustListenUDP(t)
	controllerConn := mustListenUDP(t)
	client := NewClient(controllerConn)
	deviceAddr := netip.MustParseAddrPort(deviceConn.LocalAddr().String())

	go func() {
		buf := make([]byte, 2048)
		deviceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, from, err := deviceConn.ReadFromUDP(buf)
		require.NoError(t, err)
		reqHdr, err := DecodeHeader(buf[:n])
		require.NoError(t, err)

		resHdr := reqHdr
		resHdr.PacketType = PacketTypeFault
		resBody := []byte{ErrorDecodePNIOCM, 0x01, 0x02}
		resPayload := make([]byte, HeaderLen+len(resBody))
		require.NoError(t, resHdr.Encode(resPayload))
		copy(resPayload[HeaderLen:], resBody)
		deviceConn.WriteToUDP(resPayload, from)
	}()

	_, err := client.Call(context.Background(), deviceAddr, OpnumConnect, uuid.New(), []byte("hi"), Strategies[0])
	require.Error(t, err)
}

func TestPollApplicationReadyNoTrafficReturnsNotOK(t *testing.T) {
	controllerConn := mustListenUDP(t)
	client := NewClient(controllerConn)

	_, _, ok, err := client.PollApplicationReady(50 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPollApplicationReadyRepliesAndReportsReady(t *testing.T) {
	deviceConn := mustListenUDP(t)
	controllerConn := mustListenUDP(t)
	client := NewClient(controllerConn)
	controllerAddr := netip.MustParseAddrPort(controllerConn.LocalAddr().String())

	arUUID := uuid.New()
	req := IODControlReq{ARUUID: arUUID, SessionKey: 7, Command: ControlApplicationReady}
	reqHdr := NewRequestHeader(OpnumControl, arUUID, ControllerInterfaceUUID, 1)

	p := newTestBuilder(256)
	require.NoError(t, req.Encode(p))
	body := p.Bytes()

	payload := make([]byte, HeaderLen+len(body))
	require.NoError(t, reqHdr.Encode(payload))
	copy(payload[HeaderLen:], body)

	_, err := deviceConn.WriteToUDP(payload, net.UDPAddrFromAddrPort(controllerAddr))
	require.NoError(t, err)

	key, id, ok, err := client.PollApplicationReady(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint16(7), key)
	require.Equal(t, arUUID, id)

	deviceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := deviceConn.ReadFromUDP(buf)
	require.NoError(t, err)
	res, err := DecodeIODControlRes(buf[HeaderLen:n])
	require.NoError(t, err)
	require.Equal(t, arUUID, res.ARUUID)
	require.Equal(t, uint16(7), res.SessionKey)
}
