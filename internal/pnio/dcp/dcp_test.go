package dcp

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildResponseFrame hand-assembles a minimal Identify-Response matching
// spec §8 scenario S1, for parser testing without a live device.
func buildResponseFrame(t *testing.T, srcMAC net.HardwareAddr, xid uint32, station string, ip netip.Addr, vendor, device uint16) []byte {
	t.Helper()

	nameBlock := append([]byte{0x01, 0x00}, []byte(station)...)
	if len(nameBlock)%2 != 0 {
		nameBlock = append(nameBlock, 0x00)
	}

	ipBytes := ip.As4()
	ipBlock := []byte{0x00, 0x00, ipBytes[0], ipBytes[1], ipBytes[2], ipBytes[3]}

	devBlock := []byte{0x00, 0x00, byte(vendor >> 8), byte(vendor), byte(device >> 8), byte(device)}

	var data []byte
	data = append(data, optionDevice, suboptionName)
	data = append(data, byte(len(nameBlock)>>8), byte(len(nameBlock)))
	data = append(data, nameBlock...)

	data = append(data, optionIP, suboptionIPParam)
	data = append(data, byte(len(ipBlock)>>8), byte(len(ipBlock)))
	data = append(data, ipBlock...)

	data = append(data, optionDevice, suboptionDevID)
	data = append(data, byte(len(devBlock)>>8), byte(len(devBlock)))
	data = append(data, devBlock...)

	frm := make([]byte, 0, 14+10+len(data))
	frm = append(frm, net.HardwareAddr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}...) // dst (controller MAC for a unicast response)
	frm = append(frm, srcMAC...)
	frm = append(frm, 0x88, 0x92) // ethertype

	frm = append(frm, byte(FrameIDIdentifyResponse>>8), byte(FrameIDIdentifyResponse))
	frm = append(frm, serviceIDIdentify, serviceTypeSuccess)
	frm = append(frm, byte(xid>>24), byte(xid>>16), byte(xid>>8), byte(xid))
	frm = append(frm, 0x00, 0x01) // response delay
	frm = append(frm, byte(len(data)>>8), byte(len(data)))
	frm = append(frm, data...)

	return frm
}

func TestParseIdentifyResponseS1(t *testing.T) {
	srcMAC, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	ip := netip.MustParseAddr("192.168.6.21")

	frm := buildResponseFrame(t, srcMAC, 0x12345678, "rtu-1234", ip, 0x0100, 0x0001)

	dev, ok, err := ParseIdentifyResponse(frm, 0x12345678)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "rtu-1234", dev.StationName)
	require.Equal(t, srcMAC.String(), dev.MAC.String())
	require.Equal(t, ip, dev.IP)
	require.Equal(t, uint16(0x0100), dev.VendorID)
	require.Equal(t, uint16(0x0001), dev.DeviceID)
}

func TestParseIdentifyResponseWrongXID(t *testing.T) {
	srcMAC, _ := net.ParseMAC("00:11:22:33:44:55")
	ip := netip.MustParseAddr("192.168.6.21")
	frm := buildResponseFrame(t, srcMAC, 0x12345678, "rtu-1234", ip, 0x0100, 0x0001)

	_, ok, err := ParseIdentifyResponse(frm, 0xFFFFFFFF)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheIngestAndCallback(t *testing.T) {
	c := NewCache(0) // clamped to 256
	var got CachedDevice
	c.SetCallback(func(d CachedDevice) { got = d })

	c.Ingest(CachedDevice{StationName: "rtu-1234", VendorID: 0x0100})
	d, ok := c.Get("rtu-1234")
	require.True(t, ok)
	require.Equal(t, "rtu-1234", d.StationName)
	require.Equal(t, "rtu-1234", got.StationName)
	require.NotZero(t, d.LastSeenMs)
}

func TestCacheEvictsOldestAtCapacity(t *testing.T) {
	c := NewCache(256)
	c.capacity = 2 // shrink for the test

	c.Ingest(CachedDevice{StationName: "a"})
	c.entries["a"].LastSeenMs = 1
	c.Ingest(CachedDevice{StationName: "b"})
	c.entries["b"].LastSeenMs = 2
	c.Ingest(CachedDevice{StationName: "c"})

	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	_, cOK := c.Get("c")
	require.False(t, aOK)
	require.True(t, bOK)
	require.True(t, cOK)
}

func TestBuildIdentifyAllLength(t *testing.T) {
	srcMAC, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	buf, err := BuildIdentifyAll(srcMAC, 0x1)
	require.NoError(t, err)
	require.Len(t, buf, 60)
}
