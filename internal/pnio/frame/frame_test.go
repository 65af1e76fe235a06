package frame

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mwilco03/pnio-controller/internal/pnio"
)

func TestBuilderParserRoundTrip(t *testing.T) {
	buf := make([]byte, 32)
	b := NewBuilder(buf)
	require.NoError(t, b.U8(0x42))
	require.NoError(t, b.U16(0xC001))
	require.NoError(t, b.U32(0xDEADBEEF))
	require.NoError(t, b.F32(1.5))
	require.NoError(t, b.Raw([]byte{0xAA, 0xBB}))

	p := NewParser(b.Bytes())
	u8, err := p.U8()
	require.NoError(t, err)
	require.Equal(t, uint8(0x42), u8)

	u16, err := p.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xC001), u16)

	u32, err := p.U32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	f32, err := p.F32()
	require.NoError(t, err)
	require.InDelta(t, 1.5, f32, 0.0001)

	raw, err := p.Raw(2)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB}, raw)
}

func TestBuilderNoCapacity(t *testing.T) {
	buf := make([]byte, 1)
	b := NewBuilder(buf)
	require.NoError(t, b.U8(1))
	err := b.U8(2)
	require.ErrorIs(t, err, pnio.ErrNoCapacity)
}

func TestParserTooShort(t *testing.T) {
	p := NewParser([]byte{0x01})
	_, err := p.U16()
	require.ErrorIs(t, err, pnio.ErrTooShort)
}

func TestPadTo(t *testing.T) {
	buf := make([]byte, 60)
	b := NewBuilder(buf)
	require.NoError(t, b.U16(0xC001))
	require.NoError(t, b.PadTo(60))
	require.Equal(t, 60, b.Len())
}

func TestMACRoundTrip(t *testing.T) {
	mac, err := ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	require.Equal(t, "00:11:22:33:44:55", FormatMAC(mac))
}

func TestIPv4RoundTrip(t *testing.T) {
	ip, err := ParseIPv4("192.168.6.21")
	require.NoError(t, err)
	require.Equal(t, "192.168.6.21", FormatIPv4(ip))
}

func TestIPv4Rejects6(t *testing.T) {
	_, err := ParseIPv4("::1")
	require.Error(t, err)
}

func TestSwapUUIDFieldsIsInvolution(t *testing.T) {
	id := uuid.New()
	swapped := SwapUUIDFields(id)
	require.NotEqual(t, id, swapped)
	require.Equal(t, id, SwapUUIDFields(swapped))
}
