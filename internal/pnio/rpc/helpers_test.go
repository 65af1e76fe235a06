package rpc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mwilco03/pnio-controller/internal/pnio/frame"
)

func newTestBuilder(capacity int) *frame.Builder {
	return frame.NewBuilder(make([]byte, capacity))
}

func writeBlockHeaderRaw(t *testing.T, b *frame.Builder, blockType uint16, bodyLen int) {
	t.Helper()
	require.NoError(t, WriteBlockHeader(b, BlockHeader{Type: blockType, Length: blockHeaderBodyLength(bodyLen), VersionHigh: defaultVersionHigh, VersionLow: defaultVersionLow}))
}

func mustU16(t *testing.T, b *frame.Builder, v uint16) {
	t.Helper()
	require.NoError(t, b.U16(v))
}

func mustU32(t *testing.T, b *frame.Builder, v uint32) {
	t.Helper()
	require.NoError(t, b.U32(v))
}

func mustUUID(t *testing.T, b *frame.Builder, id uuid.UUID) {
	t.Helper()
	require.NoError(t, writeUUIDBE(b, id))
}

func mustRaw(t *testing.T, b *frame.Builder, p []byte) {
	t.Helper()
	require.NoError(t, b.Raw(p))
}
