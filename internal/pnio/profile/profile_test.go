package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupKnownTag(t *testing.T) {
	e, err := Lookup("ph")
	require.NoError(t, err)
	require.Equal(t, uint32(0x10), e.ModuleIdent)
	require.Equal(t, uint32(0x11), e.SubmoduleIdent)
}

func TestLookupUnknownTag(t *testing.T) {
	_, err := Lookup("not-a-real-sensor")
	require.Error(t, err)
	var tagErr ErrUnknownTypeTag
	require.ErrorAs(t, err, &tagErr)
	require.Equal(t, "not-a-real-sensor", tagErr.TypeTag)
}

func TestKnownTypeTagsNonEmpty(t *testing.T) {
	require.NotEmpty(t, KnownTypeTags())
}
