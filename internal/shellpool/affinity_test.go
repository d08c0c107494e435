package shellpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAffinitiesEmptyIsOneShellAllCPUs(t *testing.T) {
	affs, err := ParseAffinities("")
	require.NoError(t, err)
	require.Len(t, affs, 1)
	assert.True(t, affs[0].IsSet(0))
}

func TestParseAffinitiesFieldsAndRanges(t *testing.T) {
	affs, err := ParseAffinities("0:1-3::3,4,6")
	require.NoError(t, err)
	require.Len(t, affs, 4)

	assert.True(t, affs[0].IsSet(0))
	assert.False(t, affs[0].IsSet(1))

	assert.True(t, affs[1].IsSet(1))
	assert.True(t, affs[1].IsSet(2))
	assert.True(t, affs[1].IsSet(3))
	assert.False(t, affs[1].IsSet(4))

	assert.True(t, affs[2].IsSet(0)) // empty field == all CPUs

	assert.True(t, affs[3].IsSet(3))
	assert.True(t, affs[3].IsSet(4))
	assert.True(t, affs[3].IsSet(6))
	assert.False(t, affs[3].IsSet(5))
}

func TestParseAffinitiesRejectsBadRange(t *testing.T) {
	_, err := ParseAffinities("5-2")
	assert.Error(t, err)
}
