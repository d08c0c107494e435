package pco

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffinitySetUnsetRoundTrip(t *testing.T) {
	a := NewAffinity()
	before := a.Clone()

	require.NoError(t, a.Set(5))
	assert.True(t, a.IsSet(5))

	require.NoError(t, a.Unset(5))
	assert.Equal(t, before.bits, a.bits)
}

func TestAffinityAllAndZero(t *testing.T) {
	a := NewAffinity()
	a.All()
	assert.True(t, a.IsSet(0))
	assert.True(t, a.IsSet(minAffinityBits-1))

	a.Zero()
	assert.True(t, a.Empty())
}

func TestAffinitySetRejectsOutOfRange(t *testing.T) {
	a := NewAffinity()
	err := a.Set(uint(len(a.bits) * 8))
	assert.Error(t, err)
}
