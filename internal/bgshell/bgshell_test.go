package bgshell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccessAndFailure(t *testing.T) {
	defer Close()

	w, err := Run("true")
	require.NoError(t, err)
	assert.False(t, w.Signaled())
	assert.Equal(t, 0, w.ExitCode())

	w, err = Run("(exit 7)")
	require.NoError(t, err)
	assert.Equal(t, 7, w.ExitCode())
}

func TestRunEmptyFormatReportsShellReachable(t *testing.T) {
	defer Close()

	w, err := Run("")
	require.NoError(t, err)
	assert.Equal(t, 0, w.ExitCode())
}

func TestOnForkDropsShellWithoutKillingIt(t *testing.T) {
	defer Close()

	_, err := Run("true")
	require.NoError(t, err)

	OnFork()

	// A subsequent Run re-initializes its own shell rather than reusing the
	// (now orphaned, from this process's point of view) previous one.
	w, err := Run("true")
	require.NoError(t, err)
	assert.Equal(t, 0, w.ExitCode())
}
