package pdipstatus

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromWaitStatus(t *testing.T) {
	// Linux wait(2) layouts: exit code in bits 8-15, signal in bits 0-6,
	// core-dump flag in bit 7.
	w := FromWaitStatus(syscall.WaitStatus(7 << 8))
	assert.False(t, w.Signaled())
	assert.Equal(t, 7, w.ExitCode())

	w = FromWaitStatus(syscall.WaitStatus(9))
	assert.True(t, w.Signaled())
	assert.Equal(t, syscall.SIGKILL, w.Signal())
	assert.False(t, w.CoreDumped())

	w = FromWaitStatus(syscall.WaitStatus(11 | 0x80))
	assert.True(t, w.Signaled())
	assert.Equal(t, syscall.SIGSEGV, w.Signal())
	assert.True(t, w.CoreDumped())
}

func TestFromShellWord(t *testing.T) {
	w := FromShellWord(0)
	assert.False(t, w.Signaled())
	assert.Equal(t, 0, w.ExitCode())

	w = FromShellWord(42)
	assert.False(t, w.Signaled())
	assert.Equal(t, 42, w.ExitCode())

	// POSIX shells report 128+signum for a signalled command.
	w = FromShellWord(128 + 9)
	assert.True(t, w.Signaled())
	assert.Equal(t, syscall.SIGKILL, w.Signal())
	assert.False(t, w.CoreDumped())
}

// TestRoundTripIdentity checks that encoding then decoding is the identity
// on every (exit, signal, coredump) triple the convention can represent.
func TestRoundTripIdentity(t *testing.T) {
	for exit := 0; exit < 256; exit += 17 {
		w := FromWaitStatus(syscall.WaitStatus(exit << 8))
		assert.False(t, w.Signaled())
		assert.Equal(t, exit, w.ExitCode())
	}
	for sig := 1; sig < 32; sig++ {
		w := FromWaitStatus(syscall.WaitStatus(sig))
		assert.True(t, w.Signaled())
		assert.Equal(t, syscall.Signal(sig), w.Signal())
		assert.False(t, w.CoreDumped())

		w = FromWaitStatus(syscall.WaitStatus(sig | 0x80))
		assert.Equal(t, syscall.Signal(sig), w.Signal())
		assert.True(t, w.CoreDumped())
	}
}
