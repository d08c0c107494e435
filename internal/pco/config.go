package pco

import (
	"io"
	"log"
	"os"
	"time"
)

// Flag is the PCO feature-flag bitmap.
type Flag uint32

const (
	// FlagErrRedirect ties the child's stderr to the PTY slave as well as
	// stdout, needed when the synchronization prompt is printed on stderr.
	FlagErrRedirect Flag = 1 << iota
	// FlagRecvOnTheFlow makes Recv return complete buffered lines as DATA
	// instead of blocking further when the regex has not yet matched.
	FlagRecvOnTheFlow
)

// minBufResizeIncrement is the floor enforced by Config.normalize: a smaller
// increment is replaced by defaultBufResizeIncrement.
const minBufResizeIncrement = 2

// defaultBufResizeIncrement is the default growth increment (1 KiB).
const defaultBufResizeIncrement = 1024

// Config is a PCO's configuration record, filled with defaults by
// DefaultConfig and then overridden field by field.
type Config struct {
	DebugOutput io.Writer
	ErrOutput   io.Writer
	DebugLevel  int
	Flags       Flag

	// Affinity is owned by the caller until New clones it in.
	Affinity *Affinity

	// BufResizeIncrement is how many bytes the reception buffer grows by
	// each time more room is needed. Must be >= 2; DefaultConfig sets 1024.
	BufResizeIncrement int

	// TerminationGrace is how long Delete waits after SIGTERM before
	// escalating to SIGKILL. Zero means DefaultConfig's 25ms default.
	TerminationGrace time.Duration
}

// DefaultConfig returns a Config with the defaults: stderr for both log
// sinks, debug level 0, no flags, no affinity, a 1 KiB growth increment.
func DefaultConfig() Config {
	return Config{
		DebugOutput:        os.Stderr,
		ErrOutput:          os.Stderr,
		DebugLevel:         0,
		Flags:              0,
		Affinity:           nil,
		BufResizeIncrement: defaultBufResizeIncrement,
		TerminationGrace:   defaultTerminationGrace,
	}
}

// defaultTerminationGrace is the default SIGTERM-to-SIGKILL escalation wait.
const defaultTerminationGrace = 25 * time.Millisecond

// normalize fills in zero-valued fields left unset by a caller who built a
// Config by hand instead of starting from DefaultConfig, and enforces the
// resize-increment floor.
func (c *Config) normalize() {
	if c.DebugOutput == nil {
		c.DebugOutput = os.Stderr
	}
	if c.ErrOutput == nil {
		c.ErrOutput = os.Stderr
	}
	if c.BufResizeIncrement < minBufResizeIncrement {
		c.BufResizeIncrement = defaultBufResizeIncrement
	}
	if c.TerminationGrace <= 0 {
		c.TerminationGrace = defaultTerminationGrace
	}
}

func (c *Config) errLogger() *log.Logger {
	return log.New(c.ErrOutput, "pdip: ", log.LstdFlags)
}

func (c *Config) dbgLogger(level int) *log.Logger {
	if level > c.DebugLevel {
		return log.New(io.Discard, "", 0)
	}
	return log.New(c.DebugOutput, "pdip: dbg: ", log.LstdFlags)
}
