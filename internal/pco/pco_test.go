package pco

import (
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/ianremillard/pdip/internal/reaper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	Configure(reaper.ModeInternal, 0)
	os.Exit(m.Run())
}

func TestShellEcho(t *testing.T) {
	p := New(nil)
	pid, err := p.Exec([]string{"/bin/sh"})
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	defer p.Delete()

	_, err = p.Send("PS1='PRompt> '\n")
	require.NoError(t, err)

	disp, res, err := p.Recv("PRompt> $", nil)
	require.NoError(t, err)
	require.Equal(t, RecvFound, res)
	assert.Contains(t, string(disp), "PRompt> ")

	_, err = p.Send("echo hello\n")
	require.NoError(t, err)

	disp, res, err = p.Recv("PRompt> $", nil)
	require.NoError(t, err)
	require.Equal(t, RecvFound, res)
	assert.Contains(t, string(disp), "hello")
}

func TestSignalledChild(t *testing.T) {
	p := New(nil)
	_, err := p.Exec([]string{"/bin/sh", "-c", "kill -KILL $$"})
	require.NoError(t, err)
	defer p.Delete()

	w, err := p.Status(true)
	require.NoError(t, err)
	assert.True(t, w.Signaled())
	assert.Equal(t, 9, int(w.Signal()))
}

func TestFlushIdempotent(t *testing.T) {
	p := New(nil)
	p.out.data = []byte("leftover")
	first := p.Flush()
	assert.Equal(t, []byte("leftover"), first)
	second := p.Flush()
	assert.Empty(t, second)
}

func TestExecRejectsAlive(t *testing.T) {
	p := New(nil)
	_, err := p.Exec([]string{"/bin/sh"})
	require.NoError(t, err)
	defer p.Delete()

	_, err = p.Exec([]string{"/bin/sh"})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestExecRejectsEmptyArgv(t *testing.T) {
	p := New(nil)
	_, err := p.Exec(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReceiveOnTheFlowFlushesCompleteLinesOnly(t *testing.T) {
	p := New(&Config{Flags: FlagRecvOnTheFlow, BufResizeIncrement: 64})
	p.out.data = []byte("banner\nprt> ")

	disp, ok := p.flushCompleteLines()
	require.True(t, ok)
	assert.Equal(t, "banner\n", string(disp))
	assert.Equal(t, "prt> ", string(p.out.data))
}

func TestSendRejectsTooLong(t *testing.T) {
	p := New(nil)
	_, err := p.Exec([]string{"/bin/sh"})
	require.NoError(t, err)
	defer p.Delete()

	huge := make([]byte, maxSendBuf+1)
	for i := range huge {
		huge[i] = 'x'
	}
	_, err = p.Send("%s", string(huge))
	assert.ErrorIs(t, err, ErrSendTooLong)
}

func TestZeroLengthMatchAdvances(t *testing.T) {
	p := New(nil)
	p.out.data = []byte("\nabc")

	re := regexp.MustCompile("(?m)^")
	disp, ok := p.matchOutstanding(re)
	require.True(t, ok)
	// Forward progress: the match at offset 0 is zero-length, so it is
	// nudged one byte forward regardless of what byte it lands on.
	assert.Equal(t, "\n", string(disp))
}

// TestReceiveOnTheFlowEndToEnd drives the flow mode against a real child: a
// banner line followed by an LF-less prompt. The first Recv never matches its
// regex but hands back the complete line; the second synchronizes on the
// prompt itself.
func TestReceiveOnTheFlowEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Flags = FlagRecvOnTheFlow
	p := New(&cfg)
	_, err := p.Exec([]string{"/bin/sh", "-c", `printf 'banner\nprt> '; sleep 5`})
	require.NoError(t, err)
	defer p.Delete()

	timeout := 2 * time.Second
	disp, res, err := p.Recv("_impossible_", &timeout)
	require.NoError(t, err)
	require.Equal(t, RecvData, res)
	assert.Equal(t, "banner\n", string(disp))

	disp, res, err = p.Recv("^prt> ", &timeout)
	require.NoError(t, err)
	require.Equal(t, RecvFound, res)
	assert.Equal(t, "prt> ", string(disp))
}

func TestRecvTimeout(t *testing.T) {
	p := New(nil)
	_, err := p.Exec([]string{"/bin/sh", "-c", "sleep 5"})
	require.NoError(t, err)
	defer p.Delete()

	timeout := 200 * time.Millisecond
	disp, res, err := p.Recv("nothing_matches", &timeout)
	require.NoError(t, err)
	assert.Equal(t, RecvTimeout, res)
	assert.Empty(t, disp)
}

// TestRecvTimeoutBoundsWholeCall: a child that dribbles bytes without ever
// matching must not hand each sub-read a fresh timeout window; the budget
// covers the whole call, and everything read stays outstanding.
func TestRecvTimeoutBoundsWholeCall(t *testing.T) {
	p := New(nil)
	_, err := p.Exec([]string{"/bin/sh", "-c", "while :; do printf x; sleep 0.05; done"})
	require.NoError(t, err)
	defer p.Delete()

	timeout := 300 * time.Millisecond
	start := time.Now()
	disp, res, err := p.Recv("nothing_matches", &timeout)
	require.NoError(t, err)
	assert.Equal(t, RecvTimeout, res)
	assert.Empty(t, disp)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.NotEmpty(t, p.Flush())
}

func TestRecvNoRegexReturnsOutstanding(t *testing.T) {
	p := New(nil)
	_, err := p.Exec([]string{"/bin/sh", "-c", "sleep 5"})
	require.NoError(t, err)
	defer p.Delete()

	p.mu.Lock()
	p.out.data = []byte("pending")
	p.mu.Unlock()

	disp, res, err := p.Recv("", nil)
	require.NoError(t, err)
	assert.Equal(t, RecvData, res)
	assert.Equal(t, "pending", string(disp))
}

func TestRecvRejectsBadRegex(t *testing.T) {
	p := New(nil)
	_, err := p.Exec([]string{"/bin/sh", "-c", "sleep 5"})
	require.NoError(t, err)
	defer p.Delete()

	_, res, err := p.Recv("([", nil)
	assert.Equal(t, RecvError, res)
	assert.ErrorIs(t, err, ErrCompile)
}

// TestExecOnDeadResets checks the reuse path: DEAD -> exec -> INIT -> ALIVE,
// with the previous child's resources released.
func TestExecOnDeadResets(t *testing.T) {
	p := New(nil)
	_, err := p.Exec([]string{"/bin/sh", "-c", "exit 0"})
	require.NoError(t, err)

	w, err := p.Status(true)
	require.NoError(t, err)
	require.Equal(t, StateDead, p.State())
	assert.Equal(t, 0, w.ExitCode())

	pid, err := p.Exec([]string{"/bin/sh"})
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
	assert.Equal(t, StateAlive, p.State())
	p.Delete()
}

func TestDeleteNeverExecuted(t *testing.T) {
	p := New(nil)
	w, err := p.Delete()
	require.NoError(t, err)
	assert.Equal(t, 0, int(w))
	assert.Equal(t, StateDead, p.State())
}
