// Package pco implements the process control object: the user-visible handle
// for one child process driven over a pseudo-terminal. It composes
// internal/pty (the PTY channel) and internal/reaper (async SIGCHLD
// collection) into the exec/send/recv/flush/sig/status/delete surface.
package pco

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ianremillard/pdip/internal/pdipstatus"
	"github.com/ianremillard/pdip/internal/pty"
	"github.com/ianremillard/pdip/internal/reaper"
)

// State is one of the four lifecycle states a PCO moves through.
type State int32

const (
	StateInit State = iota
	StateAlive
	StateZombie
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAlive:
		return "ALIVE"
	case StateZombie:
		return "ZOMBIE"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// RecvResult is Recv's outcome: the regex matched (Found), data arrived
// without a match (Data), the wait expired (Timeout), or the call failed
// (Error).
type RecvResult int

const (
	RecvFound RecvResult = iota
	RecvData
	RecvTimeout
	RecvError
)

// Sentinel errors, exported so callers and the dispatcher can errors.Is them.
var (
	ErrBusy            = errors.New("pco: object already has a live process")
	ErrNotAlive        = errors.New("pco: object is not alive")
	ErrZombie          = errors.New("pco: process is dead but not yet reaped")
	ErrNotFound        = errors.New("pco: no child pid associated with this object")
	ErrTimeout         = errors.New("pco: status would block")
	ErrInvalidArgument = errors.New("pco: invalid argument")
	ErrCompile         = errors.New("pco: regex compile error")
	ErrPeerGone        = errors.New("pco: peer process is gone")
	ErrSendTooLong     = errors.New("pco: formatted command exceeds the send buffer limit")
)

// maxSendBuf bounds Send's formatted buffer.
const maxSendBuf = 8192

// outstanding is the reception buffer: bytes read from the PTY but not yet
// returned to a caller. Length-terminated; nothing ever reads past
// len(data).
type outstanding struct {
	data []byte
}

// append adds p to the outstanding buffer, growing capacity in multiples of
// increment rather than letting append's doubling strategy pick an
// arbitrary size. The increment is Config.BufResizeIncrement.
func (o *outstanding) append(p []byte, increment int) {
	need := len(o.data) + len(p)
	if cap(o.data) < need {
		grown := cap(o.data)
		for grown < need {
			grown += increment
		}
		nd := make([]byte, len(o.data), grown)
		copy(nd, o.data)
		o.data = nd
	}
	o.data = append(o.data, p...)
}

func (o *outstanding) reset() []byte {
	d := o.data
	o.data = nil
	return d
}

// PCO is the process control object. Mutable fields are all guarded by mu
// except state/pid/exit, which the reaper may write concurrently and which
// are therefore plain atomics.
type PCO struct {
	cfg Config

	argv []string

	state atomic.Int32
	pid   atomic.Int64
	exit  atomic.Uint32 // encoded pdipstatus.Word once Zombie/Dead

	mu       sync.Mutex
	channel  *pty.Channel
	cmd      *exec.Cmd
	out      outstanding
	lastRead scratch

	registry *reaper.Registry

	errLog *logAdapter
	dbgLog *logAdapter
}

type logAdapter struct{ l interface{ Printf(string, ...any) } }

func (a *logAdapter) Printf(format string, args ...any) {
	if a == nil || a.l == nil {
		return
	}
	a.l.Printf(format, args...)
}

// New allocates a PCO in state INIT. A nil cfg uses DefaultConfig().
func New(cfg *Config) *PCO {
	var c Config
	if cfg != nil {
		c = *cfg
	} else {
		c = DefaultConfig()
	}
	c.normalize()
	if c.Affinity != nil {
		c.Affinity = c.Affinity.Clone()
	}
	p := &PCO{cfg: c, registry: reaper.Default}
	p.state.Store(int32(StateInit))
	p.errLog = &logAdapter{l: c.errLogger()}
	p.dbgLog = &logAdapter{l: c.dbgLogger(c.DebugLevel)}
	return p
}

// Configure selects the process-wide reaper mode and the initial debug
// level.
func Configure(mode reaper.Mode, debugLevel int) {
	reaper.Default.Configure(mode)
	globalDebugLevel.Store(int32(debugLevel))
}

// DeliverExit is the ModeExternal entry point for a host that installs its
// own SIGCHLD handling and forwards events into this package.
func DeliverExit(pid int, ws syscall.WaitStatus) reaper.Result {
	return reaper.Default.Deliver(pid, ws)
}

var globalDebugLevel atomic.Int32

// SetDebugLevel sets the debug level for a specific PCO (non-nil) or the
// process-wide default (nil).
func SetDebugLevel(p *PCO, level int) {
	if p == nil {
		globalDebugLevel.Store(int32(level))
		return
	}
	p.mu.Lock()
	p.cfg.DebugLevel = level
	p.mu.Unlock()
	p.dbgLog = &logAdapter{l: p.cfg.dbgLogger(level)}
}

// State returns the current lifecycle state, read atomically so it is safe
// to call concurrently with the reaper.
func (p *PCO) State() State {
	return State(p.state.Load())
}

// Pid returns the current child pid, or 0 if none.
func (p *PCO) Pid() int {
	return int(p.pid.Load())
}

// reaper.Handle implementation: called from the registry's goroutine when
// this pid's child has exited.
func (p *PCO) MarkZombie(ws syscall.WaitStatus) {
	p.exit.Store(uint32(pdipstatus.FromWaitStatus(ws)))
	p.state.Store(int32(StateZombie))
}

// Exec spawns argv[0] with argv[1:] as its arguments, attached to a fresh
// PTY. Preconditions: state is INIT or DEAD. Rejects ALIVE (busy) and
// ZOMBIE (status/delete needed first).
func (p *PCO) Exec(argv []string) (int, error) {
	return p.ExecEnv(argv, nil)
}

// ExecEnv is Exec with additional environment variables ("KEY=value") laid
// on top of the current process's environment before the child is started.
// The shell-pool dispatcher and the background shell use this to set PS1
// ahead of the exec, so that the shell's very first prompt is already the
// token they synchronize on.
func (p *PCO) ExecEnv(argv []string, extraEnv []string) (int, error) {
	if len(argv) == 0 || argv[0] == "" {
		return 0, ErrInvalidArgument
	}

	state := p.State()
	switch state {
	case StateAlive:
		return 0, ErrBusy
	case StateZombie:
		return 0, ErrZombie
	case StateDead:
		// Reusing the object: drop whatever the previous child left behind.
		// The channel may still be open here if Status reaped the child
		// without a Delete.
		p.mu.Lock()
		if p.channel != nil {
			p.channel.Close()
			p.channel = nil
		}
		p.cmd = nil
		p.out.reset()
		p.mu.Unlock()
		p.state.Store(int32(StateInit))
	case StateInit:
		// Nothing to clean up.
	default:
		return 0, ErrInvalidArgument
	}

	ch, err := pty.Open()
	if err != nil {
		return 0, fmt.Errorf("pco: exec: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	slave := ch.Slave()
	cmd.Stdin = slave
	cmd.Stdout = slave
	if p.cfg.Flags&FlagErrRedirect != 0 {
		cmd.Stderr = slave
	} else {
		// Without the redirect the child's stderr stays on the parent's, as
		// a raw fork would leave it; os/exec's nil default is /dev/null.
		cmd.Stderr = os.Stderr
	}
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	p.mu.Lock()
	p.argv = append([]string(nil), argv...)
	p.channel = ch
	p.mu.Unlock()

	if err := cmd.Start(); err != nil {
		ch.Close()
		return 0, fmt.Errorf("pco: exec: start: %w", err)
	}

	pid := cmd.Process.Pid
	ch.CloseSlave()

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()
	p.pid.Store(int64(pid))

	if p.cfg.Affinity != nil && !p.cfg.Affinity.Empty() {
		if err := p.cfg.Affinity.applyToPID(pid); err != nil {
			p.errLog.Printf("exec: applying affinity to pid %d: %v", pid, err)
		}
	}

	// Register claims any exit the registry's run() loop has already reaped
	// for this pid: a child that dies (or fails its exec) between Start and
	// here has its status stashed by the registry rather than dropped, and
	// Register marks this object zombie with it on the spot. os/exec's
	// Cmd.Wait is deliberately never called, since a second independent
	// reaper would race the registry for the same kernel zombie.
	p.registry.Register(p)

	// The reaper may already have moved us to ZOMBIE if the child died (or
	// failed exec) before we got here; only promote to ALIVE if it hasn't.
	p.state.CompareAndSwap(int32(StateInit), int32(StateAlive))

	return pid, nil
}

// Send formats fmtStr with args and writes it through the PTY channel.
// Requires ALIVE.
func (p *PCO) Send(fmtStr string, args ...any) (int, error) {
	if p.State() != StateAlive {
		return 0, ErrNotAlive
	}
	msg := fmt.Sprintf(fmtStr, args...)
	if len(msg) > maxSendBuf {
		return 0, ErrSendTooLong
	}
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		return 0, ErrNotAlive
	}
	n, err := ch.Write([]byte(msg))
	if err != nil {
		return n, fmt.Errorf("pco: send: %w", err)
	}
	return n, nil
}

// Flush transfers ownership of the current outstanding buffer to the
// caller. Idempotent: a second call returns a zero-length slice.
func (p *PCO) Flush() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.reset()
}

// Fd returns the PTY master file descriptor, for callers that want to do
// their own I/O on the PTY instead of going through Recv (bgshell.Fd's
// debug attach). Requires ALIVE.
func (p *PCO) Fd() (int, error) {
	if p.State() != StateAlive {
		return -1, ErrNotAlive
	}
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		return -1, ErrNotAlive
	}
	return int(ch.Master.Fd()), nil
}

// OnFork clears this PCO's registration with the process-wide reaper and
// drops its channel, without touching the child process itself. Call this
// in a child produced by a host-managed fork-equivalent (a re-exec of this
// binary) that must not believe it controls the parent's children. There is
// no literal fork(2) hook in Go; callers invoke this explicitly instead of
// relying on a pthread_atfork-style callback.
func (p *PCO) OnFork() {
	p.registry.Unregister(p.Pid())
	p.mu.Lock()
	p.channel = nil
	p.cmd = nil
	p.out.reset()
	p.mu.Unlock()
	p.state.Store(int32(StateInit))
	p.pid.Store(0)
}

// Reinitialize re-arms the process-wide reaper in Internal mode. Call after
// OnFork in a child process that wants PDIP service of its own.
func Reinitialize() {
	reaper.Default.Configure(reaper.ModeInternal)
}

// Sig delivers signum to the child. Requires ALIVE.
func (p *PCO) Sig(signum syscall.Signal) error {
	if p.State() != StateAlive {
		return ErrNotAlive
	}
	pid := p.Pid()
	if pid <= 0 {
		return ErrNotFound
	}
	if err := syscall.Kill(pid, signum); err != nil {
		return fmt.Errorf("pco: sig: %w", err)
	}
	return nil
}

// Status reports the child's exit word. DEAD returns the stored word
// immediately; ZOMBIE reaps synchronously (regardless of blocking) and
// transitions to DEAD; ALIVE either blocks for exit or returns ErrTimeout
// ("would block") depending on blocking.
func (p *PCO) Status(blocking bool) (pdipstatus.Word, error) {
	switch p.State() {
	case StateDead:
		return pdipstatus.Word(p.exit.Load()), nil

	case StateZombie:
		w := pdipstatus.Word(p.exit.Load())
		p.registry.Unregister(p.Pid())
		p.state.Store(int32(StateDead))
		return w, nil

	case StateAlive:
		if !blocking {
			return 0, ErrTimeout
		}
		p.waitForZombie()
		w := pdipstatus.Word(p.exit.Load())
		p.registry.Unregister(p.Pid())
		p.state.Store(int32(StateDead))
		return w, nil

	default:
		return 0, ErrInvalidArgument
	}
}

// waitForZombie polls the atomic state until the reaper has moved it to
// ZOMBIE. The registry's own goroutine (not this caller) performs the
// actual wait4, so there is nothing to block on here but the state itself.
func (p *PCO) waitForZombie() {
	for p.State() == StateAlive {
		time.Sleep(time.Millisecond)
	}
}

// Delete terminates the child if still alive (SIGTERM, grace period,
// SIGKILL), reaps it if ZOMBIE, unlinks it from the registry, and returns
// the final exit word. Safe to call from INIT (never executed) or DEAD.
func (p *PCO) Delete() (pdipstatus.Word, error) {
	switch p.State() {
	case StateAlive:
		pid := p.Pid()
		_ = syscall.Kill(pid, syscall.SIGTERM)
		time.Sleep(p.cfg.TerminationGrace)
		if p.State() == StateAlive {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		p.waitForZombie()
		fallthrough
	case StateZombie:
		p.registry.Unregister(p.Pid())
	}
	p.state.Store(int32(StateDead))

	w := pdipstatus.Word(p.exit.Load())

	p.mu.Lock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	p.out.reset()
	p.mu.Unlock()

	return w, nil
}

// rawRead is the low-level PTY read used by Recv; it records peer-gone on
// any read error so the caller can distinguish "no bytes, no error" from
// "no bytes, peer gone."
func (p *PCO) rawRead(buf []byte) (int, error) {
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		return 0, ErrNotAlive
	}
	n, err := ch.Read(buf)
	if err != nil {
		ch.MarkPeerGone()
	}
	return n, err
}

// Recv is the regex-synchronized receive pipeline. regex == "" means no
// synchronization: outstanding data (if any) is returned immediately,
// otherwise a read is attempted (blocking without a timeout, select-bounded
// with one). A non-empty regex follows the match/read/retry loop below,
// honoring the receive-on-the-flow flag and the configured growth increment.
// The timeout bounds the whole call, not each individual read: a child that
// dribbles bytes without ever matching still gets RecvTimeout once the
// budget is spent, with everything read so far left outstanding.
func (p *PCO) Recv(pattern string, timeout *time.Duration) ([]byte, RecvResult, error) {
	p.mu.Lock()
	if p.channel == nil {
		p.mu.Unlock()
		return nil, RecvError, ErrNotAlive
	}
	p.mu.Unlock()

	if pattern == "" {
		return p.recvNoRegex(timeout)
	}

	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return nil, RecvError, fmt.Errorf("%w: %v", ErrCompile, err)
	}

	var deadline time.Time
	if timeout != nil {
		deadline = time.Now().Add(*timeout)
	}

	for {
		if disp, ok := p.matchOutstanding(re); ok {
			return disp, RecvFound, nil
		}

		wait := timeout
		if timeout != nil {
			left := time.Until(deadline)
			if left <= 0 {
				return nil, RecvTimeout, nil
			}
			wait = &left
		}

		n, rerr := p.readOnce(wait)
		if n > 0 {
			p.mu.Lock()
			p.out.append(p.lastRead[:n], p.cfg.BufResizeIncrement)
			p.mu.Unlock()

			if disp, ok := p.matchOutstanding(re); ok {
				return disp, RecvFound, nil
			}

			if p.cfg.Flags&FlagRecvOnTheFlow != 0 {
				if disp, ok := p.flushCompleteLines(); ok {
					return disp, RecvData, nil
				}
			}
		}

		if rerr != nil {
			if errors.Is(rerr, errTimedOut) {
				return nil, RecvTimeout, nil
			}
			p.mu.Lock()
			pending := len(p.out.data)
			p.mu.Unlock()
			if pending > 0 {
				return p.Flush(), RecvData, nil
			}
			return nil, RecvError, fmt.Errorf("%w: %v", ErrPeerGone, rerr)
		}
	}
}

// errTimedOut is returned internally by readOnce when a select-style wait
// expires without data; it never escapes the package.
var errTimedOut = errors.New("pco: read timed out")

// lastRead is a per-PCO scratch buffer for readOnce's result. It is not
// guarded separately from mu because readOnce/Recv are documented
// single-caller: concurrent Recv calls on one PCO are a caller error.
type scratch = [4096]byte

func (p *PCO) readOnce(timeout *time.Duration) (int, error) {
	if timeout == nil {
		return p.rawRead(p.lastRead[:])
	}

	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		return 0, ErrNotAlive
	}

	deadline := time.Now().Add(*timeout)
	if err := ch.Master.SetReadDeadline(deadline); err != nil {
		// Not all platforms/file kinds support deadlines on a PTY master;
		// fall back to a goroutine-based bound.
		return p.readWithGoroutineTimeout(*timeout)
	}
	defer ch.Master.SetReadDeadline(time.Time{})

	n, err := ch.Read(p.lastRead[:])
	if err != nil {
		if os.IsTimeout(err) {
			return n, errTimedOut
		}
		ch.MarkPeerGone()
		return n, err
	}
	return n, nil
}

func (p *PCO) readWithGoroutineTimeout(timeout time.Duration) (int, error) {
	type res struct {
		n   int
		err error
	}
	done := make(chan res, 1)
	go func() {
		n, err := p.rawRead(p.lastRead[:])
		done <- res{n, err}
	}()
	select {
	case r := <-done:
		return r.n, r.err
	case <-time.After(timeout):
		return 0, errTimedOut
	}
}

// matchOutstanding searches the outstanding buffer for re; on match it
// splits at match end, returns the prefix (through the match) as display,
// and keeps the suffix as the new outstanding buffer. A zero-length match
// is nudged one byte past its position, wherever it lands, to guarantee
// forward progress.
func (p *PCO) matchOutstanding(re *regexp.Regexp) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data := p.out.data
	if len(data) == 0 {
		return nil, false
	}

	loc := re.FindIndex(data)
	if loc == nil {
		return nil, false
	}

	end := loc[1]
	if loc[0] == loc[1] && end < len(data) {
		end++
	}

	display := make([]byte, end)
	copy(display, data[:end])

	remainder := make([]byte, len(data)-end)
	copy(remainder, data[end:])
	p.out.data = remainder

	return display, true
}

// flushCompleteLines implements RECV_ON_THE_FLOW: if the outstanding buffer
// holds at least one complete line (terminated by LF) but the regex hasn't
// matched, return everything up to and including the last LF, keeping any
// trailing partial line outstanding.
func (p *PCO) flushCompleteLines() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := bytes.LastIndexByte(p.out.data, '\n')
	if idx < 0 {
		return nil, false
	}

	display := make([]byte, idx+1)
	copy(display, p.out.data[:idx+1])

	remainder := make([]byte, len(p.out.data)-(idx+1))
	copy(remainder, p.out.data[idx+1:])
	p.out.data = remainder

	return display, true
}

// recvNoRegex implements the regex == "" branch of the Recv behavior
// matrix: flush outstanding data if any; otherwise a bare read, blocking
// or select-bounded depending on timeout.
func (p *PCO) recvNoRegex(timeout *time.Duration) ([]byte, RecvResult, error) {
	if pending := p.Flush(); len(pending) > 0 {
		return pending, RecvData, nil
	}

	n, err := p.readOnce(timeout)
	if n > 0 {
		buf := make([]byte, n)
		copy(buf, p.lastRead[:n])
		return buf, RecvData, nil
	}
	if err != nil {
		if errors.Is(err, errTimedOut) {
			return nil, RecvTimeout, nil
		}
		return nil, RecvError, fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	return nil, RecvData, nil
}
