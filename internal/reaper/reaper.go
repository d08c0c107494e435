// Package reaper is the process-wide collector of child-exit notifications.
// It maps a dying pid to the registered Handle for that pid and lets it
// transition out of its "alive" state, in either of two modes: the library
// installs the SIGCHLD disposition itself (Internal), or the host installs
// its own handler and forwards events in (External).
//
// The registry is one mutex-guarded pid map; Handles keep their own state
// in atomics, so nothing here needs a signal-masking discipline: os/signal
// delivers SIGCHLD on an ordinary goroutine, never in true signal-handler
// context.
package reaper

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Mode selects who installs the SIGCHLD disposition.
type Mode int

const (
	// ModeInternal: the Registry installs signal.Notify itself and reaps
	// children on its own goroutine.
	ModeInternal Mode = iota
	// ModeExternal: the host owns signal.Notify and calls Deliver itself.
	ModeExternal
)

// Result is returned by Deliver in ModeExternal.
type Result int

const (
	Handled Result = iota
	Unknown
	Error
)

// Handle is implemented by anything that can be reaped: a pid to match
// against wait4(2), and a callback invoked once with the exit status.
type Handle interface {
	Pid() int
	MarkZombie(status syscall.WaitStatus)
}

// Registry is the process-wide pid -> Handle map plus (in ModeInternal) the
// goroutine that drains SIGCHLD.
type Registry struct {
	mu        sync.Mutex
	byPID     map[int]Handle
	unclaimed map[int]syscall.WaitStatus
	mode      Mode
	sigCh     chan os.Signal
	started   bool
}

// maxUnclaimed bounds the stash of exits reaped before their pid was
// registered; unrelated children reaped by an internal-mode registry would
// otherwise grow it without limit.
const maxUnclaimed = 128

// New returns an empty, unconfigured registry. Most callers use Default.
func New() *Registry {
	return &Registry{
		byPID:     make(map[int]Handle),
		unclaimed: make(map[int]syscall.WaitStatus),
	}
}

// Default is the process-wide registry used by internal/pco unless a test
// substitutes its own.
var Default = New()

// Configure selects the reaping mode. It is idempotent for ModeInternal: a
// second call does not install a second goroutine.
func (r *Registry) Configure(mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	if mode == ModeInternal && !r.started {
		r.sigCh = make(chan os.Signal, 16)
		signal.Notify(r.sigCh, syscall.SIGCHLD)
		r.started = true
		go r.run()
	}
}

// Register adds a Handle keyed by its current pid. If the child's exit was
// already reaped (it died between being started and this call, and run()'s
// wait4 consumed the zombie before the pid was in the map), the stashed
// status is claimed here and the Handle is marked zombie immediately
// instead of being registered: no further SIGCHLD for that pid will ever
// arrive.
func (r *Registry) Register(h Handle) {
	pid := h.Pid()
	r.mu.Lock()
	ws, pending := r.unclaimed[pid]
	if pending {
		delete(r.unclaimed, pid)
	} else {
		r.byPID[pid] = h
	}
	r.mu.Unlock()
	if pending {
		h.MarkZombie(ws)
	}
}

// Unregister removes a pid from the registry, e.g. once its Handle has been
// deleted or is about to re-Exec.
func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPID, pid)
}

// run is the ModeInternal goroutine: on every SIGCHLD, non-blocking-reap
// every exited child and dispatch each to its registered Handle.
func (r *Registry) run() {
	for range r.sigCh {
		for {
			var ws syscall.WaitStatus
			pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}
			r.dispatch(pid, ws)
		}
	}
}

// dispatch hands a reaped exit to the pid's Handle. A miss stashes the
// status instead of dropping it, so a Register racing this call still finds
// the exit waiting (the stash is claimed in Register). Entries for pids
// that are never registered — unrelated children of an internal-mode
// process — are evicted once the stash is full.
func (r *Registry) dispatch(pid int, ws syscall.WaitStatus) bool {
	r.mu.Lock()
	h, ok := r.byPID[pid]
	if ok {
		delete(r.byPID, pid)
	} else {
		if len(r.unclaimed) >= maxUnclaimed {
			for k := range r.unclaimed {
				delete(r.unclaimed, k)
				break
			}
		}
		r.unclaimed[pid] = ws
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.MarkZombie(ws)
	return true
}

// Deliver is the ModeExternal entry point: the host calls this from its own
// SIGCHLD handling path (a goroutine reading its own signal.Notify channel,
// since Go never runs application code in true signal-handler context) with
// the already-reaped pid and status.
func (r *Registry) Deliver(pid int, ws syscall.WaitStatus) Result {
	if r.dispatch(pid, ws) {
		return Handled
	}
	return Error
}
