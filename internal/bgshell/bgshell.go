// Package bgshell is the embedded system(3) replacement: one long-lived
// background shell per process, reused across calls instead of forking a
// fresh shell for every command.
package bgshell

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ianremillard/pdip/internal/pco"
	"github.com/ianremillard/pdip/internal/pdipstatus"
	"github.com/ianremillard/pdip/internal/reaper"
)

// TimeoutEnv overrides the receive timeout (seconds) used while waiting for
// the shell's prompt.
const TimeoutEnv = "PDIP_ISYSTEM_TIMEOUT"

// defaultTimeout is used when TimeoutEnv is unset or invalid.
const defaultTimeout = 10 * time.Second

const promptToken = "PDIP_ISYSTEM> "

var promptRe = regexp.MustCompile("^" + regexp.QuoteMeta(promptToken) + "$")

var (
	mu      sync.Mutex
	shell   *pco.PCO
	timeout time.Duration
)

// Init starts the background shell. Safe to call more than once: a second
// call on an already-running shell is a no-op.
func Init() error {
	mu.Lock()
	defer mu.Unlock()
	if shell != nil {
		return nil
	}
	return initLocked()
}

func initLocked() error {
	timeout = readTimeout()

	reaper.Default.Configure(reaper.ModeInternal)

	cfg := pco.DefaultConfig()
	cfg.Flags = pco.FlagErrRedirect | pco.FlagRecvOnTheFlow

	s := pco.New(&cfg)
	if _, err := s.ExecEnv([]string{"/bin/sh"}, []string{"PS1=" + promptToken}); err != nil {
		return fmt.Errorf("bgshell: exec /bin/sh: %w", err)
	}

	if err := waitPrompt(s); err != nil {
		s.Delete()
		return fmt.Errorf("bgshell: first prompt: %w", err)
	}
	if _, err := s.Send("stty -echo\n"); err != nil {
		s.Delete()
		return fmt.Errorf("bgshell: stty -echo: %w", err)
	}
	if err := waitPrompt(s); err != nil {
		s.Delete()
		return fmt.Errorf("bgshell: post-stty prompt: %w", err)
	}

	shell = s
	return nil
}

func readTimeout() time.Duration {
	if v := os.Getenv(TimeoutEnv); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultTimeout
}

func waitPrompt(s *pco.PCO) error {
	for {
		_, res, err := s.Recv(promptRe.String(), nil)
		if err != nil {
			return err
		}
		switch res {
		case pco.RecvFound:
			return nil
		case pco.RecvData:
			continue
		default:
			return fmt.Errorf("unexpected recv result %v", res)
		}
	}
}

// Run formats fmtStr/args as a command line, submits it to the background
// shell, and returns its system(3)-shaped status word. An empty fmtStr just
// reports the shell is reachable, matching system(3)'s NULL-command probe.
func Run(fmtStr string, args ...any) (pdipstatus.Word, error) {
	mu.Lock()
	defer mu.Unlock()

	if shell == nil {
		if err := initLocked(); err != nil {
			return 0, err
		}
	}

	if fmtStr == "" {
		return 0, nil
	}

	cmd := strings.TrimRight(fmt.Sprintf(fmtStr, args...), " \t\n\r")
	if cmd == "" {
		return 0, nil
	}

	t := timeout
	if _, err := shell.Send("%s\n", cmd); err != nil {
		return 0, fmt.Errorf("bgshell: send: %w", err)
	}

	if err := recvUntilPrompt(&t); err != nil {
		return 0, fmt.Errorf("bgshell: awaiting command output: %w", err)
	}

	if _, err := shell.Send("echo $?\n"); err != nil {
		return 0, fmt.Errorf("bgshell: send status probe: %w", err)
	}

	data, err := recvStatusLine(&t)
	if err != nil {
		return 0, fmt.Errorf("bgshell: awaiting status: %w", err)
	}

	fields := strings.Fields(data)
	if len(fields) == 0 {
		return 0, fmt.Errorf("bgshell: no status in %q", data)
	}
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("bgshell: parsing status %q: %w", data, err)
	}
	return pdipstatus.FromShellWord(n), nil
}

// recvUntilPrompt drains output until the prompt reappears, between
// sending a command and sending the "echo $?" status probe.
func recvUntilPrompt(t *time.Duration) error {
	for {
		_, res, err := shell.Recv(promptRe.String(), t)
		if err != nil {
			return err
		}
		switch res {
		case pco.RecvFound:
			return nil
		case pco.RecvData:
			continue
		case pco.RecvTimeout:
			return fmt.Errorf("timed out waiting for prompt")
		}
	}
}

// recvStatusLine waits for the prompt again and returns everything seen
// before it, prompt stripped. The shell runs with RECV_ON_THE_FLOW, so the
// digits "echo $?" prints can come back as a complete-line DATA block ahead
// of the prompt's FOUND; both are accumulated here.
func recvStatusLine(t *time.Duration) (string, error) {
	var acc []byte
	for {
		disp, res, err := shell.Recv(promptRe.String(), t)
		if err != nil {
			return "", err
		}
		switch res {
		case pco.RecvFound:
			acc = append(acc, disp...)
			line := strings.TrimSuffix(string(acc), promptToken)
			return strings.TrimSpace(line), nil
		case pco.RecvData:
			acc = append(acc, disp...)
		case pco.RecvTimeout:
			return "", fmt.Errorf("timed out waiting for status")
		}
	}
}

// OnFork drops this process's background shell without touching the child
// process: a forked copy of this binary must not believe it drives the
// parent's shell. Called explicitly from a host's fork equivalent; Go has
// no pthread_atfork-style hook.
func OnFork() {
	mu.Lock()
	defer mu.Unlock()
	if shell != nil {
		shell.OnFork()
		shell = nil
	}
}

// Fd exposes the background shell's PTY master file descriptor for a direct,
// unmediated debug attach (see cmd/pdip-isystem's -i flag). Bypasses the
// regex-driven Recv pipeline entirely, so a caller using this must not also
// call Run concurrently.
func Fd() (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if shell == nil {
		if err := initLocked(); err != nil {
			return 0, err
		}
	}
	return shell.Fd()
}

// Close terminates the background shell, if running.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if shell != nil {
		shell.Delete()
		shell = nil
	}
}
