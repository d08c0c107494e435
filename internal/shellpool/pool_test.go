package shellpool

import (
	"net"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func readUntilEOC(t *testing.T, conn net.Conn) (display []byte, status int32) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		f, err := ReadFrame(conn)
		require.NoError(t, err)
		switch f.Type {
		case FrameDisplay:
			display = append(display, f.Payload...)
		case FrameEOC:
			return display, f.Status
		case FrameBusy:
			return nil, -2 // sentinel distinct from any real status
		default:
			t.Fatalf("unexpected frame type %d", f.Type)
		}
	}
}

// TestDispatcherRoundTrip runs two clients against a two-shell pool: each
// submits a command and gets an EOC(0), with a doneN line among the DISPLAY
// frames that precede it.
func TestDispatcherRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "pdipd.sock")
	cfg.Affinity = ":" // two shells, both all-CPU

	pool, err := NewPool(cfg)
	require.NoError(t, err)
	defer pool.Close()
	go pool.Serve()
	waitForSocket(t, cfg.SocketPath)

	results := make(chan struct {
		display []byte
		status  int32
	}, 2)

	run := func(cmd string) {
		conn, err := net.Dial("unix", cfg.SocketPath)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, WriteFrame(conn, Frame{Type: FrameCmd, Payload: []byte(cmd)}))
		disp, status := readUntilEOC(t, conn)
		results <- struct {
			display []byte
			status  int32
		}{disp, status}
	}

	go run("sleep 1; echo done1")
	go run("sleep 1; echo done2")

	re := regexp.MustCompile(`done[12]`)
	for i := 0; i < 2; i++ {
		r := <-results
		require.Equal(t, int32(0), r.status)
		require.True(t, re.Match(r.display), "display %q should mention doneN", r.display)
	}
}

// TestDispatcherSaturation: with only one shell, a second command arriving
// while the first is still in flight gets BUSY instead of queueing.
func TestDispatcherSaturation(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "pdipd.sock")
	cfg.Affinity = "" // one shell

	pool, err := NewPool(cfg)
	require.NoError(t, err)
	defer pool.Close()
	go pool.Serve()
	waitForSocket(t, cfg.SocketPath)

	connA, err := net.Dial("unix", cfg.SocketPath)
	require.NoError(t, err)
	defer connA.Close()
	require.NoError(t, WriteFrame(connA, Frame{Type: FrameCmd, Payload: []byte("sleep 1; echo doneA")}))

	// Give the dispatch loop a moment to bind shell A before B arrives, so
	// the saturation is deterministic rather than a race between the two.
	time.Sleep(100 * time.Millisecond)

	connB, err := net.Dial("unix", cfg.SocketPath)
	require.NoError(t, err)
	defer connB.Close()
	require.NoError(t, WriteFrame(connB, Frame{Type: FrameCmd, Payload: []byte("echo doneB")}))

	_, statusB := readUntilEOC(t, connB)
	require.Equal(t, int32(-2), statusB, "second client should have been told BUSY")

	dispA, statusA := readUntilEOC(t, connA)
	require.Equal(t, int32(0), statusA)
	require.Contains(t, string(dispA), "doneA")
}
