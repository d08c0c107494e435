package shellpool

import (
	"net"
	"time"
)

// gracefulCloser is the dispatcher's graceful-close helper: when the
// dispatch loop wants to drop a client whose last write (a BUSY frame) may
// not have reached the peer yet, it hands the connection here instead of
// closing it directly. Each pending close gets its own goroutine, bounded
// by the configured timeout and force-closing on expiry.
type gracefulCloser struct {
	timeout time.Duration
}

func newGracefulCloser(timeout time.Duration) *gracefulCloser {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &gracefulCloser{timeout: timeout}
}

// writeThenClose writes f to conn, then waits up to g.timeout for the peer
// to close its end (or send anything, which this protocol does not expect)
// before force-closing locally.
func (g *gracefulCloser) writeThenClose(conn net.Conn, f Frame) {
	WriteFrame(conn, f)
	go func() {
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(g.timeout))
		buf := make([]byte, 1)
		conn.Read(buf)
	}()
}
