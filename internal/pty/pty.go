// Package pty owns a single master/slave pseudo-terminal pair: allocation,
// line-discipline configuration, and the blocking read/write primitives the
// process-control object builds on.
package pty

import (
	"fmt"
	"os"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Channel is one master/slave PTY pair. The slave is closed in the parent
// immediately after the child execs onto it; only Master survives past Exec.
type Channel struct {
	Master *os.File
	slave  *os.File

	// peerAlive tracks whether the process on the other end of the slave is
	// still believed to be running, so callers can distinguish a transient
	// read error from the peer having gone away. The PCO updates this via
	// MarkPeerGone when a read from the master fails with anything other
	// than a timeout.
	peerAlive bool
}

// Open allocates a new master/slave pair and configures the master's line
// discipline so that LF is not translated to CRLF on output, required so
// that regexp `$`-anchors on the reader side behave predictably.
func Open() (*Channel, error) {
	master, slave, err := creackpty.Open()
	if err != nil {
		return nil, fmt.Errorf("pty: open: %w", err)
	}
	c := &Channel{Master: master, slave: slave, peerAlive: true}
	if err := c.clearONLCR(); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	return c, nil
}

// Slave returns the slave end, for wiring onto a child's stdin/stdout/stderr
// before exec. Callers must call CloseSlave in the parent right after the
// child has been started.
func (c *Channel) Slave() *os.File {
	return c.slave
}

// CloseSlave closes the parent's copy of the slave fd. The child keeps its
// own copy via dup onto stdin/stdout/stderr, so this does not affect it.
func (c *Channel) CloseSlave() error {
	if c.slave == nil {
		return nil
	}
	err := c.slave.Close()
	c.slave = nil
	return err
}

// clearONLCR turns off ONLCR on the master side. creack/pty does not expose
// termios tuning, so this reaches past it with golang.org/x/sys/unix.
func (c *Channel) clearONLCR() error {
	fd := int(c.Master.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("pty: get termios: %w", err)
	}
	t.Oflag &^= unix.ONLCR
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("pty: set termios: %w", err)
	}
	return nil
}

// Read blocks until at least one byte is available and returns the count
// read, same contract as io.Reader.
func (c *Channel) Read(buf []byte) (int, error) {
	return c.Master.Read(buf)
}

// Write writes every byte of buf, looping on short writes and retrying on
// EINTR, so that callers never have to handle partial writes themselves.
func (c *Channel) Write(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Master.Write(buf[total:])
		total += n
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, err
		}
	}
	return total, nil
}

// Resize changes the window size reported to the slave side.
func (c *Channel) Resize(cols, rows uint16) error {
	return creackpty.Setsize(c.Master, &creackpty.Winsize{Cols: cols, Rows: rows})
}

// MarkPeerGone records that the process on the other end of the slave is
// known to have exited, so subsequent I/O errors can be reported as
// "peer gone" rather than a transient failure.
func (c *Channel) MarkPeerGone() {
	c.peerAlive = false
}

// PeerAlive reports whether the counterpart process is still believed alive.
func (c *Channel) PeerAlive() bool {
	return c.peerAlive
}

// Close releases the master (and the slave, if still open in the parent).
func (c *Channel) Close() error {
	var err error
	if c.slave != nil {
		if e := c.slave.Close(); e != nil {
			err = e
		}
		c.slave = nil
	}
	if e := c.Master.Close(); e != nil {
		err = e
	}
	return err
}
