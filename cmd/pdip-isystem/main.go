// pdip-isystem – CLI around the embedded background-shell facade.
//
// Usage:
//
//	pdip-isystem <command...>   – run a command in the shared background
//	                               shell, exit with its exit status
//	pdip-isystem -i              – attach the local terminal directly to
//	                               the background shell's PTY for debugging
//
// pdip-isystem is a thin wrapper: the library lives in internal/bgshell,
// the same embedded system(3) replacement an in-process caller would use
// directly.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	creackpty "github.com/creack/pty"
	"github.com/ianremillard/pdip/internal/bgshell"
	"golang.org/x/term"
)

func main() {
	interactive := flag.Bool("i", false, "attach the terminal directly to the background shell's PTY")
	flag.Parse()

	defer bgshell.Close()

	if *interactive {
		if err := attach(); err != nil {
			fmt.Fprintf(os.Stderr, "pdip-isystem: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cmd := strings.Join(flag.Args(), " ")
	status, err := bgshell.Run("%s", cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdip-isystem: %v\n", err)
		os.Exit(1)
	}
	if status.Signaled() {
		fmt.Fprintf(os.Stderr, "pdip-isystem: %s\n", status.String())
		os.Exit(1)
	}
	os.Exit(status.ExitCode())
}

// attach puts the controlling terminal in raw mode and pipes it straight to
// the background shell's PTY master: no daemon, no wire framing, just a
// direct fd-to-fd copy (Ctrl-] detaches) for debugging what the background
// shell sees.
func attach() error {
	fd, err := bgshell.Fd()
	if err != nil {
		return fmt.Errorf("open background shell: %w", err)
	}
	ptmx := os.NewFile(uintptr(fd), "/dev/ptmx")

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	fmt.Fprintf(os.Stdout, "\r\n[pdip-isystem] attached (detach: Ctrl-])\r\n")

	// Keep the shell's PTY sized to the real terminal, once at attach time
	// and again on every SIGWINCH while attached.
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	resize := func() {
		cols, rows, err := term.GetSize(stdinFd)
		if err != nil {
			return
		}
		creackpty.Setsize(ptmx, &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	}
	resize()
	go func() {
		for range winchCh {
			resize()
		}
	}()

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	go func() {
		io.Copy(os.Stdout, ptmx)
		signalDone()
	}()

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == 0x1D {
						signalDone()
						return
					}
				}
				if _, werr := ptmx.Write(buf[:n]); werr != nil {
					signalDone()
					return
				}
			}
			if err != nil {
				signalDone()
				return
			}
		}
	}()

	<-done
	return nil
}
