// Package rsysclient is the thin network client for the shellpool dispatcher:
// connect to its Unix socket, submit one command, stream DISPLAY frames to a
// writer, and return the EOC status.
package rsysclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/ianremillard/pdip/internal/pdipstatus"
	"github.com/ianremillard/pdip/internal/shellpool"
)

// SocketPathEnv overrides the dispatcher endpoint path.
const SocketPathEnv = "PDIPD_SOCKET"

// defaultSocketPath is used when SocketPathEnv is unset.
const defaultSocketPath = "/var/run/pdipd.sock"

// ErrBusy is returned when the dispatcher has no free shell.
var ErrBusy = errors.New("rsysclient: dispatcher is busy")

// ErrOOM is returned when the dispatcher could not allocate resources for
// the request.
var ErrOOM = errors.New("rsysclient: dispatcher is out of memory")

func socketPath() string {
	if v := os.Getenv(SocketPathEnv); v != "" {
		return v
	}
	return defaultSocketPath
}

// Run submits a formatted command line to the dispatcher named by
// PDIPD_SOCKET (or the conventional default path), streaming DISPLAY
// payloads to out as they arrive, and returns the command's
// system(3)-shaped exit status once the dispatcher sends EOC.
//
// An empty command (the system(3) "is a shell available" probe) connects,
// confirms the dispatcher is reachable, and returns a zero status without
// submitting anything.
func Run(out io.Writer, fmtStr string, args ...any) (pdipstatus.Word, error) {
	conn, err := net.Dial("unix", socketPath())
	if err != nil {
		return 0, fmt.Errorf("rsysclient: connect: %w", err)
	}
	defer conn.Close()

	if fmtStr == "" {
		return 0, nil
	}

	cmd := strings.TrimRight(fmt.Sprintf(fmtStr, args...), " \t\n\r")
	if cmd == "" {
		return 0, nil
	}

	if err := shellpool.WriteFrame(conn, shellpool.Frame{
		Type:    shellpool.FrameCmd,
		Payload: []byte(cmd),
	}); err != nil {
		return 0, fmt.Errorf("rsysclient: send command: %w", err)
	}

	for {
		f, err := shellpool.ReadFrame(conn)
		if err != nil {
			return 0, fmt.Errorf("rsysclient: read response: %w", err)
		}

		switch f.Type {
		case shellpool.FrameDisplay:
			if out != nil {
				if _, err := out.Write(f.Payload); err != nil {
					return 0, fmt.Errorf("rsysclient: write display: %w", err)
				}
			}
		case shellpool.FrameEOC:
			return decodeEOCStatus(f.Status), nil
		case shellpool.FrameBusy:
			return 0, ErrBusy
		case shellpool.FrameOOM:
			return 0, ErrOOM
		default:
			return 0, fmt.Errorf("rsysclient: unexpected frame type %d", f.Type)
		}
	}
}

// decodeEOCStatus reinterprets the EOC header's status int32: the dispatcher
// already encodes it through pdipstatus before sending (see
// internal/shellpool's parseShellStatus), so this is a bit-for-bit
// reinterpretation, not a second encoding pass.
func decodeEOCStatus(status int32) pdipstatus.Word {
	return pdipstatus.Word(uint32(status))
}
