// pdip-rsystem – CLI client for the pdipd shell-pool dispatcher.
//
// Usage:
//
//	pdip-rsystem <command...>
//
// Connects to the dispatcher named by PDIPD_SOCKET (or the conventional
// default path), submits the command line, streams its output to stdout as
// it arrives, and exits with the command's system(3)-shaped status. A busy
// dispatcher (no free shell) is reported and exits non-zero rather than
// blocking.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ianremillard/pdip/internal/rsysclient"
)

func main() {
	flag.Parse()
	cmd := strings.Join(flag.Args(), " ")

	status, err := rsysclient.Run(os.Stdout, "%s", cmd)
	if err != nil {
		switch {
		case errors.Is(err, rsysclient.ErrBusy):
			fmt.Fprintln(os.Stderr, "pdip-rsystem: dispatcher is busy")
			os.Exit(1)
		case errors.Is(err, rsysclient.ErrOOM):
			fmt.Fprintln(os.Stderr, "pdip-rsystem: dispatcher is out of resources")
			os.Exit(1)
		default:
			fmt.Fprintf(os.Stderr, "pdip-rsystem: %v\n", err)
			os.Exit(1)
		}
	}

	if status.Signaled() {
		fmt.Fprintf(os.Stderr, "pdip-rsystem: %s\n", status.String())
		os.Exit(1)
	}
	os.Exit(status.ExitCode())
}
