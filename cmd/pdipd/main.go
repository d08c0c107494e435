// pdipd – the shell-pool dispatcher daemon.
//
// Usage:
//
//	pdipd [--config <file>] [--socket <path>] [--affinity <spec>]
//
// pdipd boots a pool of pre-forked shells (one per affinity field, see
// internal/shellpool.ParseAffinities) and listens on a Unix domain socket
// for rsystem-style clients. It is normally started once per host; clients
// reach it through internal/rsysclient.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ianremillard/pdip/internal/shellpool"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	socketPath := flag.String("socket", "", "override the listening socket path (env: "+shellpool.SocketPathEnv+")")
	affinity := flag.String("affinity", "", "override the shell-affinity spec (env: "+shellpool.AffinityEnv+")")
	flag.Parse()

	cfg, err := shellpool.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("pdipd: config: %v", err)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *affinity != "" {
		cfg.Affinity = *affinity
	}

	pool, err := shellpool.NewPool(cfg)
	if err != nil {
		log.Fatalf("pdipd: boot shell pool: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("pdipd: received %v, shutting down", sig)
		pool.Close()
		os.Exit(0)
	}()

	log.Printf("pdipd: listening on %s", cfg.SocketPath)
	if err := pool.Serve(); err != nil {
		log.Fatalf("pdipd: serve: %v", err)
	}
}
