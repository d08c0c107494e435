package shellpool

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultSocketPath is used when neither the config file nor the
// environment variable names an endpoint.
const defaultSocketPath = "/var/run/pdipd.sock"

// SocketPathEnv overrides the dispatcher endpoint path.
const SocketPathEnv = "PDIPD_SOCKET"

// AffinityEnv overrides the configured shell-affinity string.
const AffinityEnv = "PDIPD_AFFINITY"

// Config is the dispatcher's on-disk configuration.
type Config struct {
	// SocketPath is the Unix domain socket the dispatcher listens on.
	SocketPath string `yaml:"socket_path"`

	// Affinity is the colon-separated shell-affinity string, one field per
	// shell (see ParseAffinities).
	Affinity string `yaml:"affinity"`

	// GracefulCloseTimeout bounds how long the graceful-close goroutine
	// waits for a client to close its end before forcing the socket shut.
	GracefulCloseTimeout time.Duration `yaml:"graceful_close_timeout"`

	// TerminationGrace is the SIGTERM-to-SIGKILL escalation delay used when
	// tearing down a shell's child process.
	TerminationGrace time.Duration `yaml:"termination_grace"`
}

// DefaultConfig returns the defaults: one shell on all CPUs, the
// conventional socket path, a 2s graceful-close wait, and a 25ms
// SIGTERM/SIGKILL grace.
func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath,
		Affinity:             "",
		GracefulCloseTimeout: 2 * time.Second,
		TerminationGrace:     25 * time.Millisecond,
	}
}

// LoadConfig reads a YAML config file and layers environment-variable
// overrides on top. An empty path means defaults plus environment only.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("shellpool: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("shellpool: parse config %s: %w", path, err)
		}
	}
	if env := os.Getenv(SocketPathEnv); env != "" {
		cfg.SocketPath = env
	}
	if env := os.Getenv(AffinityEnv); env != "" {
		cfg.Affinity = env
	}
	if cfg.GracefulCloseTimeout <= 0 {
		cfg.GracefulCloseTimeout = 2 * time.Second
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = 25 * time.Millisecond
	}
	return cfg, nil
}
