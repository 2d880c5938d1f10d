package main

import (
	"encoding/base64"
	"flag"
	"time"

	"github.com/gravitational/trace"
)

// cliConfig holds the flags remoteshelld is started with. Unlike the
// core packages, the binary entrypoint is where environment- and
// flag-derived configuration belongs.
type cliConfig struct {
	ListenAddr     string
	HostsFile      string
	RuleSetFile    string
	SecretKeyB64   string
	LogLevel       string
	PoolCap        int
	MaxPerUser     int
	IdleTimeout    time.Duration
	ReaperInterval time.Duration
}

func parseFlags(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("remoteshelld", flag.ContinueOnError)
	cfg := cliConfig{}

	fs.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:3080", "address to serve the websocket gateway on")
	fs.StringVar(&cfg.HostsFile, "hosts-file", "", "path to the YAML host inventory")
	fs.StringVar(&cfg.RuleSetFile, "ruleset-file", "", "path to the YAML command policy rule sets")
	fs.StringVar(&cfg.SecretKeyB64, "secret-key-base64", "", "base64-encoded 32-byte AES-256 key for host credentials")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "logrus level")
	fs.IntVar(&cfg.PoolCap, "pool-cap", 10, "max concurrent SSH transports")
	fs.IntVar(&cfg.MaxPerUser, "max-sessions-per-user", 5, "max non-terminated sessions per user")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 30*time.Minute, "session idle timeout")
	fs.DurationVar(&cfg.ReaperInterval, "reaper-interval", time.Minute, "registry/pool reaper tick interval")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, trace.Wrap(err)
	}
	if cfg.HostsFile == "" {
		return cliConfig{}, trace.BadParameter("-hosts-file is required")
	}
	if cfg.SecretKeyB64 == "" {
		return cliConfig{}, trace.BadParameter("-secret-key-base64 is required")
	}
	return cfg, nil
}

func (c cliConfig) secretKey() ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(c.SecretKeyB64)
	if err != nil {
		return key, trace.Wrap(err)
	}
	if len(raw) != 32 {
		return key, trace.BadParameter("secret key must decode to exactly 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
