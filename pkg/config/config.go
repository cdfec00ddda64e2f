// Package config holds process configuration for a chatcore peer: the
// discovery/transport ports, history capacity, and debug flag that the
// spec's external-interfaces section lists as configurable process
// arguments. The interactive CLI itself stays out of scope; this package
// only owns the data and the two ways to populate it.
package config

import (
	"flag"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the full set of process-level settings for one peer.
type Config struct {
	PeerID          string `toml:"peer_id"`
	UDPPort         int    `toml:"udp_port"`
	TCPPort         int    `toml:"tcp_port"`
	HistoryCapacity int    `toml:"history_capacity"`
	Debug           bool   `toml:"debug"`

	// StallWarnAfter is the optional deadline after which a blocked
	// receive logs a StalledDependency warning (spec §7); it stays
	// blocked regardless. Zero disables the warning. Not persisted in
	// the TOML form since it is a test/operations knob, not topology.
	StallWarnAfter time.Duration `toml:"-"`
}

// Default returns a Config with the spec's defaults: a 10-message
// history ring buffer and no stall warning.
func Default() *Config {
	return &Config{
		UDPPort:         9990,
		TCPPort:         9991,
		HistoryCapacity: 10,
	}
}

// Load reads a TOML file at path and overlays it onto Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "load config from %s", path)
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = 10
	}
	return cfg, nil
}

// FromFlags parses the process-argument surface (peer id, ports, history
// capacity, debug) on top of Default(). It does not parse the
// interactive command surface (-lu, -creategroup, …) — that belongs to
// pkg/controller.Controller.HandleCommand, which runs once the process is
// already up.
func FromFlags(args []string) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("chatcore", flag.ContinueOnError)
	fs.StringVar(&cfg.PeerID, "id", cfg.PeerID, "peer id (network address)")
	fs.IntVar(&cfg.UDPPort, "udp", cfg.UDPPort, "UDP discovery port")
	fs.IntVar(&cfg.TCPPort, "tcp", cfg.TCPPort, "TCP peer port")
	fs.IntVar(&cfg.HistoryCapacity, "history", cfg.HistoryCapacity, "history ring buffer capacity")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	stallWarn := fs.Duration("stall-warn", cfg.StallWarnAfter, "warn after a receive has been blocked this long (0 disables)")
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}
	cfg.StallWarnAfter = *stallWarn
	return cfg, nil
}
