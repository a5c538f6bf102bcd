package config

import (
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/ports"
)

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = "json"
	}

	r := &cfg.Registry
	if r.URI == "" {
		r.URI = "http://127.0.0.1:7878"
	}
	if r.SessionTTL == 0 {
		r.SessionTTL = 15 * time.Second
	}
	if r.PollWait == 0 {
		r.PollWait = 25 * time.Second
	}

	s := &cfg.RegistryServer
	if s.Listen == "" {
		s.Listen = "127.0.0.1:7878"
	}
	if s.DBPath == "" {
		s.DBPath = "./data/registry.db"
	}
	if s.ReapInterval == 0 {
		s.ReapInterval = time.Second
	}
	if s.MaxWait == 0 {
		s.MaxWait = 30 * time.Second
	}
	if s.EventBuffer == 0 {
		s.EventBuffer = 1024
	}

	a := &cfg.Agent
	if a.DataDir == "" {
		a.DataDir = "./data/agent"
	}
	if a.Remoting.Listen == "" {
		a.Remoting.Listen = "0.0.0.0:0"
	}
	if a.MonitorInterval == 0 {
		a.MonitorInterval = 60 * time.Second
	}
	if a.KillGrace == 0 {
		a.KillGrace = 5 * time.Second
	}
	if a.OrphanTempAge == 0 {
		a.OrphanTempAge = 10 * time.Minute
	}
	if a.PortMin == 0 && a.PortMax == 0 {
		a.PortMin, a.PortMax = ports.DefaultMin, ports.DefaultMax
	}

	c := &cfg.Client
	if c.Remoting.Listen == "" {
		c.Remoting.Listen = "127.0.0.1:0"
	}
	if c.BindTimeout == 0 {
		c.BindTimeout = 10 * time.Second
	}
	if c.LaunchTimeout == 0 {
		c.LaunchTimeout = 60 * time.Second
	}
	if c.KillTimeout == 0 {
		c.KillTimeout = 30 * time.Second
	}
}
