package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/chirino/meshkeeper-sub000/internal/auth"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// validate reports every problem at once.
func validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(validLogLevels[strings.ToLower(cfg.Service.LogLevel)],
		"service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	check(cfg.Service.LogFormat == "json" || cfg.Service.LogFormat == "text",
		"service.log_format must be json or text (got %q)", cfg.Service.LogFormat)

	if err := validateRegistryURI(cfg.Registry.URI); err != nil {
		errs = append(errs, err)
	}
	check(cfg.Registry.SessionTTL > 0, "registry.session_ttl must be positive")
	check(cfg.Registry.PollWait > 0, "registry.poll_wait must be positive")

	s := cfg.RegistryServer
	check(s.Listen != "", "registry_server.listen is required")
	check(s.DBPath != "", "registry_server.db_path is required")
	check(s.ReapInterval > 0, "registry_server.reap_interval must be positive")
	check(s.MaxWait > 0, "registry_server.max_wait must be positive")
	check(s.EventBuffer > 0, "registry_server.event_buffer must be positive")
	for i, tok := range s.Tokens {
		check(tok.Token != "", "registry_server.tokens[%d].token is required", i)
		check(len(tok.Scopes) > 0, "registry_server.tokens[%d].scopes is required", i)
		for _, scope := range tok.Scopes {
			check(auth.KnownScope(scope), "registry_server.tokens[%d]: unknown scope %q", i, scope)
		}
	}

	a := cfg.Agent
	check(a.DataDir != "", "agent.data_dir is required")
	check(!strings.Contains(a.ID, "/"), "agent.id must not contain '/'")
	check(a.MonitorInterval > 0, "agent.monitor_interval must be positive")
	check(a.KillGrace > 0, "agent.kill_grace must be positive")
	check(a.MaxProcessAge >= 0, "agent.max_process_age must not be negative")
	check(a.OrphanTempAge > 0, "agent.orphan_temp_age must be positive")
	check(a.PortMin > 0 && a.PortMax <= 65535 && a.PortMin <= a.PortMax,
		"agent port range %d-%d is invalid", a.PortMin, a.PortMax)

	c := cfg.Client
	check(c.BindTimeout > 0, "client.bind_timeout must be positive")
	check(c.LaunchTimeout > 0, "client.launch_timeout must be positive")
	check(c.KillTimeout > 0, "client.kill_timeout must be positive")

	if unresolved := envVarPattern.FindString(cfg.Registry.Token + cfg.RegistryServer.APIKey); unresolved != "" {
		errs = append(errs, fmt.Errorf("unresolved environment variable %s", unresolved))
	}

	return errors.Join(errs...)
}

func validateRegistryURI(uri string) error {
	if uri == "memory:" || uri == "memory" {
		return nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("registry.uri %q: %w", uri, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("registry.uri must be memory: or an http(s) URL (got %q)", uri)
	}
	return nil
}
