package config

import (
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/auth"
)

// Config is the complete meshkeeper configuration. One file serves every
// role; each command reads the sections it needs.
type Config struct {
	// Include lists further files merged over this one, in order.
	Include []string `yaml:"include,omitempty"`

	Service        ServiceConfig        `yaml:"service"`
	Registry       RegistryConfig       `yaml:"registry"`
	RegistryServer RegistryServerConfig `yaml:"registry_server"`
	Agent          AgentConfig          `yaml:"agent"`
	Client         ClientConfig         `yaml:"client"`

	// SourceFiles lists every file that contributed, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RegistryConfig tells agents and clients where the registry lives.
type RegistryConfig struct {
	// URI is "memory:" or the registry service base URL.
	URI            string        `yaml:"uri"`
	Token          string        `yaml:"token,omitempty"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	PollWait       time.Duration `yaml:"poll_wait"`
}

// RegistryServerConfig configures `meshkeeper registry serve`.
type RegistryServerConfig struct {
	Listen       string             `yaml:"listen"`
	DBPath       string             `yaml:"db_path"`
	APIKey       string             `yaml:"api_key,omitempty"`
	Tokens       []auth.TokenConfig `yaml:"tokens,omitempty"`
	ReapInterval time.Duration      `yaml:"reap_interval"`
	MaxWait      time.Duration      `yaml:"max_wait"`
	EventBuffer  int                `yaml:"event_buffer"`
}

// RemotingConfig configures the object exporter of an agent or client.
type RemotingConfig struct {
	Listen    string `yaml:"listen"`
	Advertise string `yaml:"advertise,omitempty"`
	// Token is presented to remote exporters and, when set, required by ours.
	Token string `yaml:"token,omitempty"`
}

// AgentConfig configures `meshkeeper agent start`.
type AgentConfig struct {
	ID              string         `yaml:"id,omitempty"`
	DataDir         string         `yaml:"data_dir"`
	Remoting        RemotingConfig `yaml:"remoting"`
	MonitorInterval time.Duration  `yaml:"monitor_interval"`
	KillGrace       time.Duration  `yaml:"kill_grace"`
	MaxProcessAge   time.Duration  `yaml:"max_process_age,omitempty"`
	OrphanTempAge   time.Duration  `yaml:"orphan_temp_age"`
	PortMin         int            `yaml:"port_min"`
	PortMax         int            `yaml:"port_max"`
	RepositoryDir   string         `yaml:"repository_dir,omitempty"`
}

// ClientConfig configures launch clients built by the CLI.
type ClientConfig struct {
	User          string         `yaml:"user,omitempty"`
	Remoting      RemotingConfig `yaml:"remoting"`
	BindTimeout   time.Duration  `yaml:"bind_timeout"`
	LaunchTimeout time.Duration  `yaml:"launch_timeout"`
	KillTimeout   time.Duration  `yaml:"kill_timeout"`
}

// ChecksumManifest is the .checksums file written by `config lock`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// IntegrityResult reports a manifest check.
type IntegrityResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}
