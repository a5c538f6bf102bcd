package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	writeFile(t, path, "service:\n  log_level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.Service.LogFormat)
	}
	if cfg.Registry.URI != "http://127.0.0.1:7878" {
		t.Errorf("Registry.URI = %q", cfg.Registry.URI)
	}
	if cfg.Agent.KillGrace != 5*time.Second {
		t.Errorf("Agent.KillGrace = %v, want 5s", cfg.Agent.KillGrace)
	}
	if cfg.Agent.OrphanTempAge != 10*time.Minute {
		t.Errorf("Agent.OrphanTempAge = %v, want 10m", cfg.Agent.OrphanTempAge)
	}
	if cfg.Agent.PortMin != 10000 || cfg.Agent.PortMax != 32000 {
		t.Errorf("port range = %d-%d", cfg.Agent.PortMin, cfg.Agent.PortMax)
	}
	if len(cfg.SourceFiles) != 1 || cfg.SourceFiles[0] != path {
		t.Errorf("SourceFiles = %v", cfg.SourceFiles)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, DefaultFileName), "agent:\n  id: box1\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.ID != "box1" {
		t.Errorf("Agent.ID = %q, want box1", cfg.Agent.ID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadIncludesOverride(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, DefaultFileName)
	writeFile(t, root, `include:
  - agent.yaml
service:
  log_level: warn
agent:
  kill_grace: 1s
  port_min: 20000
  port_max: 20100
`)
	writeFile(t, filepath.Join(dir, "agent.yaml"), "agent:\n  kill_grace: 3s\n")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.KillGrace != 3*time.Second {
		t.Errorf("KillGrace = %v, want include to override with 3s", cfg.Agent.KillGrace)
	}
	if cfg.Agent.PortMin != 20000 {
		t.Errorf("PortMin = %d, want 20000 kept from root", cfg.Agent.PortMin)
	}
	if cfg.Service.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.Service.LogLevel)
	}
	if len(cfg.SourceFiles) != 2 {
		t.Errorf("SourceFiles = %v, want 2 entries", cfg.SourceFiles)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "include: [b.yaml]\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "include: [a.yaml]\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want include cycle", err)
	}
}

func TestLoadMissingInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, DefaultFileName), "include: [gone.yaml]\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for missing include")
	}
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("MK_TEST_TOKEN", "s3cret")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, DefaultFileName), "registry:\n  token: ${MK_TEST_TOKEN}\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry.Token != "s3cret" {
		t.Errorf("Token = %q, want s3cret", cfg.Registry.Token)
	}
}

func TestUnresolvedEnvIsInvalid(t *testing.T) {
	_, err := Parse([]byte("registry:\n  token: ${MK_TEST_SURELY_UNSET_VAR}\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Parse() error = %v, want ErrInvalid", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("agent:\n  kil_grace: 1s\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if errors.Is(err, ErrInvalid) {
		t.Errorf("unknown field should be a parse error, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`service:
  log_level: loud
registry:
  uri: ftp://example.com
agent:
  id: a/b
  port_min: 5000
  port_max: 4000
registry_server:
  tokens:
    - token: abc
      scopes: ["registry:rw", "bogus"]
`))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Parse() error = %v, want ErrInvalid", err)
	}
	for _, want := range []string{"log_level", "registry.uri", "agent.id", "port range", `unknown scope "bogus"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestParseMemoryRegistry(t *testing.T) {
	cfg, err := Parse([]byte("registry:\n  uri: memory:\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Registry.URI != "memory:" {
		t.Errorf("URI = %q", cfg.Registry.URI)
	}
}

func TestDefaultsValidate(t *testing.T) {
	if err := validate(Defaults()); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}
