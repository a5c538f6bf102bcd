package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrInvalid marks configuration that parsed but failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Load reads configPath and its includes, applies defaults, verifies the
// .checksums manifest when one sits next to the file, and validates.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	cfg := &Config{}
	visited := map[string]bool{}
	if err := loadFile(cfg, absPath, visited); err != nil {
		return nil, err
	}

	result, err := VerifyIntegrity(filepath.Dir(absPath), cfg.SourceFiles)
	if err != nil {
		return nil, err
	}
	if !result.Passed {
		return nil, fmt.Errorf("config integrity check failed: %v", result.Errors)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// Parse decodes one YAML document without includes or integrity checks.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := decode(cfg, data, "<input>"); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// loadFile decodes path over cfg, then each of its includes over that.
// Later files override the scalar fields they set.
func loadFile(cfg *Config, path string, visited map[string]bool) error {
	if visited[path] {
		return fmt.Errorf("include cycle at %s", path)
	}
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.Include = nil
	if err := decode(cfg, data, path); err != nil {
		return err
	}
	cfg.SourceFiles = append(cfg.SourceFiles, path)

	includes := cfg.Include
	for i, inc := range includes {
		inc = interpolateEnv(inc)
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		inc = filepath.Clean(inc)
		if _, err := os.Stat(inc); err != nil {
			return fmt.Errorf("include[%d] of %s: file not found: %s", i, path, inc)
		}
		if err := loadFile(cfg, inc, visited); err != nil {
			return err
		}
	}
	cfg.Include = includes
	return nil
}

func decode(cfg *Config, data []byte, source string) error {
	expanded := interpolateEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", source, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
