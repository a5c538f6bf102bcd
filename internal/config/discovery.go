package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultFileName is looked up inside config directories.
const DefaultFileName = "meshkeeper.yaml"

// EnvConfig names the environment variable holding an explicit config path.
const EnvConfig = "MESHKEEPER_CONFIG"

// Discover finds the config file by checking standard locations.
// Priority order: $MESHKEEPER_CONFIG, ~/.config/meshkeeper, /etc/meshkeeper, ./meshkeeper.yaml
func Discover() (string, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("$%s points at missing %s", EnvConfig, path)
	}

	var candidates []string
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "meshkeeper", DefaultFileName))
	}
	candidates = append(candidates,
		filepath.Join("/etc", "meshkeeper", DefaultFileName),
		DefaultFileName,
	)
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, %v)", EnvConfig, candidates)
}

// DiscoverAllConfigFiles returns absolute paths to the root config and every
// file in its include tree, root first.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
	}

	cfg := &Config{}
	if err := loadFile(cfg, absPath, map[string]bool{}); err != nil {
		return nil, err
	}
	includes := append([]string(nil), cfg.SourceFiles[1:]...)
	sort.Strings(includes)
	return append([]string{cfg.SourceFiles[0]}, includes...), nil
}
