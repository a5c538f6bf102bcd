package config

import (
	"path/filepath"
	"testing"
)

func TestDiscoverHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, "{}\n")
	t.Setenv(EnvConfig, path)

	got, err := Discover()
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if got != path {
		t.Errorf("Discover() = %q, want %q", got, path)
	}
}

func TestDiscoverEnvMissing(t *testing.T) {
	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Discover(); err == nil {
		t.Fatal("expected error for missing $MESHKEEPER_CONFIG target")
	}
}

func TestDiscoverUserConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfig, "")
	path := filepath.Join(home, ".config", "meshkeeper", DefaultFileName)
	writeFile(t, path, "{}\n")

	got, err := Discover()
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if got != path {
		t.Errorf("Discover() = %q, want %q", got, path)
	}
}

func TestDiscoverAllConfigFilesRootFirst(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, DefaultFileName)
	writeFile(t, root, "include: [z.yaml, a.yaml]\n")
	writeFile(t, filepath.Join(dir, "z.yaml"), "{}\n")
	writeFile(t, filepath.Join(dir, "a.yaml"), "{}\n")

	files, err := DiscoverAllConfigFiles(dir)
	if err != nil {
		t.Fatalf("DiscoverAllConfigFiles() error = %v", err)
	}
	want := []string{root, filepath.Join(dir, "a.yaml"), filepath.Join(dir, "z.yaml")}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, files[i], want[i])
		}
	}
}
