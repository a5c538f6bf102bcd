package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func fixedDetector(fsType string) func(string) (string, error) {
	return func(string) (string, error) { return fsType, nil }
}

func TestRequireLocalAllowsLocalFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "registry.db")
	if err := requireLocalWithDetector(dbPath, "registry database", "registry_server.db_path", fixedDetector("0xef53")); err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestRequireLocalRejectsNetworkFS(t *testing.T) {
	t.Parallel()

	dataDir := filepath.Join(t.TempDir(), "agent")
	err := requireLocalWithDetector(dataDir, "agent data directory", "agent.data_dir", fixedDetector("nfs"))

	var nfsErr *NetworkFilesystemError
	if !errors.As(err, &nfsErr) {
		t.Fatalf("expected NetworkFilesystemError, got %v", err)
	}
	if nfsErr.FSType != "nfs" || nfsErr.Path != dataDir {
		t.Fatalf("unexpected error fields: %+v", nfsErr)
	}
	for _, want := range []string{"agent data directory", "agent.data_dir", "nfs"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to contain %q, got %q", want, err.Error())
		}
	}
}

func TestRequireLocalInspectsNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "registry.db")

	var inspected string
	err := requireLocalWithDetector(dbPath, "registry database", "registry_server.db_path", func(path string) (string, error) {
		inspected = path
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
	if inspected != root {
		t.Fatalf("expected detector to inspect %q, got %q", root, inspected)
	}
}

func TestRequireLocalEmptyPath(t *testing.T) {
	t.Parallel()

	if err := requireLocalWithDetector("", "registry database", "x", fixedDetector("apfs")); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fs   string
		want bool
	}{
		{fs: "nfs", want: true},
		{fs: "SMBFS", want: true},
		{fs: " ceph ", want: true},
		{fs: "apfs", want: false},
		{fs: "0x6969", want: false},
	}
	for _, tc := range cases {
		if got := isNetworkFilesystem(tc.fs); got != tc.want {
			t.Errorf("isNetworkFilesystem(%q)=%v, want %v", tc.fs, got, tc.want)
		}
	}
}
