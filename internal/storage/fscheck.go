package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// NetworkFilesystemError reports a path that needs local-disk locking but
// resolves to a network mount.
type NetworkFilesystemError struct {
	Path   string
	FSType string
	// What names the path's role, e.g. "registry database".
	What string
	// Hint names the setting to change.
	Hint string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("%s %q is on network filesystem %q; file locks there are unreliable. Point %s at local disk",
		e.What, e.Path, e.FSType, e.Hint)
}

// RequireLocalFilesystem fails when path, or its nearest existing parent, is
// on a network filesystem. SQLite databases and the agent's data-dir flock
// both depend on local locking.
func RequireLocalFilesystem(path, what, hint string) error {
	return requireLocalWithDetector(path, what, hint, detectFilesystemType)
}

func requireLocalWithDetector(path, what, hint string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", what)
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", what, path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}
	if isNetworkFilesystem(fsType) {
		return &NetworkFilesystemError{Path: path, FSType: fsType, What: what, Hint: hint}
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
