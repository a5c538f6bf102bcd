package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrArtifactNotFound = errors.New("launch: artifact not found")

// Resolver turns an artifact id into local files.
type Resolver interface {
	Resolve(ctx context.Context, artifact string) ([]string, error)
}

// LocalResolver resolves artifacts from a repository directory.
//
// "group:name:version" maps to <Dir>/<group with dots as dirs>/<name>/<version>
// and yields every regular file in it. Any other id is a path relative to Dir
// naming a file or directory.
type LocalResolver struct {
	Dir string
}

func (r LocalResolver) Resolve(ctx context.Context, artifact string) ([]string, error) {
	if r.Dir == "" {
		return nil, fmt.Errorf("%w: no repository configured for %s", ErrArtifactNotFound, artifact)
	}

	rel := artifact
	if parts := strings.Split(artifact, ":"); len(parts) == 3 {
		rel = filepath.Join(strings.ReplaceAll(parts[0], ".", string(filepath.Separator)), parts[1], parts[2])
	}
	rel = filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s escapes the repository", ErrArtifactNotFound, artifact)
	}
	full := filepath.Join(r.Dir, rel)

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifact)
	}
	if !info.IsDir() {
		return []string{full}, nil
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("read artifact dir %s: %w", full, err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(full, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrArtifactNotFound, artifact)
	}
	sort.Strings(files)
	return files, nil
}
