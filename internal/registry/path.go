package registry

import (
	"fmt"
	"strings"
)

// Root is the path of the tree root.
const Root = "/"

// SequenceDigits is the width of the counter appended to sequential nodes.
const SequenceDigits = 10

// ValidatePath checks the path grammar shared by all stores.
func ValidatePath(path string) error {
	if path == Root {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, path)
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q must not end with /", ErrInvalidPath, path)
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
	}
	return nil
}

// Split returns the parent path and final segment of a non-root path.
func Split(path string) (parent, name string) {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return Root, path[i+1:]
	}
	return path[:i], path[i+1:]
}

// Join appends a child name to a parent path.
func Join(parent, name string) string {
	if parent == Root {
		return Root + name
	}
	return parent + "/" + name
}

// Segments returns the names along path, root excluded.
func Segments(path string) []string {
	if path == Root {
		return nil
	}
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

// SequentialName suffixes name with a zero-padded sequence number.
func SequentialName(name string, seq int64) string {
	return fmt.Sprintf("%s%0*d", name, SequenceDigits, seq)
}
