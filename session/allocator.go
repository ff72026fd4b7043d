package session

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
)

// Allocator maps session names to working directories under a fixed root.
// Names that survive sanitization unchanged map to root/<name>; names that
// need rewriting get a short hash suffix so distinct names never collide.
type Allocator struct {
	root string
}

func NewAllocator(root string) *Allocator {
	return &Allocator{root: root}
}

// Allocate returns the directory for name, creating it if needed
func (a *Allocator) Allocate(name string) (string, error) {
	dir := sanitizeName(name)
	if dir != name {
		h := fnv.New32a()
		h.Write([]byte(name))
		dir = fmt.Sprintf("%s-%08x", dir, h.Sum32())
	}

	path := filepath.Join(a.root, dir)
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return "", fmt.Errorf("%w: %s is a file", ErrWorkdirInvalid, path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkdirInvalid, err)
	}
	return path, nil
}

// Validate checks a caller-supplied override, which must already exist
func (a *Allocator) Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrWorkdirInvalid, path)
	}
	return nil
}

// sanitizeName keeps portable filename characters and rewrites the rest
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
