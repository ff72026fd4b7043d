package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAllocateCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	a := NewAllocator(root)

	path, err := a.Allocate("alpha")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if path != filepath.Join(root, "alpha") {
		t.Errorf("path = %q, want %q", path, filepath.Join(root, "alpha"))
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		t.Errorf("allocated path is not a directory: %v", err)
	}

	// Deterministic on repeat
	again, err := a.Allocate("alpha")
	if err != nil || again != path {
		t.Errorf("second Allocate = (%q, %v), want same path", again, err)
	}
}

func TestAllocateSanitizesAndDisambiguates(t *testing.T) {
	root := t.TempDir()
	a := NewAllocator(root)

	p1, err := a.Allocate("a/b")
	if err != nil {
		t.Fatalf("Allocate a/b: %v", err)
	}
	if strings.Contains(filepath.Base(p1), "/") {
		t.Errorf("sanitized path %q still contains a separator", p1)
	}
	if filepath.Dir(p1) != root {
		t.Errorf("path %q escaped root %q", p1, root)
	}

	// Different raw names that sanitize alike must not collide
	p2, err := a.Allocate("a:b")
	if err != nil {
		t.Fatalf("Allocate a:b: %v", err)
	}
	if p1 == p2 {
		t.Errorf("distinct names mapped to the same path %q", p1)
	}
}

func TestAllocateRejectsFileCollision(t *testing.T) {
	root := t.TempDir()
	a := NewAllocator(root)

	if err := os.WriteFile(filepath.Join(root, "taken"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate("taken"); !errors.Is(err, ErrWorkdirInvalid) {
		t.Errorf("Allocate over file error = %v, want ErrWorkdirInvalid", err)
	}
}

func TestValidateOverride(t *testing.T) {
	a := NewAllocator(t.TempDir())

	dir := t.TempDir()
	if err := a.Validate(dir); err != nil {
		t.Errorf("Validate(%q): %v", dir, err)
	}
	if err := a.Validate(filepath.Join(dir, "missing")); !errors.Is(err, ErrWorkdirInvalid) {
		t.Errorf("Validate(missing) error = %v, want ErrWorkdirInvalid", err)
	}
}
