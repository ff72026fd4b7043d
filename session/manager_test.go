package session

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	spawn := func(workdir string) (Process, error) {
		return newFakeProc("ok"), nil
	}
	m := NewManager(spawn, NewAllocator(t.TempDir()), nil, "main", 32)
	if err := m.CreateDefault(); err != nil {
		t.Fatalf("CreateDefault: %v", err)
	}
	t.Cleanup(m.CloseAll)
	return m
}

func TestValidateNameBoundaries(t *testing.T) {
	if err := ValidateName(strings.Repeat("a", 64)); err != nil {
		t.Errorf("64-char name rejected: %v", err)
	}
	if err := ValidateName(strings.Repeat("a", 65)); !errors.Is(err, ErrNameInvalid) {
		t.Errorf("65-char name error = %v, want ErrNameInvalid", err)
	}
	if err := ValidateName(""); !errors.Is(err, ErrNameInvalid) {
		t.Errorf("empty name error = %v, want ErrNameInvalid", err)
	}
	if err := ValidateName("has space"); !errors.Is(err, ErrNameInvalid) {
		t.Errorf("whitespace name error = %v, want ErrNameInvalid", err)
	}
	if err := ValidateName("has@sign"); !errors.Is(err, ErrNameInvalid) {
		t.Errorf("@ name error = %v, want ErrNameInvalid", err)
	}
	if err := ValidateName("default"); !errors.Is(err, ErrNameReserved) {
		t.Errorf("reserved name error = %v, want ErrNameReserved", err)
	}
}

func TestNamesAreCaseSensitive(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Open("Alpha", ""); err != nil {
		t.Fatalf("Open Alpha: %v", err)
	}
	if _, err := m.Open("alpha", ""); err != nil {
		t.Fatalf("Open alpha: %v", err)
	}
	if _, ok := m.Get("ALPHA"); ok {
		t.Error("lookup of ALPHA matched a differently-cased session")
	}
}

func TestOpenDuplicate(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Open("alpha", ""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.Open("alpha", ""); !errors.Is(err, ErrNameExists) {
		t.Errorf("duplicate Open error = %v, want ErrNameExists", err)
	}
}

func TestOpenRollsBackReservationOnSpawnFailure(t *testing.T) {
	fail := true
	spawn := func(workdir string) (Process, error) {
		if fail {
			return nil, errors.New("spawn exploded")
		}
		return newFakeProc("ok"), nil
	}
	m := NewManager(spawn, NewAllocator(t.TempDir()), nil, "main", 32)
	t.Cleanup(m.CloseAll)

	if _, err := m.Open("alpha", ""); err == nil {
		t.Fatal("Open with failing spawn succeeded")
	}

	fail = false
	if _, err := m.Open("alpha", ""); err != nil {
		t.Errorf("Open after rollback: %v", err)
	}
}

func TestSessionCap(t *testing.T) {
	spawn := func(workdir string) (Process, error) {
		return newFakeProc("ok"), nil
	}
	m := NewManager(spawn, NewAllocator(t.TempDir()), nil, "main", 3)
	if err := m.CreateDefault(); err != nil {
		t.Fatalf("CreateDefault: %v", err)
	}
	t.Cleanup(m.CloseAll)

	for i := 0; i < 2; i++ {
		if _, err := m.Open(fmt.Sprintf("s%d", i), ""); err != nil {
			t.Fatalf("Open s%d: %v", i, err)
		}
	}
	if _, err := m.Open("overflow", ""); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("Open over cap error = %v, want ErrTooManySessions", err)
	}
}

func TestCloseDefaultRefused(t *testing.T) {
	m := newTestManager(t)

	if err := m.Close("main"); !errors.Is(err, ErrIsDefault) {
		t.Errorf("Close(default) error = %v, want ErrIsDefault", err)
	}
	if err := m.Close("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Close(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCloseRemovesSession(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Open("alpha", ""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Close("alpha"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := m.Get("alpha"); ok {
		t.Error("closed session still registered")
	}
	// The name is free again
	if _, err := m.Open("alpha", ""); err != nil {
		t.Errorf("reopen after close: %v", err)
	}
}

func TestResolve(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Open("alpha", ""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	name, text := m.Resolve("@alpha do the thing")
	if name != "alpha" || text != "do the thing" {
		t.Errorf("Resolve = (%q, %q), want (alpha, do the thing)", name, text)
	}

	name, text = m.Resolve("@alpha")
	if name != "alpha" || text != "" {
		t.Errorf("Resolve bare prefix = (%q, %q), want (alpha, empty)", name, text)
	}

	// Unknown name: route to default with the full text preserved
	name, text = m.Resolve("@gamma hi")
	if name != "main" || text != "@gamma hi" {
		t.Errorf("Resolve unknown = (%q, %q), want (main, @gamma hi)", name, text)
	}

	name, text = m.Resolve("plain message")
	if name != "main" || text != "plain message" {
		t.Errorf("Resolve plain = (%q, %q), want (main, plain message)", name, text)
	}
}

func TestSetDefault(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Open("beta", ""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.SetDefault("beta"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if name, _ := m.Resolve("hello"); name != "beta" {
		t.Errorf("Resolve after SetDefault routes to %q, want beta", name)
	}

	if err := m.SetDefault("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDefault(missing) error = %v, want ErrNotFound", err)
	}

	// Empty reverts to the startup default
	if err := m.SetDefault(""); err != nil {
		t.Fatalf("SetDefault(empty): %v", err)
	}
	if m.Default() != "main" {
		t.Errorf("default = %q after revert, want main", m.Default())
	}
}

func TestListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"zeta", "alpha", "beta"} {
		if _, err := m.Open(name, ""); err != nil {
			t.Fatalf("Open %s: %v", name, err)
		}
	}

	list := m.List()
	if len(list) != 4 {
		t.Fatalf("List returned %d sessions, want 4", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name >= list[i].Name {
			t.Errorf("List not sorted: %q before %q", list[i-1].Name, list[i].Name)
		}
	}
}
