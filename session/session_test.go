package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/telepilot/telepilot/driver"
	"github.com/telepilot/telepilot/events"
)

// fakeProc simulates the assistant child process
type fakeProc struct {
	reply    string
	askErr   error
	askDelay time.Duration

	alive    atomic.Bool
	closed   atomic.Bool
	asked    atomic.Int32
	inflight atomic.Int32
	overlap  atomic.Bool
}

func newFakeProc(reply string) *fakeProc {
	p := &fakeProc{reply: reply}
	p.alive.Store(true)
	return p
}

func (p *fakeProc) Ask(ctx context.Context, prompt string) (string, error) {
	if p.inflight.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.inflight.Add(-1)

	p.asked.Add(1)

	if p.askDelay > 0 {
		select {
		case <-time.After(p.askDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.askErr != nil {
		p.alive.Store(false)
		return "", p.askErr
	}
	return p.reply, nil
}

func (p *fakeProc) Close() error {
	p.closed.Store(true)
	p.alive.Store(false)
	return nil
}

func (p *fakeProc) Alive() bool        { return p.alive.Load() }
func (p *fakeProc) StderrTail() string { return "stderr tail" }

// recordObserver captures session lifecycle events
type recordObserver struct {
	events.Nop
	mu        sync.Mutex
	respawned []string
	dead      []string
}

func (o *recordObserver) SessionRespawned(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.respawned = append(o.respawned, name)
}

func (o *recordObserver) SessionDead(name string, reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dead = append(o.dead, name)
}

func (o *recordObserver) respawnCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.respawned)
}

func (o *recordObserver) deadCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.dead)
}

// spawnSequence returns a SpawnFunc handing out the given procs in order
func spawnSequence(t *testing.T, procs ...*fakeProc) (SpawnFunc, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	return func(workdir string) (Process, error) {
		i := int(n.Add(1)) - 1
		if i >= len(procs) {
			t.Fatalf("spawn called %d times, only %d procs prepared", i+1, len(procs))
		}
		return procs[i], nil
	}, &n
}

func TestAskSerialized(t *testing.T) {
	proc := newFakeProc("ok")
	proc.askDelay = 30 * time.Millisecond
	spawn, _ := spawnSequence(t, proc)

	s, err := Open("alpha", t.TempDir(), spawn, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Ask(context.Background(), "hi"); err != nil {
				t.Errorf("Ask: %v", err)
			}
		}()
	}
	wg.Wait()

	if proc.overlap.Load() {
		t.Error("concurrent Ask invocations overlapped on the child")
	}
	if got := proc.asked.Load(); got != 5 {
		t.Errorf("child saw %d requests, want 5", got)
	}
}

func TestRespawnAndRetryOnDeath(t *testing.T) {
	dying := newFakeProc("")
	dying.askErr = &driver.DeadError{Cause: errors.New("exit 1")}
	healthy := newFakeProc("recovered")

	spawn, spawns := spawnSequence(t, dying, healthy)
	obs := &recordObserver{}

	s, err := Open("alpha", t.TempDir(), spawn, obs)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	reply, err := s.Ask(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Ask after death: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q, want %q", reply, "recovered")
	}
	if got := spawns.Load(); got != 2 {
		t.Errorf("spawn count = %d, want 2", got)
	}
	if got := obs.respawnCount(); got != 1 {
		t.Errorf("SessionRespawned emitted %d times, want 1", got)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestHardFailAfterRepeatedDeaths(t *testing.T) {
	dead1 := newFakeProc("")
	dead1.askErr = &driver.DeadError{Cause: errors.New("exit 1")}
	dead2 := newFakeProc("")
	dead2.askErr = &driver.DeadError{Cause: errors.New("exit 1")}

	spawn, _ := spawnSequence(t, dead1, dead2)
	obs := &recordObserver{}

	s, err := Open("alpha", t.TempDir(), spawn, obs)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, err = s.Ask(context.Background(), "ping")
	var hard *HardFailError
	if !errors.As(err, &hard) {
		t.Fatalf("Ask error = %v, want HardFailError", err)
	}
	if hard.Session != "alpha" {
		t.Errorf("HardFailError.Session = %q, want alpha", hard.Session)
	}
	if s.State() != StateDead {
		t.Errorf("state = %v, want dead", s.State())
	}
	if got := obs.deadCount(); got != 1 {
		t.Errorf("SessionDead emitted %d times, want 1", got)
	}

	// Respawn stays disabled until reset
	if _, err := s.Ask(context.Background(), "ping"); err == nil {
		t.Error("Ask on a hard-failed session succeeded, want error")
	}
}

func TestTimeoutRecyclesChild(t *testing.T) {
	hung := newFakeProc("never")
	hung.askDelay = 10 * time.Second
	fresh := newFakeProc("after recycle")

	spawn, spawns := spawnSequence(t, hung, fresh)

	s, err := Open("alpha", t.TempDir(), spawn, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = s.Ask(ctx, "slow question")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Ask error = %v, want ErrTimeout", err)
	}
	if !hung.closed.Load() {
		t.Error("hung child was not closed after deadline")
	}
	if got := spawns.Load(); got != 2 {
		t.Errorf("spawn count = %d, want 2 (recycled)", got)
	}

	reply, err := s.Ask(context.Background(), "quick question")
	if err != nil {
		t.Fatalf("Ask after recycle: %v", err)
	}
	if reply != "after recycle" {
		t.Errorf("reply = %q, want %q", reply, "after recycle")
	}
}

func TestNewConversationReplacesChild(t *testing.T) {
	first := newFakeProc("first")
	second := newFakeProc("second")
	spawn, spawns := spawnSequence(t, first, second)

	s, err := Open("alpha", t.TempDir(), spawn, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.NewConversation(); err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	if !first.closed.Load() {
		t.Error("old child not closed")
	}
	if got := spawns.Load(); got != 2 {
		t.Errorf("spawn count = %d, want 2", got)
	}

	reply, err := s.Ask(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply != "second" {
		t.Errorf("reply = %q, want %q", reply, "second")
	}
}

func TestCloseIdempotentAndTerminal(t *testing.T) {
	proc := newFakeProc("ok")
	spawn, _ := spawnSequence(t, proc)

	s, err := Open("alpha", t.TempDir(), spawn, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !proc.closed.Load() {
		t.Error("child not closed")
	}
	if _, err := s.Ask(context.Background(), "hi"); err == nil {
		t.Error("Ask after Close succeeded, want error")
	}
}
