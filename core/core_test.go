package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/telepilot/telepilot/config"
	"github.com/telepilot/telepilot/db"
	"github.com/telepilot/telepilot/history"
	"github.com/telepilot/telepilot/queue"
)

type reply struct {
	chatID int64
	text   string
}

type recordOutbound struct {
	ch chan reply
}

func (o *recordOutbound) Deliver(chatID int64, text string) {
	o.ch <- reply{chatID: chatID, text: text}
}

func (o *recordOutbound) next(t *testing.T) reply {
	t.Helper()
	select {
	case r := <-o.ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("no reply delivered in time")
		return reply{}
	}
}

func newTestCore(t *testing.T) (*Core, *recordOutbound) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub scripts require a POSIX shell")
	}

	stub := filepath.Join(t.TempDir(), "assistant.sh")
	script := `#!/bin/sh
while read line; do
  echo '{"type":"result","result":"stub reply"}'
done
`
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	database, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		ClaudePath:         stub,
		DefaultSessionName: "main",
		SessionRoot:        t.TempDir(),
		MaxSessions:        32,
		Workers:            2,
		QueueDepth:         16,
		AskTimeoutSec:      30,
		AllowedUsers:       []int64{100},
	}

	out := &recordOutbound{ch: make(chan reply, 16)}
	c, err := New(cfg, database, out, nil)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c, out
}

func TestMessageRoundTrip(t *testing.T) {
	c, out := newTestCore(t)

	_, _, err := c.OnMessage(42, 100, queue.Payload{Text: "hello"})
	if err != nil {
		t.Fatalf("OnMessage: %v", err)
	}

	r := out.next(t)
	if r.chatID != 42 {
		t.Errorf("reply chatID = %d, want 42", r.chatID)
	}
	if r.text != "stub reply" {
		t.Errorf("reply text = %q, want %q", r.text, "stub reply")
	}

	// Exactly two history entries, user then assistant
	deadline := time.Now().Add(5 * time.Second)
	var entries []history.Entry
	for time.Now().Before(deadline) {
		entries = c.History("main", 10)
		if len(entries) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) != 2 {
		t.Fatalf("history has %d entries, want 2", len(entries))
	}
	if entries[0].Direction != history.DirectionUser || entries[0].Text != "hello" {
		t.Errorf("entry 0 = %+v, want user/hello", entries[0])
	}
	if entries[1].Direction != history.DirectionAssistant || entries[1].Text != "stub reply" {
		t.Errorf("entry 1 = %+v, want assistant/stub reply", entries[1])
	}
}

func TestDisallowedUserDropped(t *testing.T) {
	c, out := newTestCore(t)

	_, _, err := c.OnMessage(42, 999, queue.Payload{Text: "hello"})
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("OnMessage error = %v, want ErrNotAllowed", err)
	}

	select {
	case r := <-out.ch:
		t.Errorf("unexpected reply delivered: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPrefixRoutesToNamedSession(t *testing.T) {
	c, out := newTestCore(t)

	if _, err := c.OpenSession("alpha", ""); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	if _, _, err := c.OnMessage(42, 100, queue.Payload{Text: "@alpha do it"}); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	out.next(t)

	deadline := time.Now().Add(5 * time.Second)
	var entries []history.Entry
	for time.Now().Before(deadline) {
		entries = c.History("alpha", 10)
		if len(entries) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) != 2 {
		t.Fatalf("alpha history has %d entries, want 2", len(entries))
	}
	// The @alpha prefix is stripped before the session sees the prompt
	if entries[0].Text != "do it" {
		t.Errorf("user entry text = %q, want %q", entries[0].Text, "do it")
	}
}

func TestCloseNamedSessionClearsHistory(t *testing.T) {
	c, out := newTestCore(t)

	if _, err := c.OpenSession("alpha", ""); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.OnMessage(1, 100, queue.Payload{Text: "@alpha hi"}); err != nil {
		t.Fatal(err)
	}
	out.next(t)

	if err := c.CloseSession("alpha"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if got := c.History("alpha", 10); len(got) != 0 {
		t.Errorf("history after close = %d entries, want 0", len(got))
	}
	for _, s := range c.Sessions() {
		if s.Name == "alpha" {
			t.Error("closed session still listed")
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	c, _ := newTestCore(t)

	st := c.Status()
	if st.Default != "main" {
		t.Errorf("default = %q, want main", st.Default)
	}
	if len(st.Sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(st.Sessions))
	}
}
