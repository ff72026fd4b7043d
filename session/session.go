// Package session manages named, long-lived assistant conversations. Each
// Session pins one working directory and owns at most one child process at
// a time; the Manager is the process-wide registry routing messages to them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telepilot/telepilot/driver"
	"github.com/telepilot/telepilot/events"
	"github.com/telepilot/telepilot/log"
)

// State is the session lifecycle state
type State int32

const (
	StateIdle State = iota
	StateBusy
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Process is the child process handle a Session drives
type Process interface {
	Ask(ctx context.Context, prompt string) (string, error)
	Close() error
	Alive() bool
	StderrTail() string
}

// SpawnFunc starts a fresh child pinned to workdir
type SpawnFunc func(workdir string) (Process, error)

const (
	// Two deaths inside this window disable auto-respawn
	deathWindow = 60 * time.Second
	deathLimit  = 2
)

// Session is one named conversation. Ask, NewConversation and Close
// serialize on a single mutex; Status reads are lock-free snapshots.
type Session struct {
	name     string
	workdir  string
	spawn    SpawnFunc
	observer events.Observer

	askMu  sync.Mutex
	proc   Process
	closed bool

	state        atomic.Int32
	createdAt    time.Time
	lastActivity atomic.Int64

	deathsMu   sync.Mutex
	deaths     []time.Time
	respawnOff bool
}

// Open spawns the initial child process and returns an idle session
func Open(name, workdir string, spawn SpawnFunc, observer events.Observer) (*Session, error) {
	if observer == nil {
		observer = events.Nop{}
	}

	proc, err := spawn(workdir)
	if err != nil {
		return nil, err
	}

	s := &Session{
		name:      name,
		workdir:   workdir,
		spawn:     spawn,
		observer:  observer,
		proc:      proc,
		createdAt: time.Now(),
	}
	s.state.Store(int32(StateIdle))
	s.touch()

	log.Info().Str("session", name).Str("workdir", workdir).Msg("session opened")
	return s, nil
}

// Ask sends one prompt and returns the reply. On child death it respawns
// once and resends the prompt once; a second failure is a HardFailError and
// the session stays dead. A context deadline closes and respawns the child
// without resending, returning ErrTimeout.
func (s *Session) Ask(ctx context.Context, prompt string) (string, error) {
	s.askMu.Lock()
	defer s.askMu.Unlock()
	defer s.touch()

	if s.closed {
		return "", ErrNotFound
	}

	if s.proc == nil || !s.proc.Alive() {
		if err := s.respawnLocked(); err != nil {
			return "", s.hardFailLocked(err)
		}
	}

	s.state.Store(int32(StateBusy))

	reply, err := s.proc.Ask(ctx, prompt)
	if err == nil {
		s.state.Store(int32(StateIdle))
		return reply, nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// No in-band cancel exists; the child is unresponsive for our
		// purposes, so treat the deadline like a death without a resend.
		log.Warn().Str("session", s.name).Msg("request deadline hit, recycling child")
		s.proc.Close()
		s.recordDeath()
		if rerr := s.respawnLocked(); rerr != nil {
			s.state.Store(int32(StateDead))
			s.observer.SessionDead(s.name, rerr)
		}
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	if errors.Is(err, driver.ErrDead) {
		log.Warn().Str("session", s.name).Err(err).Msg("child died mid-request")
		s.recordDeath()
		if rerr := s.respawnLocked(); rerr != nil {
			return "", s.hardFailLocked(rerr)
		}

		// Resend the original prompt exactly once
		reply, err = s.proc.Ask(ctx, prompt)
		if err != nil {
			s.recordDeath()
			return "", s.hardFailLocked(err)
		}
		s.state.Store(int32(StateIdle))
		return reply, nil
	}

	return "", s.hardFailLocked(err)
}

// NewConversation discards the current conversation context by replacing
// the child with a fresh one in the same workdir. Resets the death window.
func (s *Session) NewConversation() error {
	s.askMu.Lock()
	defer s.askMu.Unlock()

	if s.closed {
		return ErrNotFound
	}

	if s.proc != nil {
		s.proc.Close()
	}

	proc, err := s.spawn(s.workdir)
	if err != nil {
		s.state.Store(int32(StateDead))
		return err
	}
	s.proc = proc
	s.state.Store(int32(StateIdle))
	s.touch()

	s.deathsMu.Lock()
	s.deaths = nil
	s.respawnOff = false
	s.deathsMu.Unlock()

	log.Info().Str("session", s.name).Msg("conversation reset")
	return nil
}

// Close shuts the child down and marks the session dead. Idempotent.
func (s *Session) Close() error {
	s.askMu.Lock()
	defer s.askMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.state.Store(int32(StateDead))

	if s.proc != nil {
		s.proc.Close()
	}

	log.Info().Str("session", s.name).Msg("session closed")
	return nil
}

// Status is a point-in-time snapshot; values may lag by one transition
type Status struct {
	Name           string    `json:"name"`
	Workdir        string    `json:"workdir"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func (s *Session) Status() Status {
	return Status{
		Name:           s.name,
		Workdir:        s.workdir,
		State:          State(s.state.Load()).String(),
		CreatedAt:      s.createdAt,
		LastActivityAt: time.Unix(0, s.lastActivity.Load()),
	}
}

func (s *Session) Name() string    { return s.name }
func (s *Session) Workdir() string { return s.workdir }
func (s *Session) State() State    { return State(s.state.Load()) }

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// recordDeath notes a child death and disables respawn when deaths pile up
func (s *Session) recordDeath() {
	s.state.Store(int32(StateDead))

	s.deathsMu.Lock()
	defer s.deathsMu.Unlock()

	now := time.Now()
	s.deaths = append(s.deaths, now)
	recent := s.deaths[:0]
	for _, t := range s.deaths {
		if now.Sub(t) <= deathWindow {
			recent = append(recent, t)
		}
	}
	s.deaths = recent

	if len(s.deaths) >= deathLimit {
		s.respawnOff = true
		log.Error().
			Str("session", s.name).
			Int("deaths", len(s.deaths)).
			Msg("repeated child deaths, auto-respawn disabled")
	}
}

func (s *Session) respawnAllowed() bool {
	s.deathsMu.Lock()
	defer s.deathsMu.Unlock()
	return !s.respawnOff
}

// respawnLocked replaces the child process. Caller holds askMu.
func (s *Session) respawnLocked() error {
	if !s.respawnAllowed() {
		return fmt.Errorf("auto-respawn disabled for session %s after repeated deaths", s.name)
	}

	if s.proc != nil {
		s.proc.Close()
	}

	proc, err := s.spawn(s.workdir)
	if err != nil {
		return err
	}
	s.proc = proc
	s.state.Store(int32(StateIdle))

	log.Info().Str("session", s.name).Msg("session respawned")
	s.observer.SessionRespawned(s.name)
	return nil
}

// hardFailLocked marks the session permanently dead. Caller holds askMu.
func (s *Session) hardFailLocked(cause error) error {
	s.state.Store(int32(StateDead))

	tail := ""
	if s.proc != nil {
		tail = s.proc.StderrTail()
	}
	var dead *driver.DeadError
	if errors.As(cause, &dead) && dead.StderrTail != "" {
		tail = dead.StderrTail
	}

	log.Error().Str("session", s.name).Err(cause).Msg("session hard failure")
	s.observer.SessionDead(s.name, cause)

	return &HardFailError{Session: s.name, StderrTail: tail, Cause: cause}
}
