package session

import (
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/telepilot/telepilot/events"
	"github.com/telepilot/telepilot/log"
)

const maxNameLength = 64

// reservedNames cannot be used as session names because the command
// grammar gives them meaning
var reservedNames = map[string]struct{}{
	"default": {},
}

// Manager is the process-wide registry of named sessions. One session is
// the default; messages without an @name prefix route to it.
type Manager struct {
	spawn       SpawnFunc
	alloc       *Allocator
	observer    events.Observer
	maxSessions int

	// startupDefault is what SetDefault("") reverts to
	startupDefault string

	mu          sync.RWMutex
	sessions    map[string]*Session
	reserved    map[string]struct{}
	defaultName string
}

func NewManager(spawn SpawnFunc, alloc *Allocator, observer events.Observer, defaultName string, maxSessions int) *Manager {
	if observer == nil {
		observer = events.Nop{}
	}
	return &Manager{
		spawn:          spawn,
		alloc:          alloc,
		observer:       observer,
		maxSessions:    maxSessions,
		startupDefault: defaultName,
		sessions:       make(map[string]*Session),
		reserved:       make(map[string]struct{}),
		defaultName:    defaultName,
	}
}

// ValidateName enforces the session name grammar: 1..64 characters, no
// whitespace, no @. Comparison is case-sensitive throughout.
func ValidateName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return ErrNameInvalid
	}
	for _, r := range name {
		if unicode.IsSpace(r) || r == '@' {
			return ErrNameInvalid
		}
	}
	if _, ok := reservedNames[name]; ok {
		return ErrNameReserved
	}
	return nil
}

// CreateDefault materializes the startup default session. The queue must
// not start dispatching before this returns.
func (m *Manager) CreateDefault() error {
	_, err := m.Open(m.startupDefault, "")
	return err
}

// Open creates a session. The name is reserved atomically, the child is
// spawned without holding the registry lock, and the session is committed
// afterwards (or the reservation rolled back on failure).
func (m *Manager) Open(name, workdirOverride string) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.sessions[name]; ok {
		m.mu.Unlock()
		return nil, ErrNameExists
	}
	if _, ok := m.reserved[name]; ok {
		m.mu.Unlock()
		return nil, ErrNameExists
	}
	if len(m.sessions)+len(m.reserved) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.reserved[name] = struct{}{}
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.reserved, name)
		m.mu.Unlock()
	}

	var workdir string
	if workdirOverride != "" {
		if err := m.alloc.Validate(workdirOverride); err != nil {
			release()
			return nil, err
		}
		workdir = workdirOverride
	} else {
		var err error
		workdir, err = m.alloc.Allocate(name)
		if err != nil {
			release()
			return nil, err
		}
	}

	sess, err := Open(name, workdir, m.spawn, m.observer)
	if err != nil {
		release()
		return nil, err
	}

	m.mu.Lock()
	delete(m.reserved, name)
	m.sessions[name] = sess
	m.mu.Unlock()

	return sess, nil
}

// Close removes and shuts down a session. The default session refuses
// regular close; use ResetDefault instead.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if name == m.defaultName {
		m.mu.Unlock()
		return ErrIsDefault
	}
	delete(m.sessions, name)
	m.mu.Unlock()

	return sess.Close()
}

// ResetDefault starts a fresh conversation on the default session
func (m *Manager) ResetDefault() error {
	m.mu.RLock()
	sess, ok := m.sessions[m.defaultName]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return sess.NewConversation()
}

// CloseAll shuts every session down, the default included. Shutdown path.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		if err := s.Close(); err != nil {
			log.Warn().Str("session", s.Name()).Err(err).Msg("error closing session")
		}
	}
}

// Get returns the session registered under name
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// List returns session snapshots sorted by name
func (m *Manager) List() []Status {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(all))
	for _, s := range all {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve routes message text to a session name. A leading "@name " prefix
// naming a known session is stripped; anything else routes to the default
// with the text unchanged.
func (m *Manager) Resolve(text string) (string, string) {
	if strings.HasPrefix(text, "@") {
		rest := text[1:]
		var name, remainder string
		if idx := strings.IndexFunc(rest, unicode.IsSpace); idx >= 0 {
			name, remainder = rest[:idx], rest[idx+1:]
		} else {
			name, remainder = rest, ""
		}
		if name != "" {
			m.mu.RLock()
			_, known := m.sessions[name]
			m.mu.RUnlock()
			if known {
				return name, remainder
			}
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName, text
}

// SetDefault changes which session unprefixed messages route to.
// An empty name reverts to the startup default.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		m.defaultName = m.startupDefault
		return nil
	}
	if _, ok := m.sessions[name]; !ok {
		return ErrNotFound
	}
	m.defaultName = name
	return nil
}

// Default returns the current default session name
func (m *Manager) Default() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

// Len returns the number of registered sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
