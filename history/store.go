// Package history keeps an append-only conversation log per session: a
// bounded in-memory ring for fast reads plus asynchronous spill to sqlite.
// Writes never block the worker path.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/telepilot/telepilot/db"
	"github.com/telepilot/telepilot/log"
)

type Direction string

const (
	DirectionUser      Direction = "user"
	DirectionAssistant Direction = "assistant"
)

const (
	// DefaultRingSize is how many entries stay in memory per session
	DefaultRingSize = 100

	writeQueueDepth = 256
)

// Entry is one logged message
type Entry struct {
	SessionName string    `json:"sessionName"`
	Seq         int64     `json:"seq"`
	Direction   Direction `json:"direction"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

type ring struct {
	entries []Entry
	nextSeq int64
}

type writeReq struct {
	msg   db.ChatMessage
	flush chan struct{}
}

// Store is the history log. All durable writes funnel through a single
// writer goroutine; failures are logged and dropped, never propagated.
type Store struct {
	database *db.DB
	ringSize int

	mu    sync.Mutex
	rings map[string]*ring

	writeCh chan writeReq
	done    chan struct{}

	closeOnce sync.Once
}

func NewStore(database *db.DB, ringSize int) *Store {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	s := &Store{
		database: database,
		ringSize: ringSize,
		rings:    make(map[string]*ring),
		writeCh:  make(chan writeReq, writeQueueDepth),
		done:     make(chan struct{}),
	}
	go s.writer()
	return s
}

// Append logs one entry. Fire and forget: the durable write is queued and
// a full queue drops the spill, keeping only the in-memory copy.
func (s *Store) Append(sessionName string, direction Direction, text string) {
	now := time.Now()

	s.mu.Lock()
	r := s.ringLocked(sessionName)
	seq := r.nextSeq
	r.nextSeq++

	r.entries = append(r.entries, Entry{
		SessionName: sessionName,
		Seq:         seq,
		Direction:   direction,
		Text:        text,
		Timestamp:   now,
	})
	if len(r.entries) > s.ringSize {
		r.entries = r.entries[len(r.entries)-s.ringSize:]
	}
	s.mu.Unlock()

	req := writeReq{msg: db.ChatMessage{
		SessionName: sessionName,
		Seq:         seq,
		Direction:   string(direction),
		Text:        text,
		TS:          now.UnixMilli(),
	}}
	select {
	case s.writeCh <- req:
	default:
		log.Warn().Str("session", sessionName).Msg("history write queue full, dropping durable spill")
	}
}

// ringLocked returns the session's ring, seeding the sequence counter from
// the durable store on first use
func (s *Store) ringLocked(sessionName string) *ring {
	r, ok := s.rings[sessionName]
	if !ok {
		max, err := s.database.MaxChatSeq(sessionName)
		if err != nil {
			log.Warn().Str("session", sessionName).Err(err).Msg("failed to read history sequence")
		}
		r = &ring{nextSeq: max + 1}
		s.rings[sessionName] = r
	}
	return r
}

// Recent returns the last n entries for a session, oldest first, merging
// durable rows with in-memory entries that have not spilled yet
func (s *Store) Recent(sessionName string, n int) []Entry {
	if n <= 0 {
		n = s.ringSize
	}

	s.mu.Lock()
	var memory []Entry
	if r, ok := s.rings[sessionName]; ok {
		memory = append([]Entry(nil), r.entries...)
	}
	s.mu.Unlock()

	bySeq := make(map[int64]Entry, n+len(memory))
	rows, err := s.database.GetChatHistory(sessionName, n)
	if err != nil {
		log.Warn().Str("session", sessionName).Err(err).Msg("failed to read durable history")
	}
	for _, row := range rows {
		bySeq[row.Seq] = Entry{
			SessionName: row.SessionName,
			Seq:         row.Seq,
			Direction:   Direction(row.Direction),
			Text:        row.Text,
			Timestamp:   time.UnixMilli(row.TS),
		}
	}
	for _, e := range memory {
		bySeq[e.Seq] = e
	}

	merged := make([]Entry, 0, len(bySeq))
	for _, e := range bySeq {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	if len(merged) > n {
		merged = merged[len(merged)-n:]
	}
	return merged
}

// Clear wipes one session's log, memory and durable rows both
func (s *Store) Clear(sessionName string) {
	s.flush()

	s.mu.Lock()
	delete(s.rings, sessionName)
	s.mu.Unlock()

	if err := s.database.ClearChatHistory(sessionName); err != nil {
		log.Warn().Str("session", sessionName).Err(err).Msg("failed to clear durable history")
	}
}

// ClearAll wipes every session's log
func (s *Store) ClearAll() {
	s.flush()

	s.mu.Lock()
	s.rings = make(map[string]*ring)
	s.mu.Unlock()

	if err := s.database.ClearAllChatHistory(); err != nil {
		log.Warn().Err(err).Msg("failed to clear durable history")
	}
}

// flush waits until every queued durable write has landed
func (s *Store) flush() {
	barrier := make(chan struct{})
	select {
	case s.writeCh <- writeReq{flush: barrier}:
		select {
		case <-barrier:
		case <-s.done:
		}
	case <-s.done:
	}
}

// Close flushes pending writes and stops the writer
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.flush()
		close(s.writeCh)
		<-s.done
	})
}

func (s *Store) writer() {
	defer close(s.done)

	for req := range s.writeCh {
		if req.flush != nil {
			close(req.flush)
			continue
		}
		if err := s.database.InsertChatMessage(req.msg); err != nil {
			log.Warn().
				Str("session", req.msg.SessionName).
				Err(err).
				Msg("history write failed, entry dropped")
		}
	}
}
