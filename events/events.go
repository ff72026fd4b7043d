// Package events defines the observer callback surface the core emits
// lifecycle notifications through. Callbacks run synchronously on the
// emitting goroutine and must not block; slow sinks offload to their own
// buffered channel.
package events

import "time"

// Observer receives core lifecycle events
type Observer interface {
	JobQueued(id string, chatID int64, position int)
	JobStarted(id string, chatID int64)
	JobFinished(id string, chatID int64, ok bool, elapsed time.Duration, reply string)
	SessionRespawned(name string)
	SessionDead(name string, reason error)
	QueueCapacityExceeded(chatID int64)
}

// Nop is an Observer that ignores every event
type Nop struct{}

func (Nop) JobQueued(id string, chatID int64, position int) {}

func (Nop) JobStarted(id string, chatID int64) {}

func (Nop) JobFinished(id string, chatID int64, ok bool, elapsed time.Duration, reply string) {}

func (Nop) SessionRespawned(name string) {}

func (Nop) SessionDead(name string, reason error) {}

func (Nop) QueueCapacityExceeded(chatID int64) {}
