package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Payload is what a job carries: plain text, or an image with a caption
type Payload struct {
	Text      string
	ImagePath string
	Caption   string
}

// Job is one admitted unit of work. The target session is resolved at
// dispatch time, not at enqueue time, so default changes take effect on
// jobs already waiting.
type Job struct {
	ID            string
	ChatID        int64
	Payload       Payload
	TargetSession string

	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Status  Status
	Session string
	Err     string
}

func newJob(chatID int64, payload Payload, targetSession string) *Job {
	return &Job{
		ID:            uuid.NewString(),
		ChatID:        chatID,
		Payload:       payload,
		TargetSession: targetSession,
		EnqueuedAt:    time.Now(),
		Status:        StatusWaiting,
	}
}

// Summary is the externally visible view of a job
type Summary struct {
	ID         string    `json:"id"`
	ChatID     int64     `json:"chatId"`
	Text       string    `json:"text"`
	Session    string    `json:"session,omitempty"`
	Status     Status    `json:"status"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	Err        string    `json:"error,omitempty"`
}

func (j *Job) summary() Summary {
	text := j.Payload.Text
	if j.Payload.ImagePath != "" {
		text = "[image] " + j.Payload.Caption
	}
	return Summary{
		ID:         j.ID,
		ChatID:     j.ChatID,
		Text:       text,
		Session:    j.Session,
		Status:     j.Status,
		EnqueuedAt: j.EnqueuedAt,
		StartedAt:  j.StartedAt,
		Err:        j.Err,
	}
}
