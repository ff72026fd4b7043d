// Package queue is the ordered admission queue in front of the session
// registry. Jobs from the same chat start in enqueue order; jobs for
// distinct sessions run in parallel up to the worker limit, with at most
// one running job per session.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telepilot/telepilot/events"
	"github.com/telepilot/telepilot/log"
)

var (
	ErrShutdown        = errors.New("queue is shut down")
	ErrOverCapacity    = errors.New("queue is full")
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyRunning  = errors.New("job is already running")
	ErrAlreadyTerminal = errors.New("job already finished")
)

const (
	DefaultWorkers = 5
	DefaultDepth   = 1024

	// Terminal jobs stay visible to status queries this long
	terminalRetention = 5 * time.Minute
)

// ResolveFunc maps message text to (sessionName, strippedText)
type ResolveFunc func(text string) (string, string)

// ExecuteFunc runs one job against its resolved session and returns the
// reply delivery error, if any
type ExecuteFunc func(ctx context.Context, job *Job, sessionName, text string) error

type Options struct {
	Workers  int
	Depth    int
	Resolve  ResolveFunc
	Execute  ExecuteFunc
	Observer events.Observer
}

// Queue dispatches jobs through a bounded worker pool
type Queue struct {
	workers  int
	depth    int
	resolve  ResolveFunc
	execute  ExecuteFunc
	observer events.Observer

	mu       sync.Mutex
	cond     *sync.Cond
	waiting  []*Job
	running  map[string]*Job
	inflight map[string]struct{} // session names with a running job
	terminal []*Job
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Depth <= 0 {
		opts.Depth = DefaultDepth
	}
	if opts.Observer == nil {
		opts.Observer = events.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		workers:  opts.Workers,
		depth:    opts.Depth,
		resolve:  opts.Resolve,
		execute:  opts.Execute,
		observer: opts.Observer,
		running:  make(map[string]*Job),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	log.Info().Int("workers", q.workers).Int("depth", q.depth).Msg("queue started")
}

// Enqueue admits a job and returns its id and 1-based position counted
// from the next job to dispatch
func (q *Queue) Enqueue(chatID int64, payload Payload, targetSession string) (string, int, error) {
	q.mu.Lock()

	if q.shutdown {
		q.mu.Unlock()
		return "", 0, ErrShutdown
	}
	if len(q.waiting) >= q.depth {
		q.mu.Unlock()
		q.observer.QueueCapacityExceeded(chatID)
		return "", 0, ErrOverCapacity
	}

	job := newJob(chatID, payload, targetSession)
	q.waiting = append(q.waiting, job)
	position := len(q.waiting)

	q.cond.Broadcast()
	q.mu.Unlock()

	q.observer.JobQueued(job.ID, chatID, position)
	return job.ID, position, nil
}

// Cancel removes a waiting job. Running jobs cannot be aborted because the
// child protocol has no in-flight cancellation.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, j := range q.waiting {
		if j.ID == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			j.Status = StatusCancelled
			j.FinishedAt = time.Now()
			q.retainLocked(j)
			return nil
		}
	}
	if _, ok := q.running[id]; ok {
		return ErrAlreadyRunning
	}
	for _, j := range q.terminal {
		if j.ID == id {
			return ErrAlreadyTerminal
		}
	}
	return ErrNotFound
}

// Snapshot returns running jobs followed by waiting jobs, in order
func (q *Queue) Snapshot() []Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Summary, 0, len(q.running)+len(q.waiting))
	for _, j := range q.running {
		out = append(out, j.summary())
	}
	for _, j := range q.waiting {
		out = append(out, j.summary())
	}
	return out
}

// JobStatus returns the summary for one job, searching running, waiting,
// and recently finished jobs
func (q *Queue) JobStatus(id string) (Summary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.running[id]; ok {
		return j.summary(), nil
	}
	for _, j := range q.waiting {
		if j.ID == id {
			return j.summary(), nil
		}
	}
	for _, j := range q.terminal {
		if j.ID == id {
			return j.summary(), nil
		}
	}
	return Summary{}, ErrNotFound
}

// Lengths returns (waiting, running) counts
func (q *Queue) Lengths() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting), len(q.running)
}

// Shutdown stops admissions, cancels waiting jobs, and waits for running
// jobs to drain up to the context deadline
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return nil
	}
	q.shutdown = true
	now := time.Now()
	for _, j := range q.waiting {
		j.Status = StatusCancelled
		j.FinishedAt = now
		q.retainLocked(j)
	}
	q.waiting = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("queue drained")
	case <-ctx.Done():
		log.Warn().Msg("queue shutdown deadline hit with jobs still running")
		q.cancel()
		<-done
	}
	return nil
}

// worker pulls dispatchable jobs until shutdown
func (q *Queue) worker(n int) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		var job *Job
		var sessionName, text string
		for {
			if q.shutdown && len(q.waiting) == 0 {
				q.mu.Unlock()
				return
			}
			job, sessionName, text = q.pickLocked()
			if job != nil {
				break
			}
			q.cond.Wait()
		}

		job.Status = StatusRunning
		job.StartedAt = time.Now()
		job.Session = sessionName
		q.running[job.ID] = job
		q.inflight[sessionName] = struct{}{}
		q.mu.Unlock()

		q.observer.JobStarted(job.ID, job.ChatID)
		log.Debug().
			Int("worker", n).
			Str("job", job.ID).
			Str("session", sessionName).
			Msg("job started")

		err := q.runJob(job, sessionName, text)

		q.mu.Lock()
		delete(q.running, job.ID)
		delete(q.inflight, sessionName)
		job.FinishedAt = time.Now()
		if err != nil {
			job.Status = StatusFailed
			job.Err = err.Error()
		} else {
			job.Status = StatusSucceeded
		}
		q.retainLocked(job)
		q.cond.Broadcast()
		q.mu.Unlock()

		elapsed := job.FinishedAt.Sub(job.StartedAt)
		q.observer.JobFinished(job.ID, job.ChatID, err == nil, elapsed, "")
		if err != nil {
			log.Warn().Str("job", job.ID).Err(err).Dur("elapsed", elapsed).Msg("job failed")
		} else {
			log.Debug().Str("job", job.ID).Dur("elapsed", elapsed).Msg("job finished")
		}
	}
}

// runJob executes one job with panic recovery; a panic fails the job but
// never kills the worker
func (q *Queue) runJob(job *Job, sessionName, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", job.ID).Interface("panic", r).Msg("worker panic recovered")
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return q.execute(q.ctx, job, sessionName, text)
}

// pickLocked finds the first dispatchable waiting job. A job whose target
// session is busy blocks its chat: later jobs from the same chat are not
// considered, preserving per-chat start order. Caller holds q.mu.
func (q *Queue) pickLocked() (*Job, string, string) {
	if len(q.running) >= q.workers {
		return nil, "", ""
	}

	blocked := make(map[int64]struct{})
	for i, j := range q.waiting {
		if _, ok := blocked[j.ChatID]; ok {
			continue
		}

		sessionName, text := q.resolveJobLocked(j)
		if _, busy := q.inflight[sessionName]; busy {
			blocked[j.ChatID] = struct{}{}
			continue
		}

		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		return j, sessionName, text
	}
	return nil, "", ""
}

func (q *Queue) resolveJobLocked(j *Job) (string, string) {
	if j.TargetSession != "" {
		return j.TargetSession, j.Payload.Text
	}
	return q.resolve(j.Payload.Text)
}

// retainLocked keeps a terminal job visible for a short window
func (q *Queue) retainLocked(j *Job) {
	cutoff := time.Now().Add(-terminalRetention)
	kept := q.terminal[:0]
	for _, t := range q.terminal {
		if t.FinishedAt.After(cutoff) {
			kept = append(kept, t)
		}
	}
	q.terminal = append(kept, j)
}
