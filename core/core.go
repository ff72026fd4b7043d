// Package core is the composition root: it owns the session registry, the
// message queue, and the history store, and exposes the operations the
// transports call. No module-level state; everything hangs off Core.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/telepilot/telepilot/config"
	"github.com/telepilot/telepilot/db"
	"github.com/telepilot/telepilot/driver"
	"github.com/telepilot/telepilot/events"
	"github.com/telepilot/telepilot/history"
	"github.com/telepilot/telepilot/log"
	"github.com/telepilot/telepilot/mcpconfig"
	"github.com/telepilot/telepilot/queue"
	"github.com/telepilot/telepilot/session"
)

// ErrNotAllowed marks messages from users outside the allow-list; the
// transport drops them without a reply
var ErrNotAllowed = errors.New("user not allowed")

// Outbound delivers replies back to the chat transport
type Outbound interface {
	Deliver(chatID int64, text string)
}

type Core struct {
	cfg      *config.Config
	manager  *session.Manager
	queue    *queue.Queue
	history  *history.Store
	outbound Outbound
	observer events.Observer

	startedAt time.Time
}

// New composes the system leaves-first: MCP config injection, history,
// session manager with its default session, then the queue. A default
// session spawn failure is fatal.
func New(cfg *config.Config, database *db.DB, outbound Outbound, observer events.Observer) (*Core, error) {
	if observer == nil {
		observer = events.Nop{}
	}

	injectMCPConfig(cfg)

	c := &Core{
		cfg:       cfg,
		history:   history.NewStore(database, history.DefaultRingSize),
		outbound:  outbound,
		observer:  observer,
		startedAt: time.Now(),
	}

	spawn := func(workdir string) (session.Process, error) {
		return driver.Spawn(driver.Options{
			BinaryPath:   cfg.ClaudePath,
			Workdir:      workdir,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			HomeOverride: cfg.HomeOverride,
		})
	}

	alloc := session.NewAllocator(cfg.SessionRoot)
	c.manager = session.NewManager(spawn, alloc, observer, cfg.DefaultSessionName, cfg.MaxSessions)
	if err := c.manager.CreateDefault(); err != nil {
		return nil, fmt.Errorf("failed to create default session: %w", err)
	}

	c.queue = queue.New(queue.Options{
		Workers:  cfg.Workers,
		Depth:    cfg.QueueDepth,
		Resolve:  c.manager.Resolve,
		Execute:  c.executeJob,
		Observer: observer,
	})
	c.queue.Start()

	return c, nil
}

// injectMCPConfig is best-effort: failures are startup warnings, not fatal
func injectMCPConfig(cfg *config.Config) {
	if cfg.NotionToken == "" {
		return
	}
	home := cfg.HomeOverride
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			log.Warn().Err(err).Msg("cannot resolve home dir, skipping MCP config injection")
			return
		}
	}
	if _, err := mcpconfig.InjectNotion(mcpconfig.DefaultPath(home), cfg.NotionToken); err != nil {
		log.Warn().Err(err).Msg("MCP config injection failed")
	}
}

// OnMessage is the transport admission path. Disallowed users are dropped
// with ErrNotAllowed and no reply.
func (c *Core) OnMessage(chatID, userID int64, payload queue.Payload) (string, int, error) {
	if !c.cfg.IsUserAllowed(userID) {
		log.Debug().Int64("userId", userID).Msg("dropping message from disallowed user")
		return "", 0, ErrNotAllowed
	}
	return c.queue.Enqueue(chatID, payload, "")
}

// executeJob runs one dispatched job: log the user entry, ask the session,
// log and deliver the reply
func (c *Core) executeJob(ctx context.Context, job *queue.Job, sessionName, text string) error {
	prompt := text
	if job.Payload.ImagePath != "" {
		prompt = fmt.Sprintf("The user sent an image saved at %s.", job.Payload.ImagePath)
		if text != "" {
			prompt += " Caption: " + text
		}
	}

	sess, ok := c.manager.Get(sessionName)
	if !ok {
		err := fmt.Errorf("session %s disappeared before dispatch", sessionName)
		c.outbound.Deliver(job.ChatID, "Session "+sessionName+" is gone; message dropped.")
		return err
	}

	c.history.Append(sessionName, history.DirectionUser, prompt)

	askCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.AskTimeoutSec)*time.Second)
	defer cancel()

	reply, err := sess.Ask(askCtx, prompt)
	if err != nil {
		c.outbound.Deliver(job.ChatID, formatAskError(sessionName, err))
		return err
	}

	c.history.Append(sessionName, history.DirectionAssistant, reply)
	c.outbound.Deliver(job.ChatID, reply)
	return nil
}

// formatAskError turns a session failure into a concise user-facing reply
func formatAskError(sessionName string, err error) string {
	var hard *session.HardFailError
	if errors.As(err, &hard) {
		msg := fmt.Sprintf("Session %s failed permanently: %v", sessionName, hard.Cause)
		if hard.StderrTail != "" {
			msg += "\n\nLast stderr output:\n" + hard.StderrTail
		}
		return msg
	}
	if errors.Is(err, session.ErrTimeout) {
		return fmt.Sprintf("Session %s timed out; the assistant was restarted. Please retry.", sessionName)
	}
	return fmt.Sprintf("Session %s error: %v", sessionName, err)
}

// OpenSession creates a named session, optionally with an explicit workdir
func (c *Core) OpenSession(name, workdir string) (session.Status, error) {
	s, err := c.manager.Open(name, workdir)
	if err != nil {
		return session.Status{}, err
	}
	return s.Status(), nil
}

// CloseSession closes a named session. Closing the default resets its
// conversation and clears its history instead of removing it.
func (c *Core) CloseSession(name string) error {
	if name == "" || name == c.manager.Default() {
		def := c.manager.Default()
		if err := c.manager.ResetDefault(); err != nil {
			return err
		}
		c.history.Clear(def)
		return nil
	}
	if err := c.manager.Close(name); err != nil {
		return err
	}
	c.history.Clear(name)
	return nil
}

// SetDefault changes the routing default; empty reverts to startup default
func (c *Core) SetDefault(name string) error {
	return c.manager.SetDefault(name)
}

// Default returns the current default session name
func (c *Core) Default() string {
	return c.manager.Default()
}

// Sessions lists session snapshots
func (c *Core) Sessions() []session.Status {
	return c.manager.List()
}

// QueueSnapshot lists running and waiting jobs
func (c *Core) QueueSnapshot() []queue.Summary {
	return c.queue.Snapshot()
}

// QueueLengths returns (waiting, running)
func (c *Core) QueueLengths() (int, int) {
	return c.queue.Lengths()
}

// CancelJob cancels a waiting job
func (c *Core) CancelJob(id string) error {
	return c.queue.Cancel(id)
}

// History returns the last n entries for a session
func (c *Core) History(name string, n int) []history.Entry {
	return c.history.Recent(name, n)
}

// Clean wipes all histories and starts a fresh default conversation
func (c *Core) Clean() error {
	c.history.ClearAll()
	return c.manager.ResetDefault()
}

// Status is a coarse system snapshot for inspection surfaces
type Status struct {
	StartedAt time.Time        `json:"startedAt"`
	Default   string           `json:"defaultSession"`
	Sessions  []session.Status `json:"sessions"`
	Waiting   int              `json:"waiting"`
	Running   int              `json:"running"`
}

func (c *Core) Status() Status {
	waiting, running := c.queue.Lengths()
	return Status{
		StartedAt: c.startedAt,
		Default:   c.manager.Default(),
		Sessions:  c.manager.List(),
		Waiting:   waiting,
		Running:   running,
	}
}

// Shutdown drains the queue, closes every session, and flushes history
func (c *Core) Shutdown(ctx context.Context) {
	c.queue.Shutdown(ctx)
	c.manager.CloseAll()
	c.history.Close()
	log.Info().Msg("core shut down")
}
