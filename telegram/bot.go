// Package telegram binds the core to the Telegram Bot API: long-poll
// inbound updates, map commands to core operations, deliver replies inline
// or as file artifacts.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/telepilot/telepilot/config"
	"github.com/telepilot/telepilot/core"
	"github.com/telepilot/telepilot/log"
	"github.com/telepilot/telepilot/queue"
)

type Bot struct {
	api  *tgbotapi.BotAPI
	cfg  *config.Config
	core *core.Core

	// lastChat is where out-of-band notifications (respawns, deaths) go
	lastChat atomic.Int64
	notifyCh chan string
}

func New(cfg *config.Config) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("telegram bot authorized")
	return &Bot{
		api:      api,
		cfg:      cfg,
		notifyCh: make(chan string, 64),
	}, nil
}

// SetCore attaches the core after construction; the core needs the bot as
// its outbound sink, so the two are wired in two steps
func (b *Bot) SetCore(c *core.Core) {
	b.core = c
}

// Run polls for updates until the context is cancelled
func (b *Bot) Run(ctx context.Context) {
	go b.notifier(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			log.Info().Msg("telegram bot stopped")
			return
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			b.handleMessage(update.Message)
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || !b.cfg.IsUserAllowed(msg.From.ID) {
		log.Debug().Int64("userId", userID(msg)).Msg("ignoring message from disallowed user")
		return
	}
	b.lastChat.Store(msg.Chat.ID)

	switch {
	case msg.IsCommand():
		b.handleCommand(msg)
	case len(msg.Photo) > 0:
		b.handlePhoto(msg)
	case msg.Text == "@":
		b.sendText(msg.Chat.ID, b.formatSessions())
	case msg.Text != "":
		b.enqueue(msg.Chat.ID, msg.From.ID, queue.Payload{Text: msg.Text})
	}
}

func userID(msg *tgbotapi.Message) int64 {
	if msg.From == nil {
		return 0
	}
	return msg.From.ID
}

// enqueue admits a message and acks its queue position when it has to wait
func (b *Bot) enqueue(chatID, fromID int64, payload queue.Payload) {
	_, position, err := b.core.OnMessage(chatID, fromID, payload)
	switch {
	case err == nil:
		if position > 1 {
			b.sendText(chatID, fmt.Sprintf("Queued at position %d.", position))
		}
	case errors.Is(err, core.ErrNotAllowed):
		// Dropped silently
	case errors.Is(err, queue.ErrOverCapacity):
		b.sendText(chatID, "Busy right now, try again in a moment.")
	default:
		b.sendText(chatID, "Could not accept the message: "+err.Error())
	}
}

// handlePhoto downloads the largest rendition into the spool dir and
// enqueues it; the caption doubles as routing text
func (b *Bot) handlePhoto(msg *tgbotapi.Message) {
	photo := msg.Photo[len(msg.Photo)-1]

	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: photo.FileID})
	if err != nil {
		log.Warn().Err(err).Msg("failed to resolve photo file")
		b.sendText(msg.Chat.ID, "Could not download the image.")
		return
	}

	path, err := b.downloadFile(file.Link(b.api.Token))
	if err != nil {
		log.Warn().Err(err).Msg("failed to download photo")
		b.sendText(msg.Chat.ID, "Could not download the image.")
		return
	}

	b.enqueue(msg.Chat.ID, msg.From.ID, queue.Payload{
		Text:      msg.Caption,
		ImagePath: path,
		Caption:   msg.Caption,
	})
}

func (b *Bot) downloadFile(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(b.cfg.SpoolDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(b.cfg.SpoolDir, uuid.NewString()+".jpg")
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Deliver implements core.Outbound. Replies within the inline limit go as
// plain messages; longer ones become a Markdown file attachment.
func (b *Bot) Deliver(chatID int64, text string) {
	if text == "" {
		text = "(empty reply)"
	}

	if len(text) <= b.cfg.InlineReplyLimit {
		b.sendText(chatID, text)
		return
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  "reply.md",
		Bytes: []byte(text),
	})
	doc.Caption = "Reply too long for a message, attached as a file."
	if _, err := b.api.Send(doc); err != nil {
		log.Warn().Int64("chatId", chatID).Err(err).Msg("failed to send reply document")
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Int64("chatId", chatID).Err(err).Msg("failed to send message")
	}
}

// notifier forwards observer events to the last active chat
func (b *Bot) notifier(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-b.notifyCh:
			if chatID := b.lastChat.Load(); chatID != 0 {
				b.sendText(chatID, text)
			}
		}
	}
}
