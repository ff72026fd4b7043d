package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/telepilot/telepilot/history"
	"github.com/telepilot/telepilot/session"
)

const startMessage = `Send a message and it goes to the default session.
Prefix with @name to target a named session.

/new [name]      create a session
/open <name> [dir]  create a session in a directory
/close [name]    close a session (default: reset conversation)
/default [name]  change the routing default
/job             show the queue
/status          system status
/history [n]     recent conversation log
/clean           wipe histories and reset
@                list sessions`

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.sendText(chatID, startMessage)

	case "new":
		name := ""
		if len(args) > 0 {
			name = args[0]
		} else {
			name = "s" + uuid.NewString()[:8]
		}
		b.openSession(chatID, name, "")

	case "open":
		if len(args) == 0 {
			b.sendText(chatID, "Usage: /open <name> [dir]")
			return
		}
		dir := ""
		if len(args) > 1 {
			dir = args[1]
		}
		b.openSession(chatID, args[0], dir)

	case "close":
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		if err := b.core.CloseSession(name); err != nil {
			b.sendText(chatID, sessionErrorText(err))
			return
		}
		if name == "" {
			b.sendText(chatID, "Default session conversation reset.")
		} else {
			b.sendText(chatID, "Session "+name+" closed.")
		}

	case "default":
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		if err := b.core.SetDefault(name); err != nil {
			b.sendText(chatID, sessionErrorText(err))
			return
		}
		b.sendText(chatID, "Default session is now "+b.core.Default()+".")

	case "job":
		b.sendText(chatID, b.formatQueue())

	case "clean":
		if err := b.core.Clean(); err != nil {
			b.sendText(chatID, "Clean failed: "+err.Error())
			return
		}
		b.sendText(chatID, "Histories cleared, default conversation reset.")

	case "status":
		b.sendText(chatID, b.formatStatus())

	case "history":
		n := 20
		if len(args) > 0 {
			parsed, err := strconv.Atoi(args[0])
			if err != nil || parsed <= 0 {
				b.sendText(chatID, "Usage: /history [n]")
				return
			}
			n = parsed
		}
		b.sendText(chatID, b.formatHistory(b.core.Default(), n))

	default:
		b.sendText(chatID, "Unknown command. /start for help.")
	}
}

func (b *Bot) openSession(chatID int64, name, dir string) {
	status, err := b.core.OpenSession(name, dir)
	if err != nil {
		b.sendText(chatID, sessionErrorText(err))
		return
	}
	b.sendText(chatID, fmt.Sprintf("Session %s opened in %s.", status.Name, status.Workdir))
}

func sessionErrorText(err error) string {
	switch {
	case errors.Is(err, session.ErrNameExists):
		return "A session with that name already exists."
	case errors.Is(err, session.ErrNameInvalid):
		return "Invalid session name: up to 64 characters, no spaces or @."
	case errors.Is(err, session.ErrNameReserved):
		return "That name is reserved."
	case errors.Is(err, session.ErrNotFound):
		return "No such session."
	case errors.Is(err, session.ErrIsDefault):
		return "The default session cannot be closed; /close without a name resets it."
	case errors.Is(err, session.ErrWorkdirInvalid):
		return "That directory does not exist."
	case errors.Is(err, session.ErrTooManySessions):
		return "Session limit reached, close one first."
	default:
		return "Error: " + err.Error()
	}
}

func (b *Bot) formatSessions() string {
	sessions := b.core.Sessions()
	if len(sessions) == 0 {
		return "No sessions."
	}

	def := b.core.Default()
	var sb strings.Builder
	sb.WriteString("Sessions:\n")
	for _, s := range sessions {
		marker := "  "
		if s.Name == def {
			marker = "* "
		}
		fmt.Fprintf(&sb, "%s%s [%s] %s\n", marker, s.Name, s.State, s.Workdir)
	}
	return sb.String()
}

func (b *Bot) formatQueue() string {
	jobs := b.core.QueueSnapshot()
	if len(jobs) == 0 {
		return "Queue is empty."
	}

	var sb strings.Builder
	for _, j := range jobs {
		text := j.Text
		if len(text) > 48 {
			text = text[:48] + "…"
		}
		fmt.Fprintf(&sb, "[%s] %s %s\n", j.Status, j.ID[:8], text)
	}
	return sb.String()
}

func (b *Bot) formatStatus() string {
	st := b.core.Status()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Up %s, default session %s\n", time.Since(st.StartedAt).Round(time.Second), st.Default)
	fmt.Fprintf(&sb, "Queue: %d waiting, %d running\n", st.Waiting, st.Running)
	for _, s := range st.Sessions {
		fmt.Fprintf(&sb, "  %s [%s]\n", s.Name, s.State)
	}
	return sb.String()
}

func (b *Bot) formatHistory(sessionName string, n int) string {
	entries := b.core.History(sessionName, n)
	if len(entries) == 0 {
		return "No history for " + sessionName + "."
	}

	var sb strings.Builder
	for _, e := range entries {
		prefix := "you"
		if e.Direction == history.DirectionAssistant {
			prefix = "bot"
		}
		text := e.Text
		if len(text) > 200 {
			text = text[:200] + "…"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", e.Timestamp.Format("15:04"), prefix, text)
	}
	return sb.String()
}
