package telegram

import (
	"fmt"

	"github.com/telepilot/telepilot/events"
	"github.com/telepilot/telepilot/log"
)

// Sink forwards notable core events to the user's chat. Emitters must not
// block, so events go through the bot's buffered channel and overflow is
// dropped.
type Sink struct {
	events.Nop
	bot *Bot
}

// Observer returns the bot's event sink
func (b *Bot) Observer() events.Observer {
	return &Sink{bot: b}
}

func (s *Sink) SessionRespawned(name string) {
	s.push(fmt.Sprintf("Session %s was restarted.", name))
}

func (s *Sink) SessionDead(name string, reason error) {
	s.push(fmt.Sprintf("Session %s is down: %v", name, reason))
}

func (s *Sink) push(text string) {
	select {
	case s.bot.notifyCh <- text:
	default:
		log.Warn().Msg("notification channel full, dropping event")
	}
}
