package saver

import (
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// editInterval throttles status message edits. Progress callbacks fire per
// chunk; editing on every one would trip the Bot API rate limits.
const editInterval = 2 * time.Second

// statusEditor keeps one status message per job updated. The first Set sends
// the message, later ones edit it, rate-limited to editInterval except for
// the final text of a terminal state.
type statusEditor struct {
	send    func(tgbotapi.Chattable) (tgbotapi.Message, error)
	request func(tgbotapi.Chattable) (*tgbotapi.APIResponse, error)

	chatID    int64
	messageID int

	mu       sync.Mutex
	lastText string
	lastEdit time.Time
	interval time.Duration

	now func() time.Time
}

func (h *Handler) statusEditorFor(chatID int64) *statusEditor {
	if h.newStatus != nil {
		return h.newStatus(chatID)
	}
	return h.newStatusEditor(chatID)
}

func (h *Handler) newStatusEditor(chatID int64) *statusEditor {
	bot := h.Coordinator.Handles().Bot.API()
	return &statusEditor{
		send:     bot.Send,
		request:  bot.Request,
		chatID:   chatID,
		interval: editInterval,
		now:      time.Now,
	}
}

func (s *statusEditor) Set(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.messageID == 0 {
		msg, err := s.send(tgbotapi.NewMessage(s.chatID, text))
		if err != nil {
			return
		}
		s.messageID = msg.MessageID
		s.lastText = text
		s.lastEdit = s.now()
		return
	}

	if text == s.lastText || s.now().Sub(s.lastEdit) < s.interval {
		return
	}

	if _, err := s.send(tgbotapi.NewEditMessageText(s.chatID, s.messageID, text)); err != nil {
		return
	}
	s.lastText = text
	s.lastEdit = s.now()
}

// Final writes the closing text of the job, bypassing the edit throttle so
// the outcome always lands.
func (s *statusEditor) Final(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.messageID == 0 {
		msg, err := s.send(tgbotapi.NewMessage(s.chatID, text))
		if err != nil {
			return
		}
		s.messageID = msg.MessageID
		return
	}
	if text == s.lastText {
		return
	}
	if _, err := s.send(tgbotapi.NewEditMessageText(s.chatID, s.messageID, text)); err != nil {
		return
	}
	s.lastText = text
	s.lastEdit = s.now()
}

// Delete removes the status message once the job outcome has been delivered.
func (s *statusEditor) Delete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.messageID == 0 {
		return
	}
	_, _ = s.request(tgbotapi.NewDeleteMessage(s.chatID, s.messageID))
	s.messageID = 0
}
