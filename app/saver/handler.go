// Package saver implements the restricted-content saving feature: it parses
// message links out of user commands, checks access through the user-acting
// identity, and drives the fetch-download-upload pipeline, reporting progress
// by editing a status message.
package saver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/getsentry/sentry-go"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nuclight.org/saver-tg-bot/app/access"
	"nuclight.org/saver-tg-bot/app/resolver"
	"nuclight.org/saver-tg-bot/app/telegram"
	"nuclight.org/saver-tg-bot/app/transfer"
	e "nuclight.org/saver-tg-bot/pkg/entities"
	"nuclight.org/saver-tg-bot/pkg/logger"
	"nuclight.org/saver-tg-bot/pkg/mutex"
)

const startText = `Hi! I save messages from chats that restrict forwarding.

Send /save with a message link and I will fetch the content and send it back to you:

/save https://t.me/c/1234567890/55
/save https://t.me/somechannel/10 3

The second argument saves that many consecutive messages starting from the linked one.

Send me a photo to use it as the thumbnail for saved videos, /delthumb to go back to auto-generated ones. /help shows this message again.`

const usageText = `Usage: /save <message link> [count]

Supported links:
  https://t.me/c/<id>/<message>      private channel
  https://t.me/<username>/<message>  public chat
  https://t.me/b/<username>/<message> bot chat

For invite links (t.me/+...) send /join <invite link> first.`

// Settings store dependency of the handler.
type SettingsStore interface {
	ThumbnailPath(ctx context.Context, userID int64) (string, error)
	SetThumbnailPath(ctx context.Context, userID int64, path string) error
	ClearThumbnailPath(ctx context.Context, userID int64) error
	RecordJob(ctx context.Context, job e.RetrievalJob, detail string) (int64, error)
}

// Handler is the saver feature module. It serves private chats only; one
// save command runs at a time per user.
type Handler struct {
	Log         logger.Logger
	Coordinator *telegram.Coordinator
	Verifier    *access.Verifier
	Engine      *transfer.Engine
	Store       SettingsStore

	// BatchLimit caps the count argument of /save.
	BatchLimit int

	// status editor factory, replaced in tests
	newStatus func(chatID int64) *statusEditor

	userLocks mutex.KeyedMutex
}

func (h *Handler) Name() string { return "saver" }

// Start installs the handler on the bot identity's update path.
func (h *Handler) Start(ctx context.Context) error {
	bot := h.Coordinator.Handles().Bot
	if bot == nil {
		return fmt.Errorf("bot identity not started")
	}

	bot.RegisterHandler(h)
	return nil
}

func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !msg.Chat.IsPrivate() {
		return
	}

	log := h.Log.With("tg_user_id", msg.From.ID, "tg_message_id", msg.MessageID)

	if len(msg.Photo) > 0 {
		h.handleThumbnailPhoto(ctx, log, msg)
		return
	}

	if !msg.IsCommand() {
		h.reply(msg.Chat.ID, usageText)
		return
	}

	switch msg.Command() {
	case "start", "help":
		h.reply(msg.Chat.ID, startText)
	case "save":
		h.handleSave(ctx, log, msg)
	case "join":
		h.handleJoin(ctx, log, msg)
	case "delthumb":
		if err := h.Store.ClearThumbnailPath(ctx, msg.From.ID); err != nil {
			log.Error("clearing thumbnail", "error", err)
		}
		h.reply(msg.Chat.ID, "Thumbnail removed, videos will get an auto-generated one.")
	default:
		h.reply(msg.Chat.ID, usageText)
	}
}

func (h *Handler) handleSave(ctx context.Context, log logger.Logger, msg *tgbotapi.Message) {
	link, count, err := parseSaveArgs(msg.CommandArguments(), h.batchLimit())
	if err != nil {
		h.reply(msg.Chat.ID, usageText)
		return
	}

	// Invite links carry no message id; point the user at /join.
	if isInviteLink(link) {
		h.reply(msg.Chat.ID, "That is an invite link. Send /join "+link+" first, then /save the message link.")
		return
	}

	userKey := fmt.Sprintf("%d", msg.From.ID)
	h.userLocks.Lock(userKey)
	defer h.userLocks.Unlock(userKey)

	for i := 0; i < count; i++ {
		h.runJob(ctx, log, msg.Chat.ID, msg.From.ID, link, i)
	}
}

func (h *Handler) handleJoin(ctx context.Context, log logger.Logger, msg *tgbotapi.Message) {
	link := strings.TrimSpace(msg.CommandArguments())
	if link == "" {
		h.reply(msg.Chat.ID, "Usage: /join <invite link>")
		return
	}

	// Fetch the handle once: a probe-driven restart may nil the slot at
	// any moment, so checking availability and re-fetching would race.
	user := h.Coordinator.Handles().User
	if user == nil {
		h.reply(msg.Chat.ID, capabilityText())
		return
	}

	if h.Verifier.AttemptJoin(ctx, user.API(), link) {
		h.reply(msg.Chat.ID, "Joined. Now /save the message link.")
		return
	}

	log.Warn("join attempt failed", "link", link)
	h.reply(msg.Chat.ID, "Could not join with that invite link.")
}

// handleThumbnailPhoto stores the largest size of an incoming photo as the
// user's video thumbnail.
func (h *Handler) handleThumbnailPhoto(ctx context.Context, log logger.Logger, msg *tgbotapi.Message) {
	largest := msg.Photo[len(msg.Photo)-1]

	path, err := h.downloadBotFile(largest.FileID, fmt.Sprintf("thumb_%d.jpg", msg.From.ID))
	if err != nil {
		log.Error("saving thumbnail photo", "error", err)
		h.reply(msg.Chat.ID, "Could not save that photo, try again.")
		return
	}

	if err := h.Store.SetThumbnailPath(ctx, msg.From.ID, path); err != nil {
		log.Error("storing thumbnail path", "error", err)
		h.reply(msg.Chat.ID, "Could not save that photo, try again.")
		return
	}

	h.reply(msg.Chat.ID, "Saved. Videos will use this thumbnail; /delthumb removes it.")
}

// runJob executes one save. offset shifts the message id for batch saves.
func (h *Handler) runJob(ctx context.Context, log logger.Logger, chatID, userID int64, link string, offset int) {
	job := e.RetrievalJob{
		UserID:  userID,
		RawLink: link,
		Status:  e.JobStatusProcessing,
	}
	defer job.RemoveArtifacts()

	status := h.statusEditorFor(chatID)
	status.Set("Processing...")
	job.StatusMessageID = status.messageID

	fail := func(userText, detail string, report error) {
		job.Status = e.JobStatusFailed
		status.Final(userText)
		if report != nil {
			log.Error("save failed", "link", link, "offset", offset, "error", report)
			sentry.CaptureException(report)
		}
		h.recordJob(ctx, log, job, detail)
	}

	ref, err := resolver.Resolve(link, offset)
	if err != nil {
		var parseErr *resolver.ParseError
		if errors.As(err, &parseErr) {
			fail("That does not look like a message link.\n\n"+usageText, err.Error(), nil)
			return
		}
		fail("Could not parse that link.", err.Error(), err)
		return
	}
	job.Link = ref

	// One fetch, one nil check: the handle slot can be nilled by a
	// concurrent restart after any availability check.
	user := h.Coordinator.Handles().User
	if user == nil {
		fail(capabilityText(), telegram.ErrIdentityUnavailable.Error(), nil)
		return
	}
	userAPI := user.API()

	job.Status = e.JobStatusChecking
	status.Set("Checking access...")

	verdict := h.Verifier.Verify(ctx, userAPI, ref)
	if !verdict.Reachable {
		fail(reasonText(verdict), string(verdict.Reason), nil)
		return
	}

	job.Status = e.JobStatusAccessing
	message, err := h.Engine.FetchMessage(ctx, userAPI, verdict.Chat, ref.MessageID)
	if err != nil {
		if errors.Is(err, transfer.ErrMessageNotFound) {
			fail("The message does not exist or is no longer accessible.", err.Error(), nil)
			return
		}
		fail("Fetching the message failed, try again later.", err.Error(), err)
		return
	}

	// Text-only messages are relayed directly, no transfer needed.
	if !message.HasMedia() {
		if message.Text == "" {
			fail("That message has no content I can save.", "empty message", nil)
			return
		}
		h.reply(chatID, message.Text)
		job.Status = e.JobStatusDelivered
		status.Delete()
		h.recordJob(ctx, log, job, "")
		return
	}

	override, err := h.Store.ThumbnailPath(ctx, userID)
	if err != nil {
		log.Error("loading thumbnail override", "error", err)
	}

	job.Status = e.JobStatusDownloading
	jobTag := fmt.Sprintf("%d_%d", userID, ref.MessageID)
	media, err := h.Engine.Download(ctx, userAPI, message, jobTag, func(transferred, total int64) {
		status.Set("Downloading... " + progressText(transferred, total))
	})
	if err != nil {
		fail("Downloading the content failed, try again later.", err.Error(), err)
		return
	}
	job.DownloadPath = media.Path

	job.ThumbPath, job.ThumbGenerated = h.Engine.Thumbnail(ctx, override, media, jobTag)

	job.Status = e.JobStatusUploading
	status.Set("Uploading...")

	if err := h.upload(ctx, status, chatID, userID, media, job.ThumbPath); err != nil {
		fail("Sending the content back failed, try again later.", err.Error(), err)
		return
	}

	job.Status = e.JobStatusDelivered
	status.Delete()
	h.recordJob(ctx, log, job, "")
}

// upload picks the delivery path: videos go over the MTProto transport
// identity when it is up, so they arrive streamable and without the Bot API
// size cap. Everything else, and videos while transport is degraded, goes as
// a Bot API document.
func (h *Handler) upload(ctx context.Context, status *statusEditor, chatID, userID int64, media *transfer.LocalMedia, thumbPath string) error {
	transport := h.Coordinator.Handles().Transport
	if media.Video && transport != nil {
		meta, err := h.Engine.ProbeVideo(ctx, media.Path)
		if err != nil {
			h.Log.Warn("probing video failed, uploading without dimensions", "error", err)
		}

		err = h.Engine.UploadVideo(ctx, transport.API(), userID, media, meta, thumbPath, func(transferred, total int64) {
			status.Set("Uploading... " + progressText(transferred, total))
		})
		if err == nil {
			return nil
		}
		h.Log.Warn("video upload over transport failed, falling back to document", "error", err)
	}

	return h.Engine.UploadDocument(h.Coordinator.Handles().Bot.API(), chatID, media, thumbPath)
}

func (h *Handler) recordJob(ctx context.Context, log logger.Logger, job e.RetrievalJob, detail string) {
	if _, err := h.Store.RecordJob(ctx, job, detail); err != nil {
		log.Error("recording job", "error", err)
	}
}

func (h *Handler) reply(chatID int64, text string) {
	bot := h.Coordinator.Handles().Bot.API()
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.Log.Error("sending reply", "tg_chat_id", chatID, "error", err)
	}
}

func (h *Handler) batchLimit() int {
	if h.BatchLimit <= 0 {
		return 1
	}
	return h.BatchLimit
}

func capabilityText() string {
	return "Saving restricted content is unavailable right now: the user session is not connected. Basic commands still work."
}

func reasonText(v e.Verdict) string {
	switch v.Reason {
	case e.AccessPrivateUnjoined:
		return "I cannot see that chat. Join it with the user account first, or send /join with an invite link."
	case e.AccessInvalidReference:
		return "That chat or channel does not exist."
	case e.AccessBanned:
		return "The user account is banned from that chat."
	case e.AccessInvalidPeer:
		return "That link points at something I cannot read messages from."
	case e.AccessRateLimited:
		return fmt.Sprintf("The platform asks to slow down. Try again in %s.", v.RetryAfter)
	default:
		if v.Detail != "" {
			return "Access check failed: " + v.Detail
		}
		return "Access check failed, try again later."
	}
}

func progressText(transferred, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("%.1f MB", float64(transferred)/(1<<20))
	}
	return fmt.Sprintf("%.0f%%", float64(transferred)/float64(total)*100)
}

func isInviteLink(link string) bool {
	return strings.Contains(link, "t.me/+") || strings.Contains(link, "t.me/joinchat/")
}

// parseSaveArgs splits "<link> [count]", clamping count to [1, limit].
func parseSaveArgs(args string, limit int) (string, int, error) {
	fields := strings.Fields(args)
	switch len(fields) {
	case 1:
		return fields[0], 1, nil
	case 2:
		var count int
		if _, err := fmt.Sscanf(fields[1], "%d", &count); err != nil {
			return "", 0, fmt.Errorf("parsing count: %w", err)
		}
		if count < 1 {
			count = 1
		}
		if count > limit {
			count = limit
		}
		return fields[0], count, nil
	default:
		return "", 0, fmt.Errorf("expected a link and an optional count, got %d arguments", len(fields))
	}
}
