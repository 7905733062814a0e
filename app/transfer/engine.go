// Package transfer moves media out of a source chat and back up to the
// requesting user: fetch, download with progress, video metadata and
// thumbnail derivation, and upload over the most suitable identity.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	e "nuclight.org/saver-tg-bot/pkg/entities"
	"nuclight.org/saver-tg-bot/pkg/logger"
)

type Stage string

const (
	StageFetch    Stage = "fetch"
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

// Error is a transfer failure tagged with the stage that produced it. Not
// auto-retried; the orchestrator reports it to the user.
type Error struct {
	Stage Stage
	Err   error
}

func (err *Error) Error() string {
	return fmt.Sprintf("%s: %v", err.Stage, err.Err)
}

func (err *Error) Unwrap() error {
	return err.Err
}

// ErrMessageNotFound covers a target message that is missing or became
// inaccessible after verification succeeded. Reported, not retried.
var ErrMessageNotFound = errors.New("message not found or inaccessible")

// ProgressFunc receives (bytes transferred, bytes total). Total is zero when
// the platform did not report a size.
type ProgressFunc func(transferred, total int64)

// MessageAPI is the slice of the MTProto surface used to fetch a message.
// *tg.Client satisfies it.
type MessageAPI interface {
	ChannelsGetMessages(ctx context.Context, request *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error)
	MessagesGetMessages(ctx context.Context, id []tg.InputMessageClass) (tg.MessagesMessagesClass, error)
}

// Message is the resolved target of a retrieval. Text doubles as the media
// caption when Media is set.
type Message struct {
	ID    int
	Text  string
	Media tg.MessageMediaClass
}

// HasMedia reports whether the message carries downloadable media. Link
// previews do not count.
func (m *Message) HasMedia() bool {
	if m.Media == nil {
		return false
	}
	loc, _ := describeMedia(m.Media)
	return loc != nil
}

// LocalMedia is a downloaded file plus the transfer metadata derived from
// the source message.
type LocalMedia struct {
	Path     string
	FileName string
	MIME     string
	Caption  string
	Video    bool
	Size     int64
}

// VideoMeta is probed from the downloaded file, not trusted from the
// platform's own attributes.
type VideoMeta struct {
	Width    int
	Height   int
	Duration float64
}

type Engine struct {
	Log         logger.Logger
	DownloadDir string
}

// FetchMessage resolves the target message through the user-acting identity.
func (eng *Engine) FetchMessage(ctx context.Context, api MessageAPI, chat e.ChatInfo, msgID int) (*Message, error) {
	var (
		result tg.MessagesMessagesClass
		err    error
	)
	if chat.IsChannel {
		result, err = api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash},
			ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}},
		})
	} else {
		result, err = api.MessagesGetMessages(ctx, []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}})
	}
	if err != nil {
		return nil, &Error{Stage: StageFetch, Err: err}
	}

	msg := firstMessage(result)
	if msg == nil {
		return nil, &Error{Stage: StageFetch, Err: ErrMessageNotFound}
	}

	return &Message{ID: msg.ID, Text: msg.Message, Media: msg.Media}, nil
}

func firstMessage(result tg.MessagesMessagesClass) *tg.Message {
	var messages []tg.MessageClass
	switch r := result.(type) {
	case *tg.MessagesMessages:
		messages = r.Messages
	case *tg.MessagesMessagesSlice:
		messages = r.Messages
	case *tg.MessagesChannelMessages:
		messages = r.Messages
	default:
		return nil
	}
	if len(messages) == 0 {
		return nil
	}
	msg, ok := messages[0].(*tg.Message)
	if !ok {
		return nil
	}
	return msg
}

// Download streams the message's media to a job-scoped temporary path,
// reporting progress per received chunk.
func (eng *Engine) Download(ctx context.Context, api downloader.Client, msg *Message, jobTag string, progress ProgressFunc) (*LocalMedia, error) {
	loc, info := describeMedia(msg.Media)
	if loc == nil {
		return nil, &Error{Stage: StageDownload, Err: fmt.Errorf("unsupported media type %T", msg.Media)}
	}
	info.fileName = safeFileName(info.fileName)

	path := filepath.Join(eng.DownloadDir, jobTag+"_"+info.fileName)
	file, err := os.Create(path)
	if err != nil {
		return nil, &Error{Stage: StageDownload, Err: fmt.Errorf("creating download file: %w", err)}
	}

	cw := &countingWriter{dst: file, total: info.size, progress: progress}
	_, err = downloader.NewDownloader().Download(api, loc).Stream(ctx, cw)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, &Error{Stage: StageDownload, Err: err}
	}

	return &LocalMedia{
		Path:     path,
		FileName: info.fileName,
		MIME:     info.mime,
		Caption:  msg.Text,
		Video:    info.video,
		Size:     info.size,
	}, nil
}

type mediaInfo struct {
	fileName string
	mime     string
	size     int64
	video    bool
}

// safeFileName reduces a remote-supplied filename to its bare base name.
// The filename attribute is set by whoever posted the message; path
// separators or dot-dot segments in it must never reach the filesystem.
func safeFileName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

// describeMedia picks the download location and file facts out of the
// message media. Photos use their largest size, the way clients do.
func describeMedia(media tg.MessageMediaClass) (tg.InputFileLocationClass, mediaInfo) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, mediaInfo{}
		}
		var best *tg.PhotoSize
		for _, size := range photo.Sizes {
			if ps, ok := size.(*tg.PhotoSize); ok {
				if best == nil || ps.Size > best.Size {
					best = ps
				}
			}
		}
		if best == nil {
			return nil, mediaInfo{}
		}
		return &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     best.Type,
			}, mediaInfo{
				fileName: fmt.Sprintf("photo_%d.jpg", photo.ID),
				mime:     "image/jpeg",
				size:     int64(best.Size),
			}

	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, mediaInfo{}
		}
		info := mediaInfo{
			fileName: fmt.Sprintf("doc_%d", doc.ID),
			mime:     doc.MimeType,
			size:     doc.Size,
			video:    strings.HasPrefix(doc.MimeType, "video/"),
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeFilename:
				info.fileName = a.FileName
			case *tg.DocumentAttributeVideo:
				info.video = true
			}
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, info

	default:
		return nil, mediaInfo{}
	}
}

type countingWriter struct {
	dst         interface{ Write([]byte) (int, error) }
	total       int64
	transferred int64
	progress    ProgressFunc
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.transferred += int64(n)
	if w.progress != nil && n > 0 {
		w.progress(w.transferred, w.total)
	}
	return n, err
}

// UploadVideo sends the downloaded video to the user over the transport
// identity with streaming-playable attributes. thumbPath may be empty.
func (eng *Engine) UploadVideo(ctx context.Context, api *tg.Client, userID int64, media *LocalMedia, meta VideoMeta, thumbPath string, progress ProgressFunc) error {
	up := uploader.NewUploader(api)
	if progress != nil {
		up = up.WithProgress(uploadProgress{fn: progress})
	}

	file, err := up.FromPath(ctx, media.Path)
	if err != nil {
		return &Error{Stage: StageUpload, Err: err}
	}

	mime := media.MIME
	if mime == "" {
		mime = "video/mp4"
	}

	doc := message.UploadedDocument(file, styling.Plain(media.Caption))
	doc.MIME(mime).
		Attributes(
			&tg.DocumentAttributeFilename{FileName: media.FileName},
			&tg.DocumentAttributeVideo{
				Duration:          meta.Duration,
				W:                 meta.Width,
				H:                 meta.Height,
				SupportsStreaming: true,
			},
		).
		Video()

	if thumbPath != "" {
		thumb, err := up.FromPath(ctx, thumbPath)
		if err != nil {
			eng.Log.Warn("uploading thumbnail failed, sending without", "error", err)
		} else {
			doc.Thumb(thumb)
		}
	}

	// The transport session serves the same bot account that received the
	// command, so the requesting user is a known peer and needs no access
	// hash.
	sender := message.NewSender(api)
	if _, err := sender.To(&tg.InputPeerUser{UserID: userID}).Media(ctx, doc); err != nil {
		return &Error{Stage: StageUpload, Err: err}
	}
	return nil
}

// UploadDocument sends non-video media through the Bot API identity.
func (eng *Engine) UploadDocument(bot *tgbotapi.BotAPI, chatID int64, media *LocalMedia, thumbPath string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(media.Path))
	doc.Caption = media.Caption
	if thumbPath != "" {
		doc.Thumb = tgbotapi.FilePath(thumbPath)
	}
	if _, err := bot.Send(doc); err != nil {
		return &Error{Stage: StageUpload, Err: err}
	}
	return nil
}

type uploadProgress struct {
	fn ProgressFunc
}

func (p uploadProgress) Chunk(_ context.Context, state uploader.ProgressState) error {
	p.fn(state.Uploaded, state.Total)
	return nil
}
