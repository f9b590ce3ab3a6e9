// Package upstream defines the boundary to the messaging service: a
// normalized message/chat model, a client interface, and the error classes
// the download engine retries on.
package upstream

import (
	"context"
	"time"
)

type ChatType string

const (
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
	ChatBot        ChatType = "bot"
	ChatUser       ChatType = "user"
)

type Chat struct {
	ID                  int64    `json:"id,string"`
	Title               string   `json:"title"`
	Type                ChatType `json:"type"`
	Username            string   `json:"username,omitempty"`
	MembersCount        int      `json:"members_count"`
	HasProtectedContent bool     `json:"-"`
}

type MediaType string

const (
	MediaPhoto     MediaType = "photo"
	MediaVideo     MediaType = "video"
	MediaAudio     MediaType = "audio"
	MediaDocument  MediaType = "document"
	MediaVoice     MediaType = "voice"
	MediaVideoNote MediaType = "video_note"
	MediaAnimation MediaType = "animation"
	MediaSticker   MediaType = "sticker"
)

// Media describes the downloadable attachment of a message.
type Media struct {
	Type         MediaType `json:"media_type"`
	FileID       string    `json:"file_id,omitempty"`
	FileUniqueID string    `json:"file_unique_id,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	FileSize     int64     `json:"file_size"`
	MimeType     string    `json:"mime_type,omitempty"`
	Date         time.Time `json:"-"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Duration     int       `json:"duration,omitempty"`
}

// Message is the normalized message shape used at component boundaries.
type Message struct {
	ID           int       `json:"message_id"`
	ChatID       int64     `json:"-"`
	ChatTitle    string    `json:"-"`
	Date         time.Time `json:"date"`
	Text         string    `json:"text,omitempty"`
	Caption      string    `json:"caption,omitempty"`
	MediaGroupID int64     `json:"media_group_id,omitempty"`
	Media        *Media    `json:"media,omitempty"`
	Empty        bool      `json:"-"`
}

// MediaOfType returns the message media when it matches t, nil otherwise.
func (m *Message) MediaOfType(t MediaType) *Media {
	if m.Media != nil && m.Media.Type == t {
		return m.Media
	}
	return nil
}

func (m *Message) HasMedia() bool { return m.Media != nil }

// UserInfo identifies the authenticated account behind a client.
type UserInfo struct {
	ID        int64  `json:"id,string"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// HistoryOptions controls ChatHistory paging.
type HistoryOptions struct {
	Limit    int
	OffsetID int
	MaxID    int
	Reverse  bool
}

// ProgressFunc receives transfer progress. Returning a non-nil error aborts
// the transfer; ErrTransmissionStopped is the cooperative cancel signal.
type ProgressFunc func(downloaded, total int64) error

// Client is the set of upstream operations the engine consumes. Batch
// operations accept at most MaxBatchMessages ids per call.
type Client interface {
	Self() UserInfo
	GetChat(ctx context.Context, chatID int64) (*Chat, error)
	GetMessages(ctx context.Context, chatID int64, messageIDs []int) ([]*Message, error)
	ListDialogs(ctx context.Context) ([]*Chat, error)
	ChatHistory(ctx context.Context, chatID int64, opts HistoryOptions) ([]*Message, error)
	// FetchMessage re-reads a message to refresh its file references.
	FetchMessage(ctx context.Context, msg *Message) (*Message, error)
	// DownloadMedia writes the message media to path, reporting progress.
	// It returns the path actually written, or "" on failure.
	DownloadMedia(ctx context.Context, msg *Message, path string, progress ProgressFunc) (string, error)
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string) error
	ExportSessionString() (string, error)
	Close() error
}

// MaxBatchMessages is the upstream limit on GetMessages batch size.
const MaxBatchMessages = 100
