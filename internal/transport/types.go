package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID            int
	ChatID        int64
	FromID        int64
	FromUsername  string
	FromFirstName string
	Text          string
	Caption       string
	PhotoFileID   string // largest size; empty for text-only messages
	At            time.Time
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

// MessageRef identifies an already-delivered message so it can be
// referenced later (e.g. copied to another chat).
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// InlineButton is one inline-keyboard button. Data is the callback payload
// delivered back as Callback.Data when the button is pressed.
type InlineButton struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	InlineKeyboard [][]InlineButton
}

// Adapter is the message-transport capability the bot is built against.
// The Telegram implementation lives in transport/telegram/adapter.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, fileID, caption string, opt *SendOptions) (MessageRef, error)
	CopyMessage(ctx context.Context, to ChatTarget, src MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
