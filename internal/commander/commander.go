package commander

import (
	"context"
	"errors"
)

// ErrNonEditable is returned by Messenger.EditMessage when the target message
// cannot be edited: the content is unchanged, the message is too old, or it
// has already been deleted.
var ErrNonEditable = errors.New("message is not editable")

// Source is the inbound update stream used by the poll loop.
type Source interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
}

// Sender delivers a new message and returns its id.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb Keyboard) (int64, error)
}

// Messenger is the outbound half of the messaging endpoint.
type Messenger interface {
	Sender
	EditMessage(ctx context.Context, chatID, messageID int64, text string, kb Keyboard) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	// AnswerCallback acknowledges a button press, optionally with a short toast.
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Update represents an incoming event. Exactly one of Message or Callback is set.
type Update struct {
	UpdateID int64     `json:"update_id"`
	Message  *Message  `json:"message,omitempty"`
	Callback *Callback `json:"callback_query,omitempty"`
}

// Message represents a chat message.
type Message struct {
	MessageID int64   `json:"message_id"`
	From      *User   `json:"from,omitempty"`
	Chat      Chat    `json:"chat"`
	Text      *string `json:"text,omitempty"`
	Date      int64   `json:"date"`
}

// Callback is an inline keyboard button press.
type Callback struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Data    string   `json:"data"`
	Message *Message `json:"message,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the sender of a message or callback.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// FullName joins first and last name.
func (u User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	default:
		return u.FirstName + " " + u.LastName
	}
}

// Date returns the event timestamp in unix seconds.
func (u Update) Date() int64 {
	switch {
	case u.Message != nil:
		return u.Message.Date
	case u.Callback != nil && u.Callback.Message != nil:
		return u.Callback.Message.Date
	}
	return 0
}

// ChatID returns the chat the update belongs to, or 0.
func (u Update) ChatID() int64 {
	switch {
	case u.Message != nil:
		return u.Message.Chat.ID
	case u.Callback != nil && u.Callback.Message != nil:
		return u.Callback.Message.Chat.ID
	}
	return 0
}

// Sender returns the user who triggered the update.
func (u Update) Sender() (User, bool) {
	switch {
	case u.Message != nil && u.Message.From != nil:
		return *u.Message.From, true
	case u.Callback != nil:
		return u.Callback.From, true
	}
	return User{}, false
}
