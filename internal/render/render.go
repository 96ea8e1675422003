package render

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
)

// ErrDelivery wraps transport failures that prevented a render.
var ErrDelivery = errors.New("render delivery failed")

// Event is the inbound trigger a render responds to.
type Event struct {
	ChatID int64
	// MessageID is the bot message that carried the pressed button, or the
	// user's own message for a fresh text event.
	MessageID  int64
	CallbackID string
}

// Editable reports whether the event came from a button on a bot message.
func (e Event) Editable() bool {
	return e.CallbackID != "" && e.MessageID != 0
}

// EventFromUpdate builds the render trigger for an update.
func EventFromUpdate(u cmdpkg.Update) Event {
	switch {
	case u.Callback != nil && u.Callback.Message != nil:
		return Event{
			ChatID:     u.Callback.Message.Chat.ID,
			MessageID:  u.Callback.Message.MessageID,
			CallbackID: u.Callback.ID,
		}
	case u.Message != nil:
		return Event{ChatID: u.Message.Chat.ID, MessageID: u.Message.MessageID}
	}
	return Event{}
}

// Result reports how a render was delivered.
type Result struct {
	Delivered    bool
	UsedFallback bool
	MessageID    int64
}

// BestEffort is an optional side effect. It logs failures and never
// returns them.
type BestEffort func(ctx context.Context)

// Renderer makes the chat show a screen with as few messages as possible.
type Renderer struct {
	msgr   cmdpkg.Messenger
	logger *zap.Logger
}

func New(msgr cmdpkg.Messenger, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{msgr: msgr, logger: logger}
}

// Render edits the message behind a button press in place, or sends a new
// message for a fresh user message and removes the user's message.
func (r *Renderer) Render(ctx context.Context, ev Event, text string, kb cmdpkg.Keyboard) (Result, error) {
	if ev.Editable() {
		err := r.msgr.EditMessage(ctx, ev.ChatID, ev.MessageID, text, kb)
		if err == nil {
			return Result{Delivered: true, MessageID: ev.MessageID}, nil
		}
		if !errors.Is(err, cmdpkg.ErrNonEditable) {
			return Result{}, fmt.Errorf("%w: edit chat_id=%d message_id=%d: %w", ErrDelivery, ev.ChatID, ev.MessageID, err)
		}
		r.logger.Debug("edit not possible, sending new message",
			zap.Int64("chat_id", ev.ChatID),
			zap.Int64("message_id", ev.MessageID),
			zap.Error(err),
		)
		id, err := r.msgr.SendMessage(ctx, ev.ChatID, text, kb)
		if err != nil {
			return Result{}, fmt.Errorf("%w: fallback send chat_id=%d: %w", ErrDelivery, ev.ChatID, err)
		}
		return Result{Delivered: true, UsedFallback: true, MessageID: id}, nil
	}

	id, err := r.msgr.SendMessage(ctx, ev.ChatID, text, kb)
	if err != nil {
		return Result{}, fmt.Errorf("%w: send chat_id=%d: %w", ErrDelivery, ev.ChatID, err)
	}
	if ev.MessageID != 0 {
		r.deleteTrigger(ev)(ctx)
	}
	return Result{Delivered: true, MessageID: id}, nil
}

func (r *Renderer) deleteTrigger(ev Event) BestEffort {
	return func(ctx context.Context) {
		if err := r.msgr.DeleteMessage(ctx, ev.ChatID, ev.MessageID); err != nil {
			r.logger.Debug("cleanup delete failed",
				zap.Int64("chat_id", ev.ChatID),
				zap.Int64("message_id", ev.MessageID),
				zap.Error(err),
			)
		}
	}
}
