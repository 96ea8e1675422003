package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/screenbot/internal/broadcast"
	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
	"github.com/stupiduntilnot/screenbot/internal/db"
	"github.com/stupiduntilnot/screenbot/internal/menu"
	"github.com/stupiduntilnot/screenbot/internal/nav"
	"github.com/stupiduntilnot/screenbot/internal/render"
	"github.com/stupiduntilnot/screenbot/internal/screen"
)

// User-facing texts.
const (
	NoHistoryText     = "Nothing to go back to"
	FailureText       = "Something went wrong, please try again."
	BroadcastUsage    = "Usage: /broadcast <text>"
	BroadcastBusyText = "A broadcast is already running. Send /cancel to stop it."
	NoBroadcastText   = "No broadcast is running."
)

// Recipients is the recipient store.
type Recipients interface {
	UpsertUser(ctx context.Context, u db.User) (bool, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	CountUsers(ctx context.Context) (int, error)
}

// Journal records bot events.
type Journal interface {
	Log(ctx context.Context, eventType string, payload map[string]any) (int64, error)
}

type nopJournal struct{}

func (nopJournal) Log(context.Context, string, map[string]any) (int64, error) { return 0, nil }

// Handler turns updates into navigation and admin actions.
type Handler struct {
	nav         *nav.Navigator
	msgr        cmdpkg.Messenger
	recipients  Recipients
	broadcaster *broadcast.Broadcaster
	isAdmin     func(userID int64) bool
	journal     Journal
	logger      *zap.Logger

	mu      sync.Mutex
	running context.CancelFunc
	wg      sync.WaitGroup
}

type HandlerOption func(*Handler)

func WithAdmins(isAdmin func(userID int64) bool) HandlerOption {
	return func(h *Handler) { h.isAdmin = isAdmin }
}

func WithJournal(j Journal) HandlerOption {
	return func(h *Handler) { h.journal = j }
}

func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

func NewHandler(n *nav.Navigator, msgr cmdpkg.Messenger, recipients Recipients, b *broadcast.Broadcaster, opts ...HandlerOption) *Handler {
	h := &Handler{
		nav:         n,
		msgr:        msgr,
		recipients:  recipients,
		broadcaster: b,
		isAdmin:     func(int64) bool { return false },
		journal:     nopJournal{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one update. Errors are logged and reported to the user;
// the returned error is for the caller's bookkeeping only.
func (h *Handler) Handle(ctx context.Context, u cmdpkg.Update) error {
	from, ok := u.Sender()
	if !ok {
		return nil
	}
	ev := render.EventFromUpdate(u)
	if ev.ChatID == 0 {
		// Callbacks on inaccessible messages carry no chat; stop the spinner.
		if u.Callback != nil {
			h.answer(ctx, u.Callback.ID, "")
		}
		return nil
	}
	h.remember(ctx, from)

	var err error
	switch {
	case u.Callback != nil:
		err = h.handleCallback(ctx, ev, from.ID, u.Callback)
	case u.Message != nil && u.Message.Text != nil:
		err = h.handleText(ctx, ev, from.ID, strings.TrimSpace(*u.Message.Text))
	default:
		return nil
	}
	if err != nil {
		h.report(ctx, ev, from.ID, err)
	}
	return err
}

func (h *Handler) handleCallback(ctx context.Context, ev render.Event, userID int64, cb *cmdpkg.Callback) error {
	if cb.Data == menu.BackData {
		_, moved, err := h.nav.GoBack(ctx, ev, userID)
		toast := ""
		if err == nil && !moved {
			toast = NoHistoryText
		}
		h.answer(ctx, cb.ID, toast)
		return err
	}
	h.answer(ctx, cb.ID, "")
	if id, ok := menu.ParseGoto(cb.Data); ok {
		_, err := h.nav.TransitionTo(ctx, ev, userID, id)
		return err
	}
	_, err := h.nav.RenderCurrent(ctx, ev, userID)
	return err
}

func (h *Handler) handleText(ctx context.Context, ev render.Event, userID int64, text string) error {
	cmd, args := parseCommand(text)
	switch cmd {
	case "/start":
		_, err := h.nav.StartOver(ctx, ev, userID, menu.Main)
		return err
	case "/back":
		_, moved, err := h.nav.GoBack(ctx, ev, userID)
		if err == nil && !moved {
			return h.reply(ctx, ev.ChatID, NoHistoryText)
		}
		return err
	case "/menu":
	case "/broadcast", "/cancel", "/stats":
		if h.isAdmin(userID) {
			return h.handleAdmin(ctx, ev.ChatID, cmd, args)
		}
	default:
		if cmd == "" {
			break
		}
		known := userCommands
		if h.isAdmin(userID) {
			known = append(known[:len(known):len(known)], adminCommands...)
		}
		if guess, ok := suggest(cmd, known); ok {
			return h.reply(ctx, ev.ChatID, fmt.Sprintf("Unknown command %s. Did you mean %s?", cmd, guess))
		}
	}
	_, err := h.nav.RenderCurrent(ctx, ev, userID)
	return err
}

var (
	userCommands  = []string{"/start", "/menu", "/back"}
	adminCommands = []string{"/broadcast", "/cancel", "/stats"}
)

// suggest returns the known command closest to cmd when it is a likely typo.
func suggest(cmd string, known []string) (string, bool) {
	best, bestDist := "", 3
	for _, k := range known {
		if d := levenshtein.ComputeDistance(cmd, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best, best != ""
}

func (h *Handler) handleAdmin(ctx context.Context, chatID int64, cmd, args string) error {
	switch cmd {
	case "/broadcast":
		if args == "" {
			return h.reply(ctx, chatID, BroadcastUsage)
		}
		started, err := h.startBroadcast(ctx, chatID, args)
		if err != nil {
			return err
		}
		if !started {
			return h.reply(ctx, chatID, BroadcastBusyText)
		}
		return nil
	case "/cancel":
		if !h.CancelBroadcast() {
			return h.reply(ctx, chatID, NoBroadcastText)
		}
		return h.reply(ctx, chatID, "Cancelling broadcast…")
	case "/stats":
		n, err := h.recipients.CountUsers(ctx)
		if err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		return h.reply(ctx, chatID, fmt.Sprintf("Known users: %d", n))
	}
	return nil
}

// startBroadcast launches a broadcast in the background and reports the
// outcome to the admin chat when it ends. Only one broadcast runs at a time.
func (h *Handler) startBroadcast(ctx context.Context, adminChat int64, text string) (bool, error) {
	h.mu.Lock()
	if h.running != nil {
		h.mu.Unlock()
		return false, nil
	}
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.running = cancel
	h.wg.Add(1)
	h.mu.Unlock()

	ids, err := h.recipients.ListUserIDs(ctx)
	if err != nil {
		h.finishBroadcast()
		return false, fmt.Errorf("list recipients: %w", err)
	}
	if err := h.reply(ctx, adminChat, fmt.Sprintf("Broadcasting to %d users…", len(ids))); err != nil {
		h.logger.Warn("broadcast ack failed", zap.Error(err))
	}

	go func() {
		defer h.finishBroadcast()
		rep, err := RunBroadcast(bctx, h.broadcaster, h.journal, ids, text)
		msg := "Broadcast finished: " + rep.String()
		if errors.Is(err, context.Canceled) {
			msg = "Broadcast cancelled: " + rep.String()
		}
		// The admin report must go out even after cancellation.
		if err := h.reply(context.WithoutCancel(bctx), adminChat, msg); err != nil {
			h.logger.Warn("broadcast report failed", zap.Error(err))
		}
	}()
	return true, nil
}

func (h *Handler) finishBroadcast() {
	h.mu.Lock()
	if h.running != nil {
		h.running()
		h.running = nil
	}
	h.mu.Unlock()
	h.wg.Done()
}

// CancelBroadcast stops the running broadcast, if any.
func (h *Handler) CancelBroadcast() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running == nil {
		return false
	}
	h.running()
	return true
}

// Close cancels any running broadcast and waits for it to finish.
func (h *Handler) Close() {
	h.CancelBroadcast()
	h.wg.Wait()
}

// RunBroadcast sends text to ids and journals the run.
func RunBroadcast(ctx context.Context, b *broadcast.Broadcaster, j Journal, ids []int64, text string) (broadcast.Report, error) {
	runID := uuid.NewString()
	_, _ = j.Log(ctx, db.EventBroadcastStarted, map[string]any{
		"run_id":     runID,
		"recipients": len(ids),
	})
	rep, err := b.Broadcast(ctx, ids, text)
	payload := map[string]any{
		"run_id":  runID,
		"total":   rep.Total,
		"sent":    rep.Sent,
		"failed":  rep.Failed,
		"skipped": rep.Skipped(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	_, _ = j.Log(context.WithoutCancel(ctx), db.EventBroadcastCompleted, payload)
	return rep, err
}

func (h *Handler) remember(ctx context.Context, u cmdpkg.User) {
	inserted, err := h.recipients.UpsertUser(ctx, db.User{ID: u.ID, Username: u.Username, FullName: u.FullName()})
	if err != nil {
		h.logger.Warn("upsert user failed", zap.Int64("user_id", u.ID), zap.Error(err))
		return
	}
	if inserted {
		h.logger.Info("new user", zap.Int64("user_id", u.ID), zap.String("username", u.Username))
		_, _ = h.journal.Log(ctx, db.EventUserRegistered, map[string]any{"user_id": u.ID})
	}
}

func (h *Handler) report(ctx context.Context, ev render.Event, userID int64, err error) {
	fields := []zap.Field{zap.Int64("chat_id", ev.ChatID), zap.Int64("user_id", userID), zap.Error(err)}
	switch {
	case errors.Is(err, screen.ErrUnregistered):
		h.logger.Error("navigation to unregistered screen", fields...)
	case errors.Is(err, render.ErrDelivery):
		h.logger.Warn("render failed", fields...)
	default:
		h.logger.Error("update handling failed", fields...)
	}
	if rerr := h.reply(ctx, ev.ChatID, FailureText); rerr != nil {
		h.logger.Debug("failure notice not delivered", zap.Int64("chat_id", ev.ChatID), zap.Error(rerr))
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) error {
	_, err := h.msgr.SendMessage(ctx, chatID, text, cmdpkg.Keyboard{})
	return err
}

func (h *Handler) answer(ctx context.Context, callbackID, text string) {
	if err := h.msgr.AnswerCallback(ctx, callbackID, text); err != nil {
		h.logger.Debug("answer callback failed", zap.String("callback_id", callbackID), zap.Error(err))
	}
}

// parseCommand splits "/cmd@bot args" into "/cmd" and "args". The command
// ends at the first whitespace rune; args keep their inner line breaks.
func parseCommand(text string) (cmd, args string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd = text
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		cmd, args = text[:i], text[i:]
	}
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(args)
}
