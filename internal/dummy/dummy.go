package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
)

// Script grammar: comma separated actions consumed one per call; the last
// action repeats once the script is exhausted.
//
//	ok           succeed
//	err:<class>  fail with a transport error
//	noedit       fail with commander.ErrNonEditable (edit only)
//	sleep:<ms>   wait, then succeed
//	msg:<text>   poll: deliver a text message
//	msgb64:<b64> poll: deliver a base64 encoded text message
//	cb:<data>    poll: deliver a button press on the last sent message
type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		switch {
		case token == "":
			continue
		case token == "ok" || token == "noedit":
			actions = append(actions, action{kind: token})
			continue
		}
		kind, arg, found := strings.Cut(token, ":")
		switch kind {
		case "err", "sleep", "msg", "msgb64", "cb":
			if !found {
				return nil, fmt.Errorf("invalid dummy action: %s", token)
			}
			actions = append(actions, action{kind: kind, arg: arg})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Call records one outbound operation.
type Call struct {
	Op        string
	ChatID    int64
	MessageID int64
	Text      string
	Keyboard  cmdpkg.Keyboard
}

// Commander is a scripted transport implementing commander.Source and
// commander.Messenger. Scripts may be changed between calls with SetScript.
type Commander struct {
	mu       sync.Mutex
	scripts  map[string]*scriptRunner
	perChat  map[int64]string
	calls    []Call
	updateID int64
	nextMsg  int64
	lastSent map[int64]int64
	chatID   int64
}

// NewCommander creates a transport. pollScript drives GetUpdates for chat 1;
// sendScript and editScript drive SendMessage and EditMessage.
func NewCommander(pollScript, sendScript, editScript string) (*Commander, error) {
	c := &Commander{
		scripts:  map[string]*scriptRunner{},
		perChat:  map[int64]string{},
		updateID: 1,
		nextMsg:  100,
		lastSent: map[int64]int64{},
		chatID:   1,
	}
	for op, s := range map[string]string{"poll": pollScript, "send": sendScript, "edit": editScript, "delete": "ok"} {
		if err := c.SetScript(op, s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetScript replaces the script for op: poll, send, edit or delete.
func (c *Commander) SetScript(op, script string) error {
	r, err := newRunner(script)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[op] = r
	return nil
}

// FailChat makes every send to chatID fail with the given error class.
func (c *Commander) FailChat(chatID int64, class string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perChat[chatID] = class
}

// Calls returns a copy of the recorded outbound calls.
func (c *Commander) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsOf returns the recorded calls of one operation.
func (c *Commander) CallsOf(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.scripts["poll"].next()
	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		sleep(ctx, a.arg)
		return nil, nil
	case "msg", "msgb64":
		text := a.arg
		if a.kind == "msgb64" {
			raw, err := base64.StdEncoding.DecodeString(a.arg)
			if err != nil {
				return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
			}
			text = string(raw)
		}
		c.updateID++
		c.nextMsg++
		return []cmdpkg.Update{{
			UpdateID: c.updateID,
			Message: &cmdpkg.Message{
				MessageID: c.nextMsg,
				From:      &cmdpkg.User{ID: c.chatID, FirstName: "dummy"},
				Chat:      cmdpkg.Chat{ID: c.chatID},
				Text:      &text,
				Date:      time.Now().Unix(),
			},
		}}, nil
	case "cb":
		c.updateID++
		return []cmdpkg.Update{{
			UpdateID: c.updateID,
			Callback: &cmdpkg.Callback{
				ID:   "dummy-" + strconv.FormatInt(c.updateID, 10),
				From: cmdpkg.User{ID: c.chatID, FirstName: "dummy"},
				Data: a.arg,
				Message: &cmdpkg.Message{
					MessageID: c.lastSent[c.chatID],
					Chat:      cmdpkg.Chat{ID: c.chatID},
					Date:      time.Now().Unix(),
				},
			},
		}}, nil
	default:
		return nil, nil
	}
}

func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string, kb cmdpkg.Keyboard) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "send", ChatID: chatID, Text: text, Keyboard: kb})
	if class, ok := c.perChat[chatID]; ok {
		return 0, fmt.Errorf("dummy commander send error class=%s", emptyAs(class, "command_source_api"))
	}
	if err := c.run(ctx, "send"); err != nil {
		return 0, err
	}
	c.nextMsg++
	c.lastSent[chatID] = c.nextMsg
	return c.nextMsg, nil
}

func (c *Commander) EditMessage(ctx context.Context, chatID, messageID int64, text string, kb cmdpkg.Keyboard) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "edit", ChatID: chatID, MessageID: messageID, Text: text, Keyboard: kb})
	return c.run(ctx, "edit")
}

func (c *Commander) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "delete", ChatID: chatID, MessageID: messageID})
	return c.run(ctx, "delete")
}

func (c *Commander) AnswerCallback(_ context.Context, callbackID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "answer", Text: text})
	return nil
}

func (c *Commander) run(ctx context.Context, op string) error {
	a := c.scripts[op].next()
	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander %s error class=%s", op, emptyAs(a.arg, "command_source_api"))
	case "noedit":
		return fmt.Errorf("dummy commander %s: %w", op, cmdpkg.ErrNonEditable)
	case "sleep":
		sleep(ctx, a.arg)
	}
	return nil
}

func sleep(ctx context.Context, arg string) {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
