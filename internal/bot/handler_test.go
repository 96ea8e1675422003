package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/stupiduntilnot/screenbot/internal/broadcast"
	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
	"github.com/stupiduntilnot/screenbot/internal/db"
	"github.com/stupiduntilnot/screenbot/internal/dummy"
	"github.com/stupiduntilnot/screenbot/internal/menu"
	"github.com/stupiduntilnot/screenbot/internal/nav"
	"github.com/stupiduntilnot/screenbot/internal/render"
	"github.com/stupiduntilnot/screenbot/internal/screen"
	"github.com/stupiduntilnot/screenbot/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memRecipients struct {
	mu  sync.Mutex
	ids []int64
}

func (r *memRecipients) UpsertUser(_ context.Context, u db.User) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.ids {
		if id == u.ID {
			return false, nil
		}
	}
	r.ids = append(r.ids, u.ID)
	return true, nil
}

func (r *memRecipients) ListUserIDs(context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...), nil
}

func (r *memRecipients) CountUsers(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids), nil
}

type memJournal struct {
	mu     sync.Mutex
	events []string
}

func (j *memJournal) Log(_ context.Context, eventType string, _ map[string]any) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, eventType)
	return int64(len(j.events)), nil
}

func (j *memJournal) count(eventType string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	h          *Handler
	cmd        *dummy.Commander
	reg        *screen.Registry
	nav        *nav.Navigator
	recipients *memRecipients
	journal    *memJournal
}

func newFixture(t *testing.T, delay time.Duration, admins ...int64) *fixture {
	t.Helper()
	reg, err := menu.Load("")
	require.NoError(t, err)
	cmd, err := dummy.NewCommander("ok", "ok", "ok")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	f := &fixture{cmd: cmd, reg: reg, recipients: &memRecipients{}, journal: &memJournal{}}
	f.nav = nav.New(reg, session.NewMemoryStore(), render.New(cmd, logger))
	b := broadcast.New(cmd, broadcast.WithDelay(delay))
	f.h = NewHandler(f.nav, cmd, f.recipients, b,
		WithAdmins(func(id int64) bool {
			for _, a := range admins {
				if a == id {
					return true
				}
			}
			return false
		}),
		WithJournal(f.journal),
		WithLogger(logger),
	)
	t.Cleanup(f.h.Close)
	return f
}

func (f *fixture) text(id screen.ID) string {
	d, ok := f.reg.Lookup(id)
	if !ok {
		return f.reg.Default().Text
	}
	return d.Text
}

func (f *fixture) lastCall(op string) dummy.Call {
	calls := f.cmd.CallsOf(op)
	if len(calls) == 0 {
		return dummy.Call{}
	}
	return calls[len(calls)-1]
}

func textUpdate(updateID, userID, messageID int64, text string) cmdpkg.Update {
	return cmdpkg.Update{
		UpdateID: updateID,
		Message: &cmdpkg.Message{
			MessageID: messageID,
			From:      &cmdpkg.User{ID: userID, FirstName: "Ada"},
			Chat:      cmdpkg.Chat{ID: userID},
			Text:      &text,
			Date:      time.Now().Unix(),
		},
	}
}

func callbackUpdate(updateID, userID, messageID int64, data string) cmdpkg.Update {
	return cmdpkg.Update{
		UpdateID: updateID,
		Callback: &cmdpkg.Callback{
			ID:   "cb",
			From: cmdpkg.User{ID: userID},
			Data: data,
			Message: &cmdpkg.Message{
				MessageID: messageID,
				Chat:      cmdpkg.Chat{ID: userID},
			},
		},
	}
}

func TestHandle_StartShowsMainAndRegistersUser(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, textUpdate(1, 7, 5, "/start")))

	send := f.lastCall("send")
	assert.Equal(t, f.text(menu.Main), send.Text)
	assert.Equal(t, int64(7), send.ChatID)
	assert.False(t, send.Keyboard.Empty())
	assert.Equal(t, int64(5), f.lastCall("delete").MessageID)
	assert.Equal(t, 1, f.journal.count(db.EventUserRegistered))

	// A second update from the same user is not a new registration.
	require.NoError(t, f.h.Handle(ctx, textUpdate(2, 7, 6, "hello")))
	assert.Equal(t, 1, f.journal.count(db.EventUserRegistered))
	assert.Equal(t, f.text(menu.Main), f.lastCall("send").Text)
}

func TestHandle_CallbacksEditInPlace(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, textUpdate(1, 7, 5, "/start")))
	botMsg := f.lastCall("send")

	require.NoError(t, f.h.Handle(ctx, callbackUpdate(2, 7, 101, menu.GotoData(menu.Catalog))))
	edit := f.lastCall("edit")
	assert.Equal(t, f.text(menu.Catalog), edit.Text)
	assert.Equal(t, int64(101), edit.MessageID)
	assert.Len(t, f.cmd.CallsOf("send"), 1, "no new message for an editable event: %+v", botMsg)

	require.NoError(t, f.h.Handle(ctx, callbackUpdate(3, 7, 101, menu.BackData)))
	assert.Equal(t, f.text(menu.Main), f.lastCall("edit").Text)

	st, err := f.nav.State(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, menu.Main, st.Current)
	assert.Empty(t, st.History)

	answers := f.cmd.CallsOf("answer")
	require.Len(t, answers, 2)
	assert.Equal(t, "", answers[1].Text)
}

func TestHandle_BackWithoutHistory(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, callbackUpdate(1, 7, 101, menu.BackData)))
	assert.Empty(t, f.cmd.CallsOf("edit"))
	assert.Equal(t, NoHistoryText, f.lastCall("answer").Text)

	require.NoError(t, f.h.Handle(ctx, textUpdate(2, 7, 5, "/back")))
	assert.Equal(t, NoHistoryText, f.lastCall("send").Text)
}

func TestHandle_UnknownCallbackRendersCurrent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, callbackUpdate(1, 7, 101, "stale-button")))
	assert.Equal(t, f.reg.Default().Text, f.lastCall("edit").Text)
	assert.Len(t, f.cmd.CallsOf("answer"), 1)
}

func TestHandle_UnregisteredGotoIsReported(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	err := f.h.Handle(ctx, callbackUpdate(1, 7, 101, "go:nowhere"))
	require.ErrorIs(t, err, screen.ErrUnregistered)
	assert.Equal(t, FailureText, f.lastCall("send").Text)

	st, err := f.nav.State(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, screen.None, st.Current)
}

func TestHandle_DeliveryFailureNotifiesUser(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.cmd.SetScript("edit", "err:command_source_api"))

	err := f.h.Handle(context.Background(), callbackUpdate(1, 7, 101, menu.GotoData(menu.Help)))
	require.ErrorIs(t, err, render.ErrDelivery)
	assert.Equal(t, FailureText, f.lastCall("send").Text)

	// The transition itself was persisted.
	st, err := f.nav.State(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, menu.Help, st.Current)
}

func TestHandle_AdminCommandsNeedAdmin(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, textUpdate(1, 7, 5, "/stats")))
	assert.Equal(t, f.reg.Default().Text, f.lastCall("send").Text)

	require.NoError(t, f.h.Handle(ctx, textUpdate(2, 7, 6, "/broadcast hi")))
	assert.Zero(t, f.journal.count(db.EventBroadcastStarted))
}

func TestHandle_Stats(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, textUpdate(1, 2, 5, "hi")))
	require.NoError(t, f.h.Handle(ctx, textUpdate(2, 1, 6, "/stats@screen_bot")))
	assert.Equal(t, "Known users: 2", f.lastCall("send").Text)
}

func TestHandle_BroadcastReportsToAdmin(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()

	for i, id := range []int64{1, 2, 3} {
		require.NoError(t, f.h.Handle(ctx, textUpdate(int64(i+1), id, 5, "hi")))
	}
	f.cmd.FailChat(3, "forbidden")

	require.NoError(t, f.h.Handle(ctx, textUpdate(9, 1, 6, "/broadcast Big news")))
	require.Eventually(t, func() bool {
		return f.lastCall("send").Text == "Broadcast finished: sent to 2 of 3"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.lastCall("send").ChatID)
	assert.Equal(t, 1, f.journal.count(db.EventBroadcastCompleted))

	var delivered []int64
	for _, c := range f.cmd.CallsOf("send") {
		if c.Text == "Big news" {
			delivered = append(delivered, c.ChatID)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, delivered)
}

func TestHandle_BroadcastUsageAndCancel(t *testing.T) {
	f := newFixture(t, time.Hour, 1)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, textUpdate(1, 1, 5, "/broadcast")))
	assert.Equal(t, BroadcastUsage, f.lastCall("send").Text)

	require.NoError(t, f.h.Handle(ctx, textUpdate(2, 2, 5, "hi")))
	require.NoError(t, f.h.Handle(ctx, textUpdate(3, 1, 6, "/broadcast slow")))
	// The first recipient goes out at once; the second waits on the delay.
	require.Eventually(t, func() bool {
		for _, text := range sendTexts(f.cmd) {
			if text == "slow" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.h.Handle(ctx, textUpdate(4, 1, 7, "/broadcast again")))
	assert.Contains(t, sendTexts(f.cmd), BroadcastBusyText)

	require.NoError(t, f.h.Handle(ctx, textUpdate(5, 1, 8, "/cancel")))
	require.Eventually(t, func() bool {
		for _, text := range sendTexts(f.cmd) {
			if strings.HasPrefix(text, "Broadcast cancelled: sent to 1 of 2") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return !f.h.CancelBroadcast() }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.h.Handle(ctx, textUpdate(6, 1, 9, "/cancel")))
	assert.Equal(t, NoBroadcastText, f.lastCall("send").Text)
}

func TestHandle_MultilineBroadcast(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, textUpdate(1, 2, 5, "hi")))
	require.NoError(t, f.h.Handle(ctx, textUpdate(2, 1, 6, "/broadcast\nMaintenance tonight\nBack at 10")))
	require.Eventually(t, func() bool {
		return f.journal.count(db.EventBroadcastCompleted) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.journal.count(db.EventBroadcastStarted))
	assert.Contains(t, sendTexts(f.cmd), "Maintenance tonight\nBack at 10")
}

func TestHandle_CallbackWithoutMessageIsAnswered(t *testing.T) {
	f := newFixture(t, 0)
	u := callbackUpdate(1, 7, 0, menu.GotoData(menu.Help))
	u.Callback.Message = nil

	require.NoError(t, f.h.Handle(context.Background(), u))
	require.Len(t, f.cmd.CallsOf("answer"), 1)
	assert.Empty(t, f.cmd.CallsOf("edit"))
	assert.Empty(t, f.cmd.CallsOf("send"))
}

func sendTexts(c *dummy.Commander) []string {
	var out []string
	for _, call := range c.CallsOf("send") {
		out = append(out, call.Text)
	}
	return out
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in, cmd, args string
	}{
		{"/start", "/start", ""},
		{"/Broadcast@screen_bot  hello world ", "/broadcast", "hello world"},
		{"hello", "", "hello"},
		{"/stats@bot", "/stats", ""},
		{"/broadcast\nMaintenance tonight\nBack at 10", "/broadcast", "Maintenance tonight\nBack at 10"},
		{"/broadcast@screen_bot\thi", "/broadcast", "hi"},
	}
	for _, tc := range cases {
		cmd, args := parseCommand(tc.in)
		assert.Equal(t, tc.cmd, cmd, tc.in)
		assert.Equal(t, tc.args, args, tc.in)
	}
}

func TestHandle_SuggestsMistypedCommand(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()

	require.NoError(t, f.h.Handle(ctx, textUpdate(1, 7, 5, "/strat")))
	assert.Equal(t, "Unknown command /strat. Did you mean /start?", f.lastCall("send").Text)

	// Admin commands are only suggested to admins.
	require.NoError(t, f.h.Handle(ctx, textUpdate(2, 7, 6, "/statz")))
	assert.Equal(t, "Unknown command /statz. Did you mean /start?", f.lastCall("send").Text)
	require.NoError(t, f.h.Handle(ctx, textUpdate(3, 1, 7, "/statz")))
	assert.Equal(t, "Unknown command /statz. Did you mean /stats?", f.lastCall("send").Text)

	// Nothing close enough: just show the current screen.
	require.NoError(t, f.h.Handle(ctx, textUpdate(4, 7, 8, "/xyzzyplugh")))
	assert.Equal(t, f.reg.Default().Text, f.lastCall("send").Text)

	require.NoError(t, f.h.Handle(ctx, textUpdate(5, 7, 9, "/menu")))
	assert.Equal(t, f.reg.Default().Text, f.lastCall("send").Text)
}
