package nav

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
	"github.com/stupiduntilnot/screenbot/internal/dummy"
	"github.com/stupiduntilnot/screenbot/internal/render"
	"github.com/stupiduntilnot/screenbot/internal/screen"
	"github.com/stupiduntilnot/screenbot/internal/session"
)

const user int64 = 42

var (
	tap   = render.Event{ChatID: user, MessageID: 10, CallbackID: "cb"}
	typed = render.Event{ChatID: user, MessageID: 11}
)

type fixture struct {
	nav   *Navigator
	store *session.MemoryStore
	tr    *dummy.Commander
}

func newFixture(t *testing.T, ids ...screen.ID) *fixture {
	t.Helper()
	reg, err := screen.NewRegistry(screen.Descriptor{
		Text:     "default",
		Keyboard: func() cmdpkg.Keyboard { return cmdpkg.Keyboard{} },
	})
	require.NoError(t, err)
	for _, id := range ids {
		reg.Register(id, "screen "+string(id), nil)
	}
	tr, err := dummy.NewCommander("ok", "ok", "ok")
	require.NoError(t, err)
	store := session.NewMemoryStore()
	return &fixture{
		nav:   New(reg, store, render.New(tr, nil)),
		store: store,
		tr:    tr,
	}
}

func (f *fixture) state(t *testing.T) session.State {
	t.Helper()
	st, err := f.store.Get(context.Background(), user)
	require.NoError(t, err)
	return st
}

func TestTransitionBackRoundTrip(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, err := f.nav.TransitionTo(ctx, tap, user, "a")
	require.NoError(t, err)
	_, err = f.nav.TransitionTo(ctx, tap, user, "b")
	require.NoError(t, err)
	assert.Equal(t, session.State{Current: "b", History: []screen.ID{"a"}}, f.state(t))

	res, moved, err := f.nav.GoBack(ctx, tap, user)
	require.NoError(t, err)
	require.True(t, moved)
	assert.True(t, res.Delivered)

	st := f.state(t)
	assert.Equal(t, screen.ID("a"), st.Current)
	assert.Empty(t, st.History)

	edits := f.tr.CallsOf("edit")
	require.Len(t, edits, 3)
	assert.Equal(t, "screen a", edits[2].Text)
}

func TestGoBack_EmptyHistoryIsNoOp(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	_, moved, err := f.nav.GoBack(ctx, tap, user)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, session.State{}, f.state(t))

	_, err = f.nav.TransitionTo(ctx, tap, user, "a")
	require.NoError(t, err)
	before := f.state(t)
	calls := len(f.tr.Calls())

	_, moved, err = f.nav.GoBack(ctx, tap, user)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, before, f.state(t))
	assert.Len(t, f.tr.Calls(), calls, "no render expected")
}

func TestTransitionTo_SameScreenRefreshesWithoutGrowingHistory(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, err := f.nav.TransitionTo(ctx, tap, user, "a")
	require.NoError(t, err)
	_, err = f.nav.TransitionTo(ctx, tap, user, "b")
	require.NoError(t, err)
	_, err = f.nav.TransitionTo(ctx, tap, user, "b")
	require.NoError(t, err)

	assert.Equal(t, []screen.ID{"a"}, f.state(t).History)
	assert.Len(t, f.tr.CallsOf("edit"), 3)
}

func TestTransitionTo_OverrideText(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.nav.TransitionTo(context.Background(), tap, user, "a", WithText("custom"))
	require.NoError(t, err)
	assert.Equal(t, "custom", f.tr.CallsOf("edit")[0].Text)
}

func TestTransitionTo_UnregisteredIsConfigError(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.nav.TransitionTo(context.Background(), tap, user, "missing")
	require.ErrorIs(t, err, screen.ErrUnregistered)
	assert.Equal(t, session.State{}, f.state(t))
	assert.Empty(t, f.tr.Calls())
}

func TestRenderCurrent_UnknownStateRendersDefault(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, user, session.State{Current: "removed"}))

	res, err := f.nav.RenderCurrent(ctx, typed, user)
	require.NoError(t, err)
	assert.True(t, res.Delivered)

	sends := f.tr.CallsOf("send")
	require.Len(t, sends, 1)
	assert.Equal(t, "default", sends[0].Text)
	assert.Equal(t, screen.ID("removed"), f.state(t).Current)
}

func TestRenderCurrent_FreshUserRendersDefault(t *testing.T) {
	f := newFixture(t)
	_, err := f.nav.RenderCurrent(context.Background(), typed, user)
	require.NoError(t, err)
	assert.Equal(t, "default", f.tr.CallsOf("send")[0].Text)
}

func TestReset(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()
	_, _ = f.nav.TransitionTo(ctx, tap, user, "a")
	_, _ = f.nav.TransitionTo(ctx, tap, user, "b")

	require.NoError(t, f.nav.Reset(ctx, user))
	assert.Equal(t, session.State{}, f.state(t))
}

func TestRenderFailureStillPersistsTransition(t *testing.T) {
	f := newFixture(t, "a")
	require.NoError(t, f.tr.SetScript("edit", "err:net"))

	_, err := f.nav.TransitionTo(context.Background(), tap, user, "a")
	require.ErrorIs(t, err, render.ErrDelivery)
	assert.Equal(t, screen.ID("a"), f.state(t).Current)
}

func TestHistoryNeverHasConsecutiveDuplicates(t *testing.T) {
	ids := []screen.ID{"a", "b", "c", "d"}
	f := newFixture(t, ids...)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		if rng.Intn(4) == 0 {
			_, _, err := f.nav.GoBack(ctx, tap, user)
			require.NoError(t, err)
		} else {
			_, err := f.nav.TransitionTo(ctx, tap, user, ids[rng.Intn(len(ids))])
			require.NoError(t, err)
		}
		h := f.state(t).History
		for j := 1; j < len(h); j++ {
			require.NotEqual(t, h[j-1], h[j], "step %d history %v", i, h)
		}
	}
}

func TestTransitionHook(t *testing.T) {
	reg, err := screen.NewRegistry(screen.Descriptor{Text: "d", Keyboard: func() cmdpkg.Keyboard { return cmdpkg.Keyboard{} }})
	require.NoError(t, err)
	reg.Register("a", "A", nil)
	tr, err := dummy.NewCommander("ok", "ok", "ok")
	require.NoError(t, err)

	var got []screen.ID
	n := New(reg, session.NewMemoryStore(), render.New(tr, nil), WithTransitionHook(func(_ int64, from, to screen.ID) {
		got = append(got, from, to)
	}))
	_, err = n.TransitionTo(context.Background(), tap, user, "a")
	require.NoError(t, err)
	assert.Equal(t, []screen.ID{screen.None, "a"}, got)
}

type failingStore struct{ session.Store }

func (failingStore) Get(context.Context, int64) (session.State, error) {
	return session.State{}, errors.New("disk gone")
}

func TestStoreErrorsPropagate(t *testing.T) {
	f := newFixture(t, "a")
	n := New(f.nav.registry, failingStore{}, f.nav.renderer)
	_, err := n.TransitionTo(context.Background(), tap, user, "a")
	assert.ErrorContains(t, err, "disk gone")
	_, _, err = n.GoBack(context.Background(), tap, user)
	assert.ErrorContains(t, err, "disk gone")
}

func TestConcurrentTransitionsSameUser(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := screen.ID("a")
			if i%2 == 1 {
				id = "b"
			}
			_, err := f.nav.TransitionTo(ctx, tap, user, id)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	st := f.state(t)
	pushes := len(st.History)
	for j := 1; j < pushes; j++ {
		assert.NotEqual(t, st.History[j-1], st.History[j])
	}
	assert.Len(t, f.tr.CallsOf("edit"), 40)
}

func TestStartOver(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()
	_, _ = f.nav.TransitionTo(ctx, tap, user, "a")
	_, _ = f.nav.TransitionTo(ctx, tap, user, "b")

	var moves []screen.ID
	f.nav.onMove = func(_ int64, from, to screen.ID) { moves = append(moves, from, to) }

	_, err := f.nav.StartOver(ctx, typed, user, "a")
	require.NoError(t, err)
	assert.Equal(t, session.State{Current: "a"}, f.state(t))
	assert.Equal(t, []screen.ID{"b", "a"}, moves)
	assert.Equal(t, "screen a", f.tr.CallsOf("send")[0].Text)

	_, err = f.nav.StartOver(ctx, typed, user, "missing")
	require.ErrorIs(t, err, screen.ErrUnregistered)
	assert.Equal(t, session.State{Current: "a"}, f.state(t))
}

func TestStartOverIsAtomicAgainstTransitions(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.nav.StartOver(ctx, tap, user, "a")
			} else {
				_, err = f.nav.TransitionTo(ctx, tap, user, "b")
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Whatever the order, nothing ever lands between a reset and its screen.
	assert.Contains(t, []session.State{
		{Current: "a"},
		{Current: "b", History: []screen.ID{"a"}},
	}, f.state(t))
}
