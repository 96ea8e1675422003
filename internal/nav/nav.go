// Package nav drives screen transitions for a conversation: it decides which
// screen a user should see, keeps the back-navigation history and hands the
// chosen screen to the renderer.
//
// Every operation reads the user's state from the store, mutates it, persists
// it and renders while holding that user's lock, so concurrent events for the
// same user apply in the order they acquire the lock.
package nav

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
	"github.com/stupiduntilnot/screenbot/internal/render"
	"github.com/stupiduntilnot/screenbot/internal/screen"
	"github.com/stupiduntilnot/screenbot/internal/session"
)

// Renderer is the subset of render.Renderer the navigator needs.
type Renderer interface {
	Render(ctx context.Context, ev render.Event, text string, kb cmdpkg.Keyboard) (render.Result, error)
}

// Navigator moves users between registered screens.
type Navigator struct {
	registry *screen.Registry
	store    session.Store
	renderer Renderer
	locks    *session.Locks
	logger   *zap.Logger
	onMove   func(userID int64, from, to screen.ID)
}

// Option configures a Navigator.
type Option func(*Navigator)

func WithLogger(l *zap.Logger) Option {
	return func(n *Navigator) { n.logger = l }
}

// WithLocks shares a lock table with other components touching session state.
func WithLocks(l *session.Locks) Option {
	return func(n *Navigator) { n.locks = l }
}

// WithTransitionHook registers a callback invoked after a transition or back
// navigation has been persisted.
func WithTransitionHook(fn func(userID int64, from, to screen.ID)) Option {
	return func(n *Navigator) { n.onMove = fn }
}

func New(registry *screen.Registry, store session.Store, renderer Renderer, opts ...Option) *Navigator {
	n := &Navigator{
		registry: registry,
		store:    store,
		renderer: renderer,
		locks:    session.NewLocks(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type transitionConfig struct {
	text    string
	hasText bool
}

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionConfig)

// WithText renders text instead of the screen's registered text.
func WithText(text string) TransitionOption {
	return func(c *transitionConfig) {
		c.text = text
		c.hasText = true
	}
}

// State returns a snapshot of the user's navigation state.
func (n *Navigator) State(ctx context.Context, userID int64) (session.State, error) {
	unlock := n.locks.Lock(userID)
	defer unlock()
	return n.store.Get(ctx, userID)
}

// RenderCurrent shows the user's current screen, or the default screen when
// the current one is unset or no longer registered.
func (n *Navigator) RenderCurrent(ctx context.Context, ev render.Event, userID int64) (render.Result, error) {
	unlock := n.locks.Lock(userID)
	defer unlock()

	st, err := n.store.Get(ctx, userID)
	if err != nil {
		return render.Result{}, fmt.Errorf("load session user_id=%d: %w", userID, err)
	}
	return n.renderState(ctx, ev, st)
}

// TransitionTo moves the user to id, recording the screen being left in the
// history. Moving to the current screen refreshes it without touching the
// history.
func (n *Navigator) TransitionTo(ctx context.Context, ev render.Event, userID int64, id screen.ID, opts ...TransitionOption) (render.Result, error) {
	d, ok := n.registry.Lookup(id)
	if !ok {
		return render.Result{}, fmt.Errorf("transition to %q: %w", id, screen.ErrUnregistered)
	}
	var cfg transitionConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	unlock := n.locks.Lock(userID)
	defer unlock()

	st, err := n.store.Get(ctx, userID)
	if err != nil {
		return render.Result{}, fmt.Errorf("load session user_id=%d: %w", userID, err)
	}
	from := st.Current
	if from != id {
		st.Push(from)
	}
	st.Current = id
	if err := n.store.Set(ctx, userID, st); err != nil {
		return render.Result{}, fmt.Errorf("save session user_id=%d: %w", userID, err)
	}
	n.moved(userID, from, id)

	text := d.Text
	if cfg.hasText {
		text = cfg.text
	}
	return n.renderer.Render(ctx, ev, text, d.Keyboard())
}

// GoBack pops the history and shows the previous screen. It reports false,
// without rendering or mutating anything, when there is nothing to go back to.
func (n *Navigator) GoBack(ctx context.Context, ev render.Event, userID int64) (render.Result, bool, error) {
	unlock := n.locks.Lock(userID)
	defer unlock()

	st, err := n.store.Get(ctx, userID)
	if err != nil {
		return render.Result{}, false, fmt.Errorf("load session user_id=%d: %w", userID, err)
	}
	prev, ok := st.Pop()
	if !ok {
		return render.Result{}, false, nil
	}
	from := st.Current
	st.Current = prev
	if err := n.store.Set(ctx, userID, st); err != nil {
		return render.Result{}, false, fmt.Errorf("save session user_id=%d: %w", userID, err)
	}
	n.moved(userID, from, prev)

	res, err := n.renderState(ctx, ev, st)
	return res, true, err
}

// Reset clears the user's current screen and history.
func (n *Navigator) Reset(ctx context.Context, userID int64) error {
	unlock := n.locks.Lock(userID)
	defer unlock()
	if err := n.store.Set(ctx, userID, session.State{}); err != nil {
		return fmt.Errorf("reset session user_id=%d: %w", userID, err)
	}
	return nil
}

// StartOver clears the user's history and shows id, as one step under the
// user's lock.
func (n *Navigator) StartOver(ctx context.Context, ev render.Event, userID int64, id screen.ID) (render.Result, error) {
	d, ok := n.registry.Lookup(id)
	if !ok {
		return render.Result{}, fmt.Errorf("start over at %q: %w", id, screen.ErrUnregistered)
	}

	unlock := n.locks.Lock(userID)
	defer unlock()

	st, err := n.store.Get(ctx, userID)
	if err != nil {
		return render.Result{}, fmt.Errorf("load session user_id=%d: %w", userID, err)
	}
	if err := n.store.Set(ctx, userID, session.State{Current: id}); err != nil {
		return render.Result{}, fmt.Errorf("save session user_id=%d: %w", userID, err)
	}
	n.moved(userID, st.Current, id)
	return n.renderer.Render(ctx, ev, d.Text, d.Keyboard())
}

func (n *Navigator) renderState(ctx context.Context, ev render.Event, st session.State) (render.Result, error) {
	d, ok := n.registry.Lookup(st.Current)
	if !ok {
		if st.Current != screen.None {
			n.logger.Warn("unknown screen in session, rendering default", zap.String("screen", string(st.Current)))
		}
		d = n.registry.Default()
	}
	return n.renderer.Render(ctx, ev, d.Text, d.Keyboard())
}

func (n *Navigator) moved(userID int64, from, to screen.ID) {
	n.logger.Debug("screen transition",
		zap.Int64("user_id", userID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if n.onMove != nil {
		n.onMove(userID, from, to)
	}
}
