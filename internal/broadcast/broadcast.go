package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
)

const DefaultDelay = 50 * time.Millisecond

// Report summarizes a broadcast. Per-recipient failure details are not kept.
type Report struct {
	Total  int
	Sent   int
	Failed int
}

// Skipped is the number of recipients never attempted because the broadcast
// was canceled.
func (r Report) Skipped() int {
	return r.Total - r.Sent - r.Failed
}

func (r Report) String() string {
	return fmt.Sprintf("sent to %d of %d", r.Sent, r.Total)
}

// Broadcaster sends one message to many recipients, tolerating individual
// failures.
type Broadcaster struct {
	sender  cmdpkg.Sender
	delay   time.Duration
	workers int
	logger  *zap.Logger
}

type Option func(*Broadcaster)

// WithDelay sets the pause between sends. With one worker the pause runs
// from the end of one send to the start of the next; with more workers it
// spaces out send starts.
func WithDelay(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d >= 0 {
			b.delay = d
		}
	}
}

// WithWorkers bounds the number of sends in flight. One worker sends
// strictly in order.
func WithWorkers(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

func New(sender cmdpkg.Sender, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sender:  sender,
		delay:   DefaultDelay,
		workers: 1,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// retryAfter is implemented by transport errors that carry a server-imposed
// wait, such as a Telegram 429.
type retryAfter interface {
	RetryDelay() time.Duration
}

// Broadcast sends text to every id in order. A failed recipient is counted
// and skipped; a rate-limited one is retried once after the requested wait.
// When ctx is canceled no further sends are started; the partial report is
// returned together with ctx.Err().
func (b *Broadcaster) Broadcast(ctx context.Context, ids []int64, text string) (Report, error) {
	var sent, failed atomic.Int64

	send := func(id int64) {
		_, err := b.sender.SendMessage(ctx, id, text, cmdpkg.Keyboard{})
		var ra retryAfter
		if err != nil && errors.As(err, &ra) && ra.RetryDelay() > 0 {
			b.logger.Debug("broadcast rate limited", zap.Int64("chat_id", id), zap.Duration("retry_after", ra.RetryDelay()))
			if sleep(ctx, ra.RetryDelay()) {
				_, err = b.sender.SendMessage(ctx, id, text, cmdpkg.Keyboard{})
			}
		}
		if err != nil {
			failed.Add(1)
			b.logger.Debug("broadcast delivery failed", zap.Int64("chat_id", id), zap.Error(err))
			return
		}
		sent.Add(1)
	}

	var canceled error
	if b.workers == 1 {
		for i, id := range ids {
			if i > 0 {
				sleep(ctx, b.delay)
			}
			if err := ctx.Err(); err != nil {
				canceled = err
				break
			}
			send(id)
		}
	} else {
		canceled = b.fanOut(ctx, ids, send)
	}

	rep := Report{Total: len(ids), Sent: int(sent.Load()), Failed: int(failed.Load())}
	b.logger.Info("broadcast finished",
		zap.Int("total", rep.Total),
		zap.Int("sent", rep.Sent),
		zap.Int("failed", rep.Failed),
		zap.Int("skipped", rep.Skipped()),
	)
	return rep, canceled
}

// fanOut runs send on a bounded pool, starting one send per delay tick.
func (b *Broadcaster) fanOut(ctx context.Context, ids []int64, send func(int64)) error {
	var g errgroup.Group
	g.SetLimit(b.workers)

	var ticker *time.Ticker
	if b.delay > 0 {
		ticker = time.NewTicker(b.delay)
		defer ticker.Stop()
	}

	var canceled error
	for i, id := range ids {
		if i > 0 && ticker != nil {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
		if err := ctx.Err(); err != nil {
			canceled = err
			break
		}
		g.Go(func() error {
			send(id)
			return nil
		})
	}
	_ = g.Wait()
	return canceled
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
