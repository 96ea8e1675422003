package bot

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
	"github.com/stupiduntilnot/screenbot/internal/control"
	"github.com/stupiduntilnot/screenbot/internal/db"
)

// OffsetStore persists the next update offset across restarts.
type OffsetStore interface {
	LoadOffset(ctx context.Context) (int64, error)
	SaveOffset(ctx context.Context, offset int64) error
}

// PollerConfig tunes the long-poll loop.
type PollerConfig struct {
	Timeout       int           // long-poll timeout in seconds
	Sleep         time.Duration // base pause after a failure or an open circuit
	MaxBackoff    time.Duration
	DropPending   bool
	PendingWindow time.Duration
}

// Poller pulls updates from the source and hands them to the dispatcher.
type Poller struct {
	source     cmdpkg.Source
	dispatcher *Dispatcher
	offsets    OffsetStore
	circuit    *control.CircuitBreaker
	journal    Journal
	cfg        PollerConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewPoller(src cmdpkg.Source, d *Dispatcher, offsets OffsetStore, circuit *control.CircuitBreaker, journal Journal, cfg PollerConfig, logger *zap.Logger) *Poller {
	if journal == nil {
		journal = nopJournal{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBackoff < cfg.Sleep {
		cfg.MaxBackoff = cfg.Sleep
	}
	return &Poller{
		source:     src,
		dispatcher: d,
		offsets:    offsets,
		circuit:    circuit,
		journal:    journal,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Run polls until ctx is cancelled. It returns ctx.Err() on shutdown and a
// non-nil error only when the stored offset cannot be read.
func (p *Poller) Run(ctx context.Context) error {
	offset, err := p.offsets.LoadOffset(ctx)
	if err != nil {
		return err
	}
	if offset == 0 && p.cfg.DropPending {
		bootstrapped, err := p.bootstrapOffset(ctx)
		if err != nil {
			p.logger.Warn("bootstrap offset failed", zap.Error(err))
		} else {
			offset = bootstrapped
		}
	}
	p.logger.Info("poller running", zap.Int64("offset", offset), zap.Int("timeout", p.cfg.Timeout))

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ok, tr := p.circuit.Allow(p.now())
		if !ok {
			if !p.pause(ctx, p.cfg.Sleep) {
				return ctx.Err()
			}
			continue
		}
		if tr.Changed() {
			p.logger.Info("circuit half-open", zap.String("error_class", p.circuit.OpenedClass()))
			p.event(ctx, db.EventCircuitHalfOpen, map[string]any{"error_class": p.circuit.OpenedClass()})
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			p.recordFailure(ctx, err, failures)
			if !p.pause(ctx, control.Backoff(failures, p.cfg.Sleep, p.cfg.MaxBackoff)) {
				return ctx.Err()
			}
			continue
		}
		failures = 0
		if tr := p.circuit.RecordSuccess(); tr.Changed() {
			p.logger.Info("circuit closed")
			p.event(ctx, db.EventCircuitClosed, map[string]any{"recovered": true})
		}
		if len(updates) == 0 {
			// Short polling returns at once; avoid spinning.
			if p.cfg.Timeout == 0 && !p.pause(ctx, p.cfg.Sleep) {
				return ctx.Err()
			}
			continue
		}

		p.dispatcher.Dispatch(ctx, updates)
		offset = updates[len(updates)-1].UpdateID + 1
		if err := p.offsets.SaveOffset(ctx, offset); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("save offset failed", zap.Int64("offset", offset), zap.Error(err))
		}
	}
}

func (p *Poller) recordFailure(ctx context.Context, err error, attempt int) {
	class := control.Classify(err)
	p.logger.Warn("getUpdates failed", zap.String("error_class", class), zap.Int("attempt", attempt), zap.Error(err))
	p.event(ctx, db.EventPollFailed, map[string]any{"error_class": class, "error": err.Error()})
	if tr := p.circuit.RecordFailure(class, p.now()); tr.Changed() && tr.To == control.CircuitOpen {
		p.logger.Error("circuit opened", zap.String("error_class", class))
		p.event(ctx, db.EventCircuitOpened, map[string]any{
			"error_class":      class,
			"threshold":        p.circuit.Threshold,
			"cooldown_seconds": int(p.circuit.Cooldown.Seconds()),
		})
	}
}

// bootstrapOffset skips updates that queued up while the bot was down,
// keeping only those younger than the pending window.
func (p *Poller) bootstrapOffset(ctx context.Context) (int64, error) {
	updates, err := p.source.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.cfg.PendingWindow).Unix()
	for _, u := range updates {
		if u.Date() >= cutoff {
			return u.UpdateID, nil
		}
	}
	dropped := len(updates)
	p.logger.Info("dropped stale updates", zap.Int("count", dropped))
	return updates[dropped-1].UpdateID + 1, nil
}

func (p *Poller) event(ctx context.Context, eventType string, payload map[string]any) {
	if _, err := p.journal.Log(context.WithoutCancel(ctx), eventType, payload); err != nil {
		p.logger.Debug("journal write failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (p *Poller) pause(ctx context.Context, d time.Duration) bool {
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
