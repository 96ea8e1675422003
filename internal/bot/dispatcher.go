package bot

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
)

// UpdateHandler handles a single update.
type UpdateHandler interface {
	Handle(ctx context.Context, u cmdpkg.Update) error
}

// Dispatcher fans a batch of updates out to the handler. Updates of one chat
// are handled in arrival order; distinct chats run concurrently up to limit.
type Dispatcher struct {
	handler UpdateHandler
	limit   int
	logger  *zap.Logger
}

func NewDispatcher(h UpdateHandler, limit int, logger *zap.Logger) *Dispatcher {
	if limit < 1 {
		limit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{handler: h, limit: limit, logger: logger}
}

// Dispatch blocks until every update in the batch was handled. Handler
// errors and panics are logged; they never abort the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, updates []cmdpkg.Update) {
	var order []int64
	byChat := map[int64][]cmdpkg.Update{}
	for _, u := range updates {
		chatID := u.ChatID()
		if _, seen := byChat[chatID]; !seen {
			order = append(order, chatID)
		}
		byChat[chatID] = append(byChat[chatID], u)
	}

	var g errgroup.Group
	g.SetLimit(d.limit)
	for _, chatID := range order {
		batch := byChat[chatID]
		g.Go(func() error {
			for _, u := range batch {
				d.handleOne(ctx, u)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) handleOne(ctx context.Context, u cmdpkg.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.Int64("update_id", u.UpdateID),
				zap.Error(fmt.Errorf("%v", r)),
			)
		}
	}()
	if err := d.handler.Handle(ctx, u); err != nil {
		d.logger.Debug("update not handled cleanly", zap.Int64("update_id", u.UpdateID), zap.Error(err))
	}
}
