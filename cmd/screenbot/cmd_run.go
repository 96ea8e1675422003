package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/screenbot/internal/bot"
	"github.com/stupiduntilnot/screenbot/internal/broadcast"
	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
	"github.com/stupiduntilnot/screenbot/internal/config"
	"github.com/stupiduntilnot/screenbot/internal/control"
	"github.com/stupiduntilnot/screenbot/internal/db"
	"github.com/stupiduntilnot/screenbot/internal/dummy"
	"github.com/stupiduntilnot/screenbot/internal/menu"
	"github.com/stupiduntilnot/screenbot/internal/nav"
	"github.com/stupiduntilnot/screenbot/internal/render"
	"github.com/stupiduntilnot/screenbot/internal/screen"
	"github.com/stupiduntilnot/screenbot/internal/telegram"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll Telegram and serve menu screens until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runBot,
}

// transport is what the bot needs from a chat backend.
type transport interface {
	cmdpkg.Source
	cmdpkg.Messenger
}

func newTransport(cfg *config.BotConfig) (transport, error) {
	switch cfg.Commander {
	case "telegram":
		return telegram.NewClient(cfg.TelegramAPIBase, cfg.RequestTimeout), nil
	case "dummy":
		return dummy.NewCommander(cfg.DummyPollScript, cfg.DummySendScript, cfg.DummyEditScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func loadConfig() (config.BotConfig, error) {
	cfg, err := config.LoadBotConfig()
	if err != nil {
		return config.BotConfig{}, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if screensFile != "" {
		cfg.ScreensFile = screensFile
	}
	return cfg, nil
}

func openDatabase(path string) (*sql.DB, error) {
	database, err := db.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return database, nil
}

// startProcess records process.started and returns a journal parented to it.
func startProcess(database *sql.DB, role string, cfg *config.BotConfig) *db.Journal {
	journal := &db.Journal{DB: database}
	id, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"role":   role,
		"pid":    os.Getpid(),
		"source": cfg.Commander,
	})
	if err != nil {
		logger.Warn("failed to log process.started", zap.Error(err))
		return journal
	}
	journal.Parent = &id
	return journal
}

func newBroadcaster(tr cmdpkg.Sender, cfg *config.BotConfig) *broadcast.Broadcaster {
	return broadcast.New(tr,
		broadcast.WithDelay(cfg.BroadcastDelay),
		broadcast.WithWorkers(cfg.BroadcastWorkers),
		broadcast.WithLogger(logger.Named("broadcast")),
	)
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := openDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	journal := startProcess(database, "bot", &cfg)

	registry, err := menu.Load(cfg.ScreensFile)
	if err != nil {
		return fmt.Errorf("load screens: %w", err)
	}
	tr, err := newTransport(&cfg)
	if err != nil {
		return fmt.Errorf("failed to init commander: %w", err)
	}

	navigator := nav.New(registry, &db.SessionStore{DB: database}, render.New(tr, logger.Named("render")),
		nav.WithLogger(logger.Named("nav")),
		nav.WithTransitionHook(func(userID int64, from, to screen.ID) {
			if _, err := journal.Log(context.Background(), db.EventScreenTransition, map[string]any{
				"user_id": userID,
				"from":    string(from),
				"to":      string(to),
			}); err != nil {
				logger.Debug("journal write failed", zap.Error(err))
			}
		}),
	)
	handler := bot.NewHandler(navigator, tr, &db.UserStore{DB: database}, newBroadcaster(tr, &cfg),
		bot.WithAdmins(cfg.IsAdmin),
		bot.WithJournal(journal),
		bot.WithLogger(logger.Named("bot")),
	)
	defer handler.Close()

	pollTimeout := cfg.Timeout
	if cfg.Commander == "dummy" {
		pollTimeout = 0
	}
	poller := bot.NewPoller(tr,
		bot.NewDispatcher(handler, cfg.HandlerConcurrency, logger.Named("dispatch")),
		&db.OffsetStore{DB: database},
		control.NewCircuitBreaker(cfg.CircuitThreshold, time.Duration(cfg.CircuitCooldownSecond)*time.Second),
		journal,
		bot.PollerConfig{
			Timeout:       pollTimeout,
			Sleep:         time.Duration(cfg.SleepSeconds) * time.Second,
			MaxBackoff:    30 * time.Second,
			DropPending:   cfg.DropPending,
			PendingWindow: time.Duration(cfg.PendingWindowSeconds) * time.Second,
		},
		logger.Named("poller"),
	)

	logger.Info("screenbot running",
		zap.String("source", cfg.Commander),
		zap.Strings("screens", screenNames(registry)),
		zap.Int("admins", len(cfg.AdminIDs)),
	)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("screenbot stopped")
	return nil
}

func screenNames(reg *screen.Registry) []string {
	ids := reg.IDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
