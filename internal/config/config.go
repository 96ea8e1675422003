package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BotConfig holds configuration for the bot process.
type BotConfig struct {
	TelegramAPIBase       string
	Commander             string
	DBPath                string
	ScreensFile           string
	AdminIDs              []int64
	Timeout               int
	SleepSeconds          int
	RequestTimeout        time.Duration
	DropPending           bool
	PendingWindowSeconds  int64
	BroadcastDelay        time.Duration
	BroadcastWorkers      int
	HandlerConcurrency    int
	LogLevel              string
	DummyPollScript       string
	DummySendScript       string
	DummyEditScript       string
	CircuitThreshold      int
	CircuitCooldownSecond int
}

// LoadBotConfig reads bot configuration from environment variables.
func LoadBotConfig() (BotConfig, error) {
	commander := envOrDefault("BOT_COMMANDER", "telegram")
	if commander != "telegram" && commander != "dummy" {
		return BotConfig{}, fmt.Errorf("BOT_COMMANDER must be telegram or dummy, got %q", commander)
	}

	telegramToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if commander == "telegram" && telegramToken == "" {
		return BotConfig{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when BOT_COMMANDER=telegram")
	}

	adminIDs, err := ParseIDs(os.Getenv("BOT_ADMIN_IDS"))
	if err != nil {
		return BotConfig{}, fmt.Errorf("invalid BOT_ADMIN_IDS: %w", err)
	}

	apiRoot := strings.TrimRight(envOrDefault("TELEGRAM_API_BASE", "https://api.telegram.org"), "/")
	cfg := BotConfig{
		TelegramAPIBase:       fmt.Sprintf("%s/bot%s", apiRoot, telegramToken),
		Commander:             commander,
		DBPath:                DBPath(),
		ScreensFile:           os.Getenv("BOT_SCREENS_FILE"),
		AdminIDs:              adminIDs,
		Timeout:               envIntOrDefault("TG_TIMEOUT", 30),
		SleepSeconds:          envIntOrDefault("TG_SLEEP_SECONDS", 1),
		RequestTimeout:        time.Duration(envIntOrDefault("TG_REQUEST_TIMEOUT_SECONDS", 45)) * time.Second,
		DropPending:           envBoolOrDefault("TG_DROP_PENDING", true),
		PendingWindowSeconds:  int64(envIntOrDefault("TG_PENDING_WINDOW_SECONDS", 600)),
		BroadcastDelay:        time.Duration(envIntOrDefault("BOT_BROADCAST_DELAY_MS", 50)) * time.Millisecond,
		BroadcastWorkers:      envIntOrDefault("BOT_BROADCAST_WORKERS", 1),
		HandlerConcurrency:    envIntOrDefault("BOT_HANDLER_CONCURRENCY", 8),
		LogLevel:              strings.ToLower(envOrDefault("BOT_LOG_LEVEL", "info")),
		DummyPollScript:       envOrDefault("BOT_DUMMY_POLL_SCRIPT", "ok"),
		DummySendScript:       envOrDefault("BOT_DUMMY_SEND_SCRIPT", "ok"),
		DummyEditScript:       envOrDefault("BOT_DUMMY_EDIT_SCRIPT", "ok"),
		CircuitThreshold:      envIntOrDefault("BOT_CIRCUIT_THRESHOLD", 5),
		CircuitCooldownSecond: envIntOrDefault("BOT_CIRCUIT_COOLDOWN_SECONDS", 30),
	}
	if err := cfg.Validate(); err != nil {
		return BotConfig{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c BotConfig) Validate() error {
	switch {
	case c.Timeout < 0:
		return fmt.Errorf("TG_TIMEOUT must be >= 0")
	case c.SleepSeconds < 0:
		return fmt.Errorf("TG_SLEEP_SECONDS must be >= 0")
	case c.RequestTimeout <= time.Duration(c.Timeout)*time.Second:
		return fmt.Errorf("TG_REQUEST_TIMEOUT_SECONDS must exceed TG_TIMEOUT")
	case c.BroadcastDelay < 0:
		return fmt.Errorf("BOT_BROADCAST_DELAY_MS must be >= 0")
	case c.BroadcastWorkers < 1:
		return fmt.Errorf("BOT_BROADCAST_WORKERS must be >= 1")
	case c.HandlerConcurrency < 1:
		return fmt.Errorf("BOT_HANDLER_CONCURRENCY must be >= 1")
	case c.PendingWindowSeconds < 0:
		return fmt.Errorf("TG_PENDING_WINDOW_SECONDS must be >= 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("BOT_LOG_LEVEL must be one of debug, info, warn, error")
	}
	return nil
}

// DBPath returns the database location from BOT_DB_PATH. Commands that only
// touch the database use it without loading the full bot configuration.
func DBPath() string {
	return envOrDefault("BOT_DB_PATH", "/state/screenbot.db")
}

// IsAdmin reports whether userID may run admin commands.
func (c BotConfig) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ParseIDs parses a comma separated list of integer ids, dropping duplicates.
func ParseIDs(raw string) ([]int64, error) {
	seen := map[int64]bool{}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer id", part)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
