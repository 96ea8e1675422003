package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose     bool
	dbPath      string
	screensFile string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "screenbot",
	Short: "Screen-based Telegram menu bot",
	Long: `screenbot serves a catalog of menu screens over the Telegram Bot API.

Each user moves between screens with inline buttons; the bot edits its
message in place and remembers where the user came from so "Back" works.
Admins can broadcast a text to every known user.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
		if raw := os.Getenv("BOT_LOG_LEVEL"); raw != "" {
			parsed, err := zap.ParseAtomicLevel(raw)
			if err != nil {
				return fmt.Errorf("invalid BOT_LOG_LEVEL: %w", err)
			}
			level = parsed
		}
		if verbose {
			level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		config := zap.NewProductionConfig()
		config.Level = level
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default: BOT_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&screensFile, "screens", "", "YAML screen catalog (default: BOT_SCREENS_FILE or the built-in catalog)")

	broadcastCmd.Flags().String("text", "", "Text to send (required)")
	_ = broadcastCmd.MarkFlagRequired("text")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(screensCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
