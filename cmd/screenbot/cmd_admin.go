package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/screenbot/internal/bot"
	"github.com/stupiduntilnot/screenbot/internal/config"
	"github.com/stupiduntilnot/screenbot/internal/db"
	"github.com/stupiduntilnot/screenbot/internal/menu"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Send a text to every known user and print the delivery report",
	Long: `Sends the text to every user in the database, in registration order,
pausing between sends (BOT_BROADCAST_DELAY_MS). Users who blocked the bot are
counted as failed and skipped. Interrupting stops further sends and still
prints the partial report.

Example:
  screenbot broadcast --text "Maintenance tonight at 22:00"`,
	Args: cobra.NoArgs,
	RunE: runBroadcast,
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List known users",
	Args:  cobra.NoArgs,
	RunE:  listUsers,
}

var screensCmd = &cobra.Command{
	Use:   "screens",
	Short: "Validate the screen catalog and list its screens",
	Args:  cobra.NoArgs,
	RunE:  listScreens,
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	text, _ := cmd.Flags().GetString("text")
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("--text must not be empty")
	}
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
	journal := startProcess(database, "broadcast", &cfg)

	tr, err := newTransport(&cfg)
	if err != nil {
		return fmt.Errorf("failed to init commander: %w", err)
	}
	ids, err := (&db.UserStore{DB: database}).ListUserIDs(ctx)
	if err != nil {
		return err
	}

	rep, err := bot.RunBroadcast(ctx, newBroadcaster(tr, &cfg), journal, ids, text)
	fmt.Fprintf(cmd.OutOrStdout(), "%s (failed %d, skipped %d)\n", rep, rep.Failed, rep.Skipped())
	return err
}

func listUsers(cmd *cobra.Command, args []string) error {
	path := dbPath
	if path == "" {
		path = config.DBPath()
	}
	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	users, err := (&db.UserStore{DB: database}).ListUsers(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tNAME\tSINCE")
	for _, u := range users {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", u.ID, u.Username, u.FullName, u.CreatedAt.UTC().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func listScreens(cmd *cobra.Command, args []string) error {
	path := screensFile
	if path == "" {
		path = os.Getenv("BOT_SCREENS_FILE")
	}
	reg, err := menu.Load(path)
	if err != nil {
		return err
	}
	for _, id := range reg.IDs() {
		d, _ := reg.Lookup(id)
		first, _, _ := strings.Cut(d.Text, "\n")
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", id, first)
	}
	return nil
}
