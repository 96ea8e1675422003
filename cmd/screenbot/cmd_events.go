package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/screenbot/internal/config"
	"github.com/stupiduntilnot/screenbot/internal/db"
)

var (
	eventsID        int64
	eventsRole      string
	eventsDepth     int
	eventsJSON      bool
	eventsNoPayload bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the event journal of the latest bot process as a tree",
	Long: `Every process records a process.started event; the events it logs
afterwards (registrations, screen transitions, broadcasts, polling failures,
circuit changes) are its children.

Examples:
  screenbot events                 # latest bot process
  screenbot events --role broadcast
  screenbot events --id 42 -L 2 --json`,
	Args: cobra.NoArgs,
	RunE: showEvents,
}

func init() {
	eventsCmd.Flags().Int64Var(&eventsID, "id", 0, "Show the subtree of this event id")
	eventsCmd.Flags().StringVar(&eventsRole, "role", "bot", "Process role to pick the latest root from (empty for any)")
	eventsCmd.Flags().IntVarP(&eventsDepth, "depth", "L", 0, "Limit display depth (0 = unlimited)")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Output JSON")
	eventsCmd.Flags().BoolVar(&eventsNoPayload, "no-payload", false, "Hide payload fields")
	rootCmd.AddCommand(eventsCmd)
}

func showEvents(cmd *cobra.Command, args []string) error {
	path := dbPath
	if path == "" {
		path = config.DBPath()
	}
	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	rootID := eventsID
	if rootID == 0 {
		if rootID, err = db.LatestProcess(cmd.Context(), database, eventsRole); err != nil {
			return err
		}
	}
	tree, err := db.EventTree(cmd.Context(), database, rootID)
	if err != nil {
		return err
	}
	prune(tree, 1, eventsDepth, eventsNoPayload)

	out := cmd.OutOrStdout()
	if eventsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tree)
	}
	writeTree(out, tree, "", true, true)
	return nil
}

// prune drops payloads and cuts the tree below maxDepth. Cut nodes keep a
// single placeholder child so the text view can show the truncation.
func prune(n *db.EventNode, depth, maxDepth int, noPayload bool) {
	if noPayload {
		n.Payload = nil
	}
	if maxDepth > 0 && depth >= maxDepth {
		if len(n.Children) > 0 {
			n.Children = []*db.EventNode{{Type: "[...]"}}
		}
		return
	}
	for _, c := range n.Children {
		prune(c, depth+1, maxDepth, noPayload)
	}
}

func writeTree(w io.Writer, n *db.EventNode, prefix string, root, last bool) {
	switch {
	case root:
		fmt.Fprintln(w, eventLine(n))
	case last:
		fmt.Fprintln(w, prefix+"└── "+eventLine(n))
	default:
		fmt.Fprintln(w, prefix+"├── "+eventLine(n))
	}

	childPrefix := prefix
	if !root {
		if last {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	for i, c := range n.Children {
		writeTree(w, c, childPrefix, false, i == len(n.Children)-1)
	}
}

func eventLine(n *db.EventNode) string {
	if n.ID == 0 {
		return n.Type
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s  %s", n.ID, n.Time.Format("2006-01-02 15:04:05"), n.Type)
	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%s", k, payloadValue(n.Payload[k]))
	}
	return b.String()
}

func payloadValue(v any) string {
	switch val := v.(type) {
	case string:
		if len(val) > 80 {
			return fmt.Sprintf("%q", val[:80]+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
