package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// EventNode is one journal row with its children.
type EventNode struct {
	ID       int64          `json:"id"`
	Time     time.Time      `json:"time"`
	Type     string         `json:"event_type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Children []*EventNode   `json:"children,omitempty"`
	parentID sql.NullInt64
}

// LatestProcess returns the id of the newest process.started event, limited
// to role when it is not empty.
func LatestProcess(ctx context.Context, database *sql.DB, role string) (int64, error) {
	var id int64
	err := database.QueryRowContext(ctx,
		`SELECT id FROM events
		 WHERE event_type = ? AND (? = '' OR json_extract(payload, '$.role') = ?)
		 ORDER BY id DESC LIMIT 1`,
		EventProcessStarted, role, role,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no %s event found for role %q", EventProcessStarted, role)
	}
	return id, err
}

// EventTree loads the subtree rooted at rootID. Children are ordered by id.
func EventTree(ctx context.Context, database *sql.DB, rootID int64) (*EventNode, error) {
	rows, err := database.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query event subtree %d: %w", rootID, err)
	}
	defer rows.Close()

	byID := map[int64]*EventNode{}
	var nodes []*EventNode
	for rows.Next() {
		var (
			n       EventNode
			ts      int64
			payload sql.NullString
		)
		if err := rows.Scan(&n.ID, &ts, &n.parentID, &n.Type, &payload); err != nil {
			return nil, err
		}
		n.Time = time.Unix(ts, 0).UTC()
		if payload.Valid && payload.String != "" {
			// Rows with malformed payloads are still shown, without fields.
			_ = json.Unmarshal([]byte(payload.String), &n.Payload)
		}
		byID[n.ID] = &n
		nodes = append(nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	root, ok := byID[rootID]
	if !ok {
		return nil, fmt.Errorf("event %d not found", rootID)
	}
	for _, n := range nodes {
		if n == root || !n.parentID.Valid {
			continue
		}
		if parent, ok := byID[n.parentID.Int64]; ok && parent != n {
			parent.Children = append(parent.Children, n)
		}
	}
	for _, n := range nodes {
		sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].ID < n.Children[j].ID })
	}
	return root, nil
}
