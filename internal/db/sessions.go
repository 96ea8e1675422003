package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stupiduntilnot/screenbot/internal/screen"
	"github.com/stupiduntilnot/screenbot/internal/session"
)

// SessionStore persists navigation state in the sessions table.
type SessionStore struct {
	DB *sql.DB
}

var _ session.Store = (*SessionStore)(nil)

func (s *SessionStore) Get(ctx context.Context, userID int64) (session.State, error) {
	var (
		current string
		history string
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT current, history FROM sessions WHERE user_id = ?`, userID,
	).Scan(&current, &history)
	if errors.Is(err, sql.ErrNoRows) {
		return session.State{}, nil
	}
	if err != nil {
		return session.State{}, fmt.Errorf("get session %d: %w", userID, err)
	}
	st := session.State{Current: screen.ID(current)}
	if err := json.Unmarshal([]byte(history), &st.History); err != nil {
		return session.State{}, fmt.Errorf("decode session history %d: %w", userID, err)
	}
	if len(st.History) == 0 {
		st.History = nil
	}
	return st, nil
}

func (s *SessionStore) Set(ctx context.Context, userID int64, st session.State) error {
	history := st.History
	if history == nil {
		history = []screen.ID{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode session history %d: %w", userID, err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO sessions (user_id, current, history, updated_at)
		VALUES (?, ?, ?, unixepoch())
		ON CONFLICT(user_id) DO UPDATE SET
			current = excluded.current,
			history = excluded.history,
			updated_at = excluded.updated_at
	`, userID, string(st.Current), string(data))
	if err != nil {
		return fmt.Errorf("set session %d: %w", userID, err)
	}
	return nil
}
