package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a known broadcast recipient.
type User struct {
	ID        int64
	Username  string
	FullName  string
	CreatedAt time.Time
}

// UserStore is the recipient store.
type UserStore struct {
	DB *sql.DB
}

// UpsertUser records u unless its id is already known. It reports whether a
// new row was inserted.
func (s *UserStore) UpsertUser(ctx context.Context, u User) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, username, full_name) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		u.ID, u.Username, u.FullName,
	)
	if err != nil {
		return false, fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetUser returns the user with id, or nil if unknown.
func (s *UserStore) GetUser(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	var created int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, full_name, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.FullName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(created, 0)
	return u, nil
}

// ListUserIDs returns every known recipient id in registration order.
func (s *UserStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM users ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUsers returns every known recipient.
func (s *UserStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, username, full_name, created_at FROM users ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u       User
			created int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = time.Unix(created, 0)
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the number of known recipients.
func (s *UserStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
