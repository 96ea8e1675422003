package db

import (
	"context"
	"database/sql"
)

// Journal appends events under an optional parent event, typically the
// process.started event of the running process.
type Journal struct {
	DB     *sql.DB
	Parent *int64
}

func (j *Journal) Log(ctx context.Context, eventType string, payload map[string]any) (int64, error) {
	return LogEventContext(ctx, j.DB, j.Parent, eventType, payload)
}

// OffsetStore persists the update polling offset.
type OffsetStore struct {
	DB *sql.DB
}

func (s *OffsetStore) LoadOffset(_ context.Context) (int64, error) {
	return LoadOffset(s.DB)
}

func (s *OffsetStore) SaveOffset(_ context.Context, offset int64) error {
	return SaveOffset(s.DB, offset)
}
