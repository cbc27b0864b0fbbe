package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillreview/osce-live/pkg/exam"
)

// PostgresStore keeps the snapshot in a single-row table, upserted on
// save. A corrupt row is treated as absent and deleted.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore builds a store over an existing pool. The caller
// owns the pool and runs migrations before first use.
func NewPostgresStore(pool *pgxpool.Pool, log *slog.Logger) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{pool: pool, log: log}
}

func (s *PostgresStore) Save(ctx context.Context, snap exam.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_snapshots (id, data, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (exam.Snapshot, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM session_snapshots WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return exam.Snapshot{}, false, nil
	}
	if err != nil {
		return exam.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	var snap exam.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("discarding corrupt snapshot row", "err", err)
		_ = s.Clear(ctx)
		return exam.Snapshot{}, false, nil
	}
	if snap.Transcript == nil || snap.Rubric == nil {
		s.log.Warn("discarding incomplete snapshot row")
		_ = s.Clear(ctx)
		return exam.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_snapshots WHERE id = 1`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
