// Package store provides snapshot persistence backends: a local JSON
// file for single-user deployments and Postgres for shared ones.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/skillreview/osce-live/pkg/exam"
)

// FileStore keeps the snapshot as a single JSON file, replaced
// atomically on save. A corrupt file is treated as absent and removed.
type FileStore struct {
	path string
	log  *slog.Logger
}

// NewFileStore builds a store writing to path.
func NewFileStore(path string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{path: path, log: log}
}

func (s *FileStore) Save(ctx context.Context, snap exam.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (exam.Snapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return exam.Snapshot{}, false, nil
	}
	if err != nil {
		return exam.Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var snap exam.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("discarding corrupt snapshot", "path", s.path, "err", err)
		_ = os.Remove(s.path)
		return exam.Snapshot{}, false, nil
	}
	if snap.Transcript == nil || snap.Rubric == nil {
		s.log.Warn("discarding incomplete snapshot", "path", s.path)
		_ = os.Remove(s.path)
		return exam.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}
