package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vaultBridge/internal/model"
)

// SnapshotStore persists the ledger's pool state after every mutation.
type SnapshotStore interface {
	Load(ctx context.Context) (model.Pool, bool, error)
	Save(ctx context.Context, pool model.Pool) error
}

// FileSnapshotStore stores the pool in a local JSON file.
type FileSnapshotStore struct {
	Path string
}

type snapshotRecord struct {
	Pool      model.Pool `json:"pool"`
	UpdatedAt string     `json:"updated_at"`
}

func (s *FileSnapshotStore) Load(ctx context.Context) (model.Pool, bool, error) {
	if s == nil || s.Path == "" {
		return model.Pool{}, false, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Pool{}, false, nil
		}
		return model.Pool{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Pool{}, false, fmt.Errorf("parse snapshot: %w", err)
	}
	return rec.Pool, true, nil
}

func (s *FileSnapshotStore) Save(ctx context.Context, pool model.Pool) error {
	if s == nil || s.Path == "" {
		return nil
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	rec := snapshotRecord{
		Pool:      pool,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot tmp: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
