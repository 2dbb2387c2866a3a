package watcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Checkpoint records the last block whose logs were handed to the trigger.
type Checkpoint struct {
	Contract           string `json:"contract"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at"`
}

// CheckpointStore keeps the checkpoint in a JSON file. An empty path keeps
// it in memory only.
type CheckpointStore struct {
	path     string
	contract string
	mem      *Checkpoint
}

func NewCheckpointStore(path, contract string) *CheckpointStore {
	return &CheckpointStore{path: path, contract: strings.ToLower(contract)}
}

// Load returns false when no checkpoint exists for this contract.
func (c *CheckpointStore) Load() (Checkpoint, bool, error) {
	if c.path == "" {
		if c.mem == nil {
			return Checkpoint{}, false, nil
		}
		return *c.mem, true, nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.Contract != c.contract {
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

func (c *CheckpointStore) Save(lastProcessed uint64) error {
	cp := Checkpoint{
		Contract:           c.contract,
		LastProcessedBlock: lastProcessed,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if c.path == "" {
		c.mem = &cp
		return nil
	}

	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
