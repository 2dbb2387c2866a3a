package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"vaultBridge/internal/model"
)

// FileStore keeps jobs and cycles in memory and mirrors them to a JSON
// file after every write. An empty path keeps everything in memory.
type FileStore struct {
	path string

	mu      sync.Mutex
	jobs    map[string]model.DepositJob
	cycles  []model.Cycle
	credits map[string]common.Hash
}

type fileState struct {
	Jobs    []model.DepositJob     `json:"jobs"`
	Cycles  []model.Cycle          `json:"cycles"`
	Credits map[string]common.Hash `json:"credits,omitempty"`
}

// OpenFileStore loads path if it exists.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, jobs: make(map[string]model.DepositJob), credits: make(map[string]common.Hash)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse store: %w", err)
	}
	for _, job := range state.Jobs {
		s.jobs[job.ID] = job
	}
	s.cycles = state.Cycles
	for ref, tx := range state.Credits {
		s.credits[ref] = tx
	}
	return s, nil
}

func (s *FileStore) CreateJob(ctx context.Context, job model.DepositJob) (model.DepositJob, bool, error) {
	if job.ID == "" {
		return model.DepositJob{}, false, fmt.Errorf("job id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.ID]; ok {
		return existing, false, nil
	}
	s.jobs[job.ID] = job
	if err := s.flushLocked(); err != nil {
		delete(s.jobs, job.ID)
		return model.DepositJob{}, false, err
	}
	return job, true, nil
}

func (s *FileStore) GetJob(ctx context.Context, id string) (model.DepositJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *FileStore) UpdateJob(ctx context.Context, job model.DepositJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s not found", job.ID)
	}
	s.jobs[job.ID] = job
	if err := s.flushLocked(); err != nil {
		s.jobs[job.ID] = previous
		return err
	}
	return nil
}

func (s *FileStore) OpenJobs(ctx context.Context) ([]model.DepositJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DepositJob
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) SaveCycle(ctx context.Context, cycle model.Cycle) error {
	if cycle.ID == "" {
		return fmt.Errorf("cycle id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := append([]model.Cycle(nil), s.cycles...)
	replaced := false
	for i := range s.cycles {
		if s.cycles[i].ID == cycle.ID {
			s.cycles[i] = cycle
			replaced = true
			break
		}
	}
	if !replaced {
		s.cycles = append(s.cycles, cycle)
	}
	if err := s.flushLocked(); err != nil {
		s.cycles = previous
		return err
	}
	return nil
}

func (s *FileStore) LatestCycle(ctx context.Context) (model.Cycle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cycles) == 0 {
		return model.Cycle{}, false, nil
	}
	return s.cycles[len(s.cycles)-1], true, nil
}

// CreditTx returns the ledger transaction recorded for a relayed deposit.
func (s *FileStore) CreditTx(ctx context.Context, sourceRef string) (common.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.credits[sourceRef]
	return tx, ok, nil
}

// SaveCreditTx records tx for sourceRef, replacing an earlier entry.
func (s *FileStore) SaveCreditTx(ctx context.Context, sourceRef string, tx common.Hash) error {
	if sourceRef == "" {
		return fmt.Errorf("source ref required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, had := s.credits[sourceRef]
	s.credits[sourceRef] = tx
	if err := s.flushLocked(); err != nil {
		if had {
			s.credits[sourceRef] = previous
		} else {
			delete(s.credits, sourceRef)
		}
		return err
	}
	return nil
}

func (s *FileStore) flushLocked() error {
	if s.path == "" {
		return nil
	}
	state := fileState{Cycles: s.cycles, Credits: s.credits}
	for _, job := range s.jobs {
		state.Jobs = append(state.Jobs, job)
	}
	sort.Slice(state.Jobs, func(i, j int) bool { return state.Jobs[i].ID < state.Jobs[j].ID })

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write store tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename store: %w", err)
	}
	return nil
}
