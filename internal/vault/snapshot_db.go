package vault

import (
	"context"

	"vaultBridge/internal/model"
	"vaultBridge/internal/storage/postgres"
)

// DBSnapshotStore stores the pool in the ledger_snapshots table.
type DBSnapshotStore struct {
	Store *postgres.Store
	Name  string
}

func (s *DBSnapshotStore) Load(ctx context.Context) (model.Pool, bool, error) {
	if s == nil || s.Store == nil {
		return model.Pool{}, false, nil
	}
	return s.Store.LoadSnapshot(ctx, s.Name)
}

func (s *DBSnapshotStore) Save(ctx context.Context, pool model.Pool) error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.SaveSnapshot(ctx, s.Name, pool)
}
