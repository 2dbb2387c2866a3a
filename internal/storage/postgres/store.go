package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vaultBridge/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Store provides Postgres persistence for jobs, cycles, ledger snapshots and
// the transfer audit trail.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, source_tx_ref, beneficiary, amount, status, bridge_tx_ref, pool_tx_ref, error, transfer, created_at, updated_at`

// CreateJob inserts job unless the id already exists.
func (s *Store) CreateJob(ctx context.Context, job model.DepositJob) (model.DepositJob, bool, error) {
	transfer, err := marshalTransfer(job.Transfer)
	if err != nil {
		return model.DepositJob{}, false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`,
		job.ID,
		job.SourceTxRef,
		job.Beneficiary.Hex(),
		model.AmountString(job.Amount),
		string(job.Status),
		job.BridgeTxRef,
		job.PoolTxRef,
		job.Error,
		transfer,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return model.DepositJob{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return job, true, nil
	}
	existing, ok, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return model.DepositJob{}, false, err
	}
	if !ok {
		return model.DepositJob{}, false, fmt.Errorf("job %s vanished after conflict", job.ID)
	}
	return existing, false, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (model.DepositJob, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM deposit_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DepositJob{}, false, nil
		}
		return model.DepositJob{}, false, err
	}
	return job, true, nil
}

func (s *Store) UpdateJob(ctx context.Context, job model.DepositJob) error {
	transfer, err := marshalTransfer(job.Transfer)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE deposit_jobs SET
			beneficiary = $2,
			amount = $3,
			status = $4,
			bridge_tx_ref = $5,
			pool_tx_ref = $6,
			error = $7,
			transfer = $8,
			updated_at = $9
		WHERE id = $1
	`,
		job.ID,
		job.Beneficiary.Hex(),
		model.AmountString(job.Amount),
		string(job.Status),
		job.BridgeTxRef,
		job.PoolTxRef,
		job.Error,
		transfer,
		job.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

func (s *Store) OpenJobs(ctx context.Context) ([]model.DepositJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM deposit_jobs
		WHERE status NOT IN ('COMPLETED', 'FAILED')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DepositJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (model.DepositJob, error) {
	var (
		job         model.DepositJob
		beneficiary string
		amount      string
		status      string
		transfer    []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.SourceTxRef,
		&beneficiary,
		&amount,
		&status,
		&job.BridgeTxRef,
		&job.PoolTxRef,
		&job.Error,
		&transfer,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return model.DepositJob{}, err
	}
	value, err := model.ParseMinorUnits(amount)
	if err != nil {
		return model.DepositJob{}, fmt.Errorf("job %s amount: %w", job.ID, err)
	}
	job.Amount = value
	job.Beneficiary = common.HexToAddress(beneficiary)
	job.Status = model.JobStatus(status)
	if job.Transfer, err = unmarshalTransfer(transfer); err != nil {
		return model.DepositJob{}, fmt.Errorf("job %s transfer: %w", job.ID, err)
	}
	return job, nil
}

// SaveCycle upserts a deployment cycle step record.
func (s *Store) SaveCycle(ctx context.Context, cycle model.Cycle) error {
	transfer, err := marshalTransfer(cycle.Transfer)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO deployment_cycles (
			id, amount, phase, status, venue_baseline, transfer, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			phase = EXCLUDED.phase,
			status = EXCLUDED.status,
			venue_baseline = EXCLUDED.venue_baseline,
			transfer = EXCLUDED.transfer,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`,
		cycle.ID,
		model.AmountString(cycle.Amount),
		string(cycle.Phase),
		string(cycle.Status),
		model.AmountString(cycle.VenueBaseline),
		transfer,
		cycle.Error,
		cycle.CreatedAt,
		cycle.UpdatedAt,
	)
	return err
}

func (s *Store) LatestCycle(ctx context.Context) (model.Cycle, bool, error) {
	var (
		cycle    model.Cycle
		amount   string
		phase    string
		status   string
		baseline string
		transfer []byte
	)
	row := s.pool.QueryRow(ctx, `
		SELECT id, amount, phase, status, venue_baseline, transfer, error, created_at, updated_at
		FROM deployment_cycles
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)
	if err := row.Scan(&cycle.ID, &amount, &phase, &status, &baseline, &transfer, &cycle.Error, &cycle.CreatedAt, &cycle.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cycle{}, false, nil
		}
		return model.Cycle{}, false, err
	}
	var err error
	if cycle.Amount, err = model.ParseMinorUnits(amount); err != nil {
		return model.Cycle{}, false, fmt.Errorf("cycle amount: %w", err)
	}
	if cycle.VenueBaseline, err = model.ParseMinorUnits(baseline); err != nil {
		return model.Cycle{}, false, fmt.Errorf("cycle baseline: %w", err)
	}
	cycle.Phase = model.CyclePhase(phase)
	cycle.Status = model.CycleStatus(status)
	if cycle.Transfer, err = unmarshalTransfer(transfer); err != nil {
		return model.Cycle{}, false, fmt.Errorf("cycle transfer: %w", err)
	}
	return cycle, true, nil
}

// LoadSnapshot returns the ledger snapshot stored under name.
func (s *Store) LoadSnapshot(ctx context.Context, name string) (model.Pool, bool, error) {
	if name == "" {
		return model.Pool{}, false, fmt.Errorf("snapshot name required")
	}
	var data []byte
	row := s.pool.QueryRow(ctx, `SELECT pool FROM ledger_snapshots WHERE name=$1`, name)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Pool{}, false, nil
		}
		return model.Pool{}, false, err
	}
	var pool model.Pool
	if err := json.Unmarshal(data, &pool); err != nil {
		return model.Pool{}, false, fmt.Errorf("parse snapshot: %w", err)
	}
	return pool, true, nil
}

// SaveSnapshot upserts the ledger snapshot. Stale sequences never overwrite
// newer ones.
func (s *Store) SaveSnapshot(ctx context.Context, name string, pool model.Pool) error {
	if name == "" {
		return fmt.Errorf("snapshot name required")
	}
	data, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledger_snapshots (name, sequence, pool, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE
		SET sequence = EXCLUDED.sequence, pool = EXCLUDED.pool, updated_at = now()
		WHERE ledger_snapshots.sequence <= EXCLUDED.sequence
	`, name, int64(pool.Sequence), data)
	return err
}

// CreditTx returns the ledger transaction recorded for a relayed deposit.
func (s *Store) CreditTx(ctx context.Context, sourceRef string) (common.Hash, bool, error) {
	var tx string
	row := s.pool.QueryRow(ctx, `SELECT tx_hash FROM ledger_credits WHERE source_ref=$1`, sourceRef)
	if err := row.Scan(&tx); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Hash{}, false, nil
		}
		return common.Hash{}, false, err
	}
	return common.HexToHash(tx), true, nil
}

// SaveCreditTx upserts the transaction recorded for sourceRef.
func (s *Store) SaveCreditTx(ctx context.Context, sourceRef string, tx common.Hash) error {
	if sourceRef == "" {
		return fmt.Errorf("source ref required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_credits (source_ref, tx_hash, recorded_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source_ref) DO UPDATE
		SET tx_hash = EXCLUDED.tx_hash, recorded_at = now()
	`, sourceRef, tx.Hex())
	return err
}

// Append writes audit entries; it satisfies storage.AuditLog.
func (s *Store) Append(ctx context.Context, entry model.TransferAudit) error {
	return s.AppendAudit(ctx, []model.TransferAudit{entry})
}

// AppendAudit inserts audit entries in one batch.
func (s *Store) AppendAudit(ctx context.Context, entries []model.TransferAudit) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, entry := range entries {
		transfer, err := json.Marshal(entry.Transfer)
		if err != nil {
			return fmt.Errorf("marshal audit transfer: %w", err)
		}
		loggedAt, err := time.Parse(time.RFC3339Nano, entry.LoggedAt)
		if err != nil {
			loggedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO transfer_audit (owner, kind, status, amount, destination_tx_ref, transfer, logged_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			entry.Owner,
			entry.Kind,
			string(entry.Transfer.Status),
			model.AmountString(entry.Transfer.SourceAmount),
			entry.Transfer.DestinationTxRef,
			transfer,
			loggedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func marshalTransfer(t *model.BridgeTransfer) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal transfer: %w", err)
	}
	return data, nil
}

func unmarshalTransfer(data []byte) (*model.BridgeTransfer, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var t model.BridgeTransfer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
