// Package registrar credits deposits that arrive from another chain.
package registrar

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"vaultBridge/internal/bridge"
	"vaultBridge/internal/metrics"
	"vaultBridge/internal/model"
	"vaultBridge/internal/storage"
	"vaultBridge/internal/vault"
	"vaultBridge/internal/vaulterr"
)

// Ledger is the ledger entry point the registrar credits shares through.
type Ledger interface {
	DepositFor(ctx context.Context, caller, beneficiary common.Address, amount *big.Int, sourceRef string) (vault.Receipt, error)
}

// Bridge carries verified inbound funds to the ledger chain.
type Bridge interface {
	NewTransfer(amount *big.Int, recipient common.Address, nonce common.Hash) *model.BridgeTransfer
	Run(ctx context.Context, t *model.BridgeTransfer, save bridge.Checkpoint) error
}

type Config struct {
	// Relayer funds DepositFor and receives the bridged mint.
	Relayer common.Address
	Logger  *zap.Logger
	Now     func() time.Time
}

// Registrar runs deposit jobs. Each job is processed at most once at a time.
type Registrar struct {
	jobs     storage.JobStore
	verifier Verifier
	resolver Resolver
	bridge   Bridge
	ledger   Ledger
	relayer  common.Address
	logger   *zap.Logger
	now      func() time.Time

	group singleflight.Group
	wg    sync.WaitGroup
}

func New(jobs storage.JobStore, verifier Verifier, resolver Resolver, br Bridge, ledger Ledger, cfg Config) (*Registrar, error) {
	if jobs == nil || verifier == nil || br == nil || ledger == nil {
		return nil, fmt.Errorf("registrar: job store, verifier, bridge and ledger are required")
	}
	if cfg.Relayer == (common.Address{}) {
		return nil, fmt.Errorf("registrar: relayer address is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registrar{
		jobs:     jobs,
		verifier: verifier,
		resolver: resolver,
		bridge:   br,
		ledger:   ledger,
		relayer:  cfg.Relayer,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// ProcessDeposit runs the job for sourceTxRef to a terminal status and
// returns it. A job that is already terminal is returned as recorded. A zero
// beneficiary is resolved through the lookup service. Step failures are
// recorded on the job and also returned.
func (r *Registrar) ProcessDeposit(ctx context.Context, sourceTxRef string, beneficiary common.Address, amount *big.Int) (model.DepositJob, error) {
	job, _, err := r.create(ctx, sourceTxRef, beneficiary, amount)
	if err != nil {
		return model.DepositJob{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	return r.process(ctx, job.ID)
}

// Submit records the job and processes it in the background. It returns
// the job as stored at submission time.
func (r *Registrar) Submit(ctx context.Context, sourceTxRef string, beneficiary common.Address, amount *big.Int) (model.DepositJob, error) {
	job, _, err := r.create(ctx, sourceTxRef, beneficiary, amount)
	if err != nil {
		return model.DepositJob{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.process(bg, job.ID); err != nil {
			r.logger.Warn("deposit job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
	return job, nil
}

// Job returns the stored job.
func (r *Registrar) Job(ctx context.Context, id string) (model.DepositJob, bool, error) {
	return r.jobs.GetJob(ctx, model.JobID(id))
}

// ResumeOpen drives every non-terminal job found in the store. It returns
// the number of jobs resumed.
func (r *Registrar) ResumeOpen(ctx context.Context) (int, error) {
	open, err := r.jobs.OpenJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open jobs: %w", err)
	}
	for _, job := range open {
		r.logger.Info("resuming deposit job", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		if _, err := r.process(ctx, job.ID); err != nil {
			r.logger.Warn("resumed deposit job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return len(open), nil
}

// Wait blocks until background jobs return.
func (r *Registrar) Wait() {
	r.wg.Wait()
}

func (r *Registrar) create(ctx context.Context, sourceTxRef string, beneficiary common.Address, amount *big.Int) (model.DepositJob, bool, error) {
	const op = "registrar.processDeposit"
	id := model.JobID(sourceTxRef)
	if !isTxHash(id) {
		return model.DepositJob{}, false, vaulterr.Validation(op, "source tx ref %q is not a transaction hash", sourceTxRef)
	}
	if amount == nil || amount.Sign() <= 0 {
		return model.DepositJob{}, false, vaulterr.Validation(op, "amount must be positive")
	}
	if beneficiary == r.relayer {
		return model.DepositJob{}, false, vaulterr.Validation(op, "beneficiary may not be the relayer")
	}

	now := r.now().UTC()
	job, created, err := r.jobs.CreateJob(ctx, model.DepositJob{
		ID:          id,
		SourceTxRef: id,
		Beneficiary: beneficiary,
		Amount:      new(big.Int).Set(amount),
		Status:      model.JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return model.DepositJob{}, false, fmt.Errorf("create job: %w", err)
	}
	if !created && job.Amount.Cmp(amount) != 0 {
		r.logger.Warn("duplicate deposit with different amount, keeping recorded job",
			zap.String("job_id", id), zap.String("recorded", job.Amount.String()), zap.String("submitted", amount.String()))
	}
	return job, created, nil
}

type outcome struct {
	job model.DepositJob
	err error
}

func (r *Registrar) process(ctx context.Context, id string) (model.DepositJob, error) {
	v, _, _ := r.group.Do(id, func() (interface{}, error) {
		job, ok, err := r.jobs.GetJob(ctx, id)
		if err != nil {
			return outcome{err: fmt.Errorf("load job: %w", err)}, nil
		}
		if !ok {
			return outcome{err: fmt.Errorf("job %s not found", id)}, nil
		}
		if job.Status.Terminal() {
			return outcome{job: job}, nil
		}
		err = r.run(ctx, &job)
		return outcome{job: job, err: err}, nil
	})
	out := v.(outcome)
	return out.job, out.err
}

func (r *Registrar) run(ctx context.Context, job *model.DepositJob) error {
	log := r.logger.With(zap.String("job_id", job.ID), zap.String("amount", model.AmountString(job.Amount)))

	if job.Status == model.JobPending || job.Status == model.JobVerifying {
		if err := r.setStatus(ctx, job, model.JobVerifying); err != nil {
			return err
		}
		if err := r.verify(ctx, job); err != nil {
			return r.fail(ctx, job, log, err)
		}
		if err := r.setStatus(ctx, job, model.JobBridging); err != nil {
			return err
		}
		log.Info("inbound transfer verified", zap.String("beneficiary", job.Beneficiary.Hex()))
	}

	if job.Status == model.JobBridging {
		if err := r.bridgeFunds(ctx, job); err != nil {
			return r.fail(ctx, job, log, err)
		}
		if err := r.setStatus(ctx, job, model.JobDepositing); err != nil {
			return err
		}
		log.Info("inbound funds bridged", zap.String("tx", job.BridgeTxRef))
	}

	if job.Status == model.JobDepositing {
		receipt, err := r.ledger.DepositFor(ctx, r.relayer, job.Beneficiary, job.Amount, job.ID)
		if err != nil {
			return r.fail(ctx, job, log, err)
		}
		job.PoolTxRef = receipt.Ref
		if err := r.setStatus(ctx, job, model.JobCompleted); err != nil {
			return err
		}
		metrics.DepositJobs.WithLabelValues(string(model.JobCompleted)).Inc()
		log.Info("deposit credited", zap.String("beneficiary", job.Beneficiary.Hex()), zap.String("pool_tx", job.PoolTxRef))
	}
	return nil
}

func (r *Registrar) verify(ctx context.Context, job *model.DepositJob) error {
	const op = "registrar.verify"
	if job.Beneficiary == (common.Address{}) {
		if r.resolver == nil {
			return vaulterr.Validation(op, "no beneficiary given and no lookup configured")
		}
		addr, ok, err := r.resolver.Resolve(ctx, job.SourceTxRef)
		if err != nil {
			return err
		}
		if !ok {
			return vaulterr.Validation(op, "no beneficiary known for %s", job.SourceTxRef)
		}
		if addr == r.relayer {
			return vaulterr.Validation(op, "resolved beneficiary is the relayer")
		}
		job.Beneficiary = addr
	}
	return r.verifier.Verify(ctx, common.HexToHash(job.SourceTxRef), job.Amount)
}

func (r *Registrar) bridgeFunds(ctx context.Context, job *model.DepositJob) error {
	var transfer *model.BridgeTransfer
	if job.Transfer != nil {
		t := *job.Transfer
		transfer = &t
	} else {
		transfer = r.bridge.NewTransfer(job.Amount, r.relayer, common.HexToHash(job.SourceTxRef))
	}
	save := func(ctx context.Context, t model.BridgeTransfer) error {
		job.Transfer = &t
		job.BridgeTxRef = t.DestinationTxRef
		return r.save(ctx, job)
	}
	return r.bridge.Run(ctx, transfer, save)
}

func (r *Registrar) setStatus(ctx context.Context, job *model.DepositJob, status model.JobStatus) error {
	job.Status = status
	return r.save(ctx, job)
}

func (r *Registrar) fail(ctx context.Context, job *model.DepositJob, log *zap.Logger, cause error) error {
	job.Status = model.JobFailed
	job.Error = cause.Error()
	if err := r.save(ctx, job); err != nil {
		log.Error("save failed job", zap.Error(err))
	}
	metrics.DepositJobs.WithLabelValues(string(model.JobFailed)).Inc()
	log.Warn("deposit job failed", zap.Error(cause))
	return cause
}

func (r *Registrar) save(ctx context.Context, job *model.DepositJob) error {
	job.UpdatedAt = r.now().UTC()
	if err := r.jobs.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func isTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	_, err := hexutil.Decode(s)
	return err == nil
}
