package bridge

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"vaultBridge/internal/metrics"
	"vaultBridge/internal/model"
	"vaultBridge/internal/storage"
)

// Checkpoint persists a transfer after each completed step.
type Checkpoint func(ctx context.Context, t model.BridgeTransfer) error

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Route    Route
	Key      *ecdsa.PrivateKey
	Attester Attester
	Minter   Minter
	Audit    storage.AuditLog
	// Owner labels audit entries, e.g. "coordinator" or "registrar".
	Owner  string
	Logger *zap.Logger
	Now    func() time.Time
}

// Pipeline runs sign -> attest -> mint -> verify for one route. Each step is
// skipped when the transfer record shows it already completed.
type Pipeline struct {
	route    Route
	key      *ecdsa.PrivateKey
	signer   common.Address
	attester Attester
	minter   Minter
	audit    storage.AuditLog
	owner    string
	logger   *zap.Logger
	now      func() time.Time
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("bridge signing key is required")
	}
	if cfg.Attester == nil || cfg.Minter == nil {
		return nil, fmt.Errorf("attester and minter are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		route:    cfg.Route,
		key:      cfg.Key,
		signer:   crypto.PubkeyToAddress(cfg.Key.PublicKey),
		attester: cfg.Attester,
		minter:   cfg.Minter,
		audit:    cfg.Audit,
		owner:    cfg.Owner,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Signer is the depositor of every intent this pipeline builds.
func (p *Pipeline) Signer() common.Address { return p.signer }

// NewTransfer constructs an unsigned transfer of amount to recipient.
func (p *Pipeline) NewTransfer(amount *big.Int, recipient common.Address, nonce common.Hash) *model.BridgeTransfer {
	return &model.BridgeTransfer{
		SourceAmount: new(big.Int).Set(amount),
		Intent:       p.route.NewIntent(amount, p.signer, recipient, nonce),
		Status:       model.TransferConstructed,
		UpdatedAt:    p.now().UTC(),
	}
}

// Progress derives the last completed step from the data a transfer holds,
// so a FAILED transfer resumes after its last good step.
func Progress(t model.BridgeTransfer) model.TransferStatus {
	switch {
	case t.Status == model.TransferVerified:
		return model.TransferVerified
	case t.DestinationTxRef != "":
		return model.TransferMinted
	case t.Attestation != "":
		return model.TransferAttested
	case t.Signature != "":
		return model.TransferSigned
	default:
		return model.TransferConstructed
	}
}

// Run drives t to VERIFIED. On failure t is marked FAILED, saved and
// audited, and the step error is returned unchanged.
func (p *Pipeline) Run(ctx context.Context, t *model.BridgeTransfer, save Checkpoint) error {
	if t == nil {
		return fmt.Errorf("transfer is nil")
	}
	if save == nil {
		save = func(context.Context, model.BridgeTransfer) error { return nil }
	}
	log := p.logger.With(zap.String("nonce", t.Intent.Nonce.Hex()), zap.String("amount", model.AmountString(t.SourceAmount)))

	progress := Progress(*t)
	if progress == model.TransferVerified {
		return nil
	}
	t.Error = ""

	if !progress.Reached(model.TransferSigned) {
		sig, err := SignIntent(t.Intent, p.key)
		if err != nil {
			return p.fail(ctx, t, save, err)
		}
		t.Signature = sig
		if err := p.advance(ctx, t, save, model.TransferSigned); err != nil {
			return err
		}
		log.Info("intent signed")
	}

	if !progress.Reached(model.TransferAttested) {
		att, err := p.attester.Request(ctx, t.Intent, t.Signature)
		if err != nil {
			log.Warn("attestation failed", zap.Error(err))
			return p.fail(ctx, t, save, err)
		}
		t.Attestation = att.Payload
		t.AttestationSignature = att.Signature
		if err := p.advance(ctx, t, save, model.TransferAttested); err != nil {
			return err
		}
		log.Info("attestation received")
	}

	if !progress.Reached(model.TransferMinted) {
		txRef, err := p.minter.Mint(ctx, Attestation{Payload: t.Attestation, Signature: t.AttestationSignature})
		if err != nil {
			log.Warn("mint failed", zap.Error(err))
			return p.fail(ctx, t, save, err)
		}
		t.DestinationTxRef = txRef
		if err := p.advance(ctx, t, save, model.TransferMinted); err != nil {
			return err
		}
		log.Info("mint confirmed", zap.String("tx", txRef))
	}

	if err := p.minter.Verify(ctx, t.DestinationTxRef); err != nil {
		log.Warn("mint verification failed", zap.Error(err))
		return p.fail(ctx, t, save, err)
	}
	if err := p.advance(ctx, t, save, model.TransferVerified); err != nil {
		return err
	}
	p.record(ctx, *t)
	log.Info("transfer verified", zap.String("tx", t.DestinationTxRef))
	return nil
}

func (p *Pipeline) advance(ctx context.Context, t *model.BridgeTransfer, save Checkpoint, status model.TransferStatus) error {
	t.Status = status
	t.UpdatedAt = p.now().UTC()
	if err := save(ctx, *t); err != nil {
		return fmt.Errorf("save transfer at %s: %w", status, err)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, t *model.BridgeTransfer, save Checkpoint, cause error) error {
	t.Status = model.TransferFailed
	t.Error = cause.Error()
	t.UpdatedAt = p.now().UTC()
	if err := save(ctx, *t); err != nil {
		p.logger.Error("save failed transfer", zap.Error(err))
	}
	p.record(ctx, *t)
	return cause
}

func (p *Pipeline) record(ctx context.Context, t model.BridgeTransfer) {
	metrics.BridgeTransfers.WithLabelValues(string(t.Status)).Inc()
	if p.audit == nil {
		return
	}
	entry := model.TransferAudit{
		Owner:    p.owner,
		Kind:     string(t.Status),
		Transfer: t,
		LoggedAt: p.now().UTC().Format(time.RFC3339Nano),
	}
	if err := p.audit.Append(ctx, entry); err != nil {
		p.logger.Warn("audit append failed", zap.Error(err))
	}
}
