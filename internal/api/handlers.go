package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"vaultBridge/internal/model"
	"vaultBridge/internal/vaulterr"
)

type depositRequest struct {
	SourceTxRef string `json:"sourceTxRef"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

type jobView struct {
	JobID       string `json:"jobId"`
	Status      string `json:"status"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	BridgeTxRef string `json:"bridgeTxRef,omitempty"`
	PoolTxRef   string `json:"poolTxRef,omitempty"`
	Error       string `json:"error,omitempty"`
	UpdatedAt   string `json:"updatedAt"`
}

type cycleView struct {
	ID        string `json:"id"`
	Amount    string `json:"amount"`
	Phase     string `json:"phase"`
	Status    string `json:"status"`
	Transfer  string `json:"transfer,omitempty"`
	Error     string `json:"error,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

func newJobView(job model.DepositJob) jobView {
	return jobView{
		JobID:       job.ID,
		Status:      string(job.Status),
		Beneficiary: job.Beneficiary.Hex(),
		Amount:      model.AmountString(job.Amount),
		BridgeTxRef: job.BridgeTxRef,
		PoolTxRef:   job.PoolTxRef,
		Error:       job.Error,
		UpdatedAt:   job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func newCycleView(c model.Cycle) cycleView {
	v := cycleView{
		ID:        c.ID,
		Amount:    model.AmountString(c.Amount),
		Phase:     string(c.Phase),
		Status:    string(c.Status),
		Error:     c.Error,
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if c.Transfer != nil {
		v.Transfer = string(c.Transfer.Status)
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := model.ParseMinorUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var beneficiary common.Address
	if b := strings.TrimSpace(req.Beneficiary); b != "" {
		if !common.IsHexAddress(b) {
			writeError(w, http.StatusBadRequest, "invalid beneficiary address")
			return
		}
		beneficiary = common.HexToAddress(b)
	}

	job, err := s.registrar.Submit(r.Context(), req.SourceTxRef, beneficiary, amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobId"]
	job, ok, err := s.registrar.Job(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool.Snapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	// An empty amount resumes the open cycle.
	var amount *big.Int
	if strings.TrimSpace(req.Amount) != "" {
		parsed, err := model.ParseMinorUnits(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		amount = parsed
	}

	// The cycle outlives the request. Poll GET /cycles/current for progress.
	cycle, err := s.cycles.StartDeploymentCycle(context.WithoutCancel(r.Context()), amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("deployment cycle started", zap.String("cycle_id", cycle.ID), zap.String("phase", string(cycle.Phase)))
	writeJSON(w, http.StatusAccepted, newCycleView(cycle))
}

func (s *Server) handleCurrentCycle(w http.ResponseWriter, r *http.Request) {
	cycle, ok, err := s.cycles.Current(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no deployment cycle recorded")
		return
	}
	writeJSON(w, http.StatusOK, newCycleView(cycle))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vaulterr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, vaulterr.ErrState), errors.Is(err, vaulterr.ErrConcurrency):
		return http.StatusConflict
	case errors.Is(err, vaulterr.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vaulterr.ErrAttestation),
		errors.Is(err, vaulterr.ErrConfirmationTimeout),
		errors.Is(err, vaulterr.ErrOnChainVerification):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
