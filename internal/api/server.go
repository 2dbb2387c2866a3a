// Package api exposes the operational HTTP surface of the coordinator process.
package api

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vaultBridge/internal/metrics"
	"vaultBridge/internal/model"
)

// Registrar accepts inbound deposits.
type Registrar interface {
	Submit(ctx context.Context, sourceTxRef string, beneficiary common.Address, amount *big.Int) (model.DepositJob, error)
	Job(ctx context.Context, id string) (model.DepositJob, bool, error)
}

// Cycles starts and reports deployment cycles.
type Cycles interface {
	StartDeploymentCycle(ctx context.Context, amount *big.Int) (model.Cycle, error)
	Current(ctx context.Context) (model.Cycle, bool, error)
}

// PoolReader returns the current pool.
type PoolReader interface {
	Snapshot(ctx context.Context) (model.Pool, error)
}

type Config struct {
	// DepositRate and DepositBurst bound POST /deposit per remote address.
	DepositRate  rate.Limit
	DepositBurst int
	Logger       *zap.Logger
}

type Server struct {
	registrar Registrar
	cycles    Cycles
	pool      PoolReader
	limiter   *limiter
	logger    *zap.Logger
	router    *mux.Router
}

// New builds the router. cycles and pool may be nil, which disables the
// operator routes.
func New(registrar Registrar, cycles Cycles, pool PoolReader, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DepositRate <= 0 {
		cfg.DepositRate = 5
	}
	if cfg.DepositBurst <= 0 {
		cfg.DepositBurst = 10
	}
	s := &Server{
		registrar: registrar,
		cycles:    cycles,
		pool:      pool,
		limiter:   newLimiter(cfg.DepositRate, cfg.DepositBurst),
		logger:    cfg.Logger,
	}

	r := mux.NewRouter()
	r.Use(metrics.HttpMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/deposit", s.limiter.wrap(http.HandlerFunc(s.handleDeposit))).Methods(http.MethodPost)
	r.HandleFunc("/deposit/{jobId}", s.handleGetDeposit).Methods(http.MethodGet)
	if pool != nil {
		r.HandleFunc("/pool", s.handlePool).Methods(http.MethodGet)
	}
	if cycles != nil {
		r.HandleFunc("/cycles", s.handleRunCycle).Methods(http.MethodPost)
		r.HandleFunc("/cycles/current", s.handleCurrentCycle).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler())
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// HTTPServer wraps the router with the process timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}
