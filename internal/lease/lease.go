// Package lease provides the exclusive in-flight lease that keeps at most
// one deployment cycle running per pool.
package lease

import (
	"context"
	"sync"

	"vaultBridge/internal/vaulterr"
)

// Lease grants exclusive ownership of one named resource. Acquire never
// waits: a held lease yields a Concurrency error.
type Lease interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Handle releases an acquired lease. Release is safe to call twice.
type Handle interface {
	Release(ctx context.Context) error
}

// Local is an in-process lease.
type Local struct {
	name string
	mu   sync.Mutex
}

func NewLocal(name string) *Local {
	return &Local{name: name}
}

func (l *Local) Acquire(ctx context.Context) (Handle, error) {
	if !l.mu.TryLock() {
		return nil, vaulterr.Concurrency("lease.acquire", "%s is already held", l.name)
	}
	return &localHandle{l: l}, nil
}

type localHandle struct {
	l    *Local
	once sync.Once
}

func (h *localHandle) Release(ctx context.Context) error {
	h.once.Do(h.l.mu.Unlock)
	return nil
}
