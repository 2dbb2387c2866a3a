package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vaultBridge/internal/vaulterr"
)

const (
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
)

// RedisClient is the subset of go-redis the lease uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a lease shared by every process pointed at the same key. The
// holder's token keeps another process from releasing it, and the TTL frees
// it if the holder dies.
type Redis struct {
	client RedisClient
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedis(client RedisClient, key string, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, key: key, ttl: ttl, logger: logger}
}

func (r *Redis) Acquire(ctx context.Context) (Handle, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", r.key, err)
	}
	if !ok {
		return nil, vaulterr.Concurrency("lease.acquire", "%s is already held", r.key)
	}

	h := &redisHandle{r: r, token: token, stop: make(chan struct{}), done: make(chan struct{})}
	go h.keepAlive()
	return h, nil
}

type redisHandle struct {
	r     *Redis
	token string
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
}

func (h *redisHandle) keepAlive() {
	defer close(h.done)
	ticker := time.NewTicker(h.r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.r.ttl/3)
			n, err := h.r.client.Eval(ctx, refreshScript, []string{h.r.key}, h.token, h.r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				h.r.logger.Warn("lease refresh failed", zap.String("key", h.r.key), zap.Error(err))
				continue
			}
			if n == 0 {
				h.r.logger.Error("lease lost", zap.String("key", h.r.key))
				return
			}
		}
	}
}

func (h *redisHandle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		err = h.r.client.Eval(ctx, releaseScript, []string{h.r.key}, h.token).Err()
	})
	if err != nil {
		return fmt.Errorf("release lease %s: %w", h.r.key, err)
	}
	return nil
}
