package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lease is an optional Redis-backed leader lease for deployments running more
// than one reconciliation process. The in-process running flag only guards a
// single instance; with a lease configured, a tick that loses the SetNX race
// is skipped the same way an overlapping local tick is.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	holder string
	logger *zap.Logger
}

func NewLease(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *Lease {
	return &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
		holder: uuid.NewString(),
		logger: logger,
	}
}

func (l *Lease) Acquire(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		// A broken lock store must not stop reconciliation on a
		// single-instance deployment; log and proceed.
		l.logger.Warn("Reconcile lease check failed, proceeding without lease", zap.Error(err))
		return true
	}
	return ok
}

func (l *Lease) Release(ctx context.Context) {
	val, err := l.client.Get(ctx, l.key).Result()
	if err != nil || val != l.holder {
		return
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		l.logger.Warn("Failed to release reconcile lease", zap.Error(err))
	}
}
