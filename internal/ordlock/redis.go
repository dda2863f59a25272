// Package ordlock serializes mutations of a single order across service
// instances with a Redis lock keyed by (tenant, order).
package ordlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned when another mutation currently holds the order.
var ErrLockBusy = errors.New("order is locked by another operation")

// unlockScript releases the lock only if the caller still holds it, so a
// slow holder whose TTL expired cannot release a lock taken over by
// someone else.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker acquires short-lived per-order locks.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker creates a locker. ttl bounds how long a crashed holder can
// block the order.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl}
}

// Lock is a held order lock. Release it with Unlock.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

func lockKey(tenantID, orderID string) string {
	return fmt.Sprintf("ordlock:%s:%s", tenantID, orderID)
}

// Acquire takes the lock for the given order or returns ErrLockBusy.
func (l *Locker) Acquire(ctx context.Context, tenantID, orderID string) (*Lock, error) {
	key := lockKey(tenantID, orderID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring order lock: %w", err)
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return &Lock{locker: l, key: key, token: token}, nil
}

// Unlock releases the lock if this holder still owns it.
func (lk *Lock) Unlock(ctx context.Context) error {
	_, err := unlockScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing order lock: %w", err)
	}
	return nil
}
