package support

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Leadership leases let several backend instances share one database while
// exactly one of them drives the collection scheduler and retention sweeps.
// A lease is a redis key under leaderKeyPrefix holding the owner's id, kept
// alive by periodic renewal and handed over when the owner stops renewing.

const (
	leaderKeyPrefix    = "blacklist:leader:"
	leaseTTLEnv        = "LEADERSHIP_TTL_SECONDS"
	defaultLeaseTTL    = 45 * time.Second
	acquireRetryDelay  = time.Second
	leaseOpTimeout     = 5 * time.Second
	minRenewalInterval = time.Second
)

var (
	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

func leaseTTL() time.Duration {
	if seconds := GetEnvInt(leaseTTLEnv, 0); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultLeaseTTL
}

// RunWithLeader competes for the lease named by role and invokes run while
// it is held. The run function gets a context that is cancelled when the
// lease is lost or the parent context is done. When run returns or the
// lease slips away, the instance goes back to competing, so a surviving
// instance picks up the role after the owner dies.
func RunWithLeader(ctx context.Context, role string, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := GetRedisClient()
	if err != nil {
		return fmt.Errorf("support: leader lease redis client: %w", err)
	}

	key := leaderKeyPrefix + role
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lease, err := acquireLease(ctx, client, key, leaseTTL())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("Leadership lease not acquired", "role", role, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(acquireRetryDelay):
				continue
			}
		}

		log.Debug("Leadership lease acquired", "role", role, "owner", lease.owner)
		run(lease.ctx)
		lease.Release()
		log.Debug("Leadership lease released", "role", role)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquireRetryDelay):
		}
	}
}

// lease is one held leadership term. Its context ends when renewal fails,
// at which point whoever wins the next SetNX race takes over.
type lease struct {
	client      *redis.Client
	key         string
	owner       string
	ttl         time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	stopRenew   chan struct{}
	releaseOnce sync.Once
}

func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*lease, error) {
	owner := uuid.NewString()

	for {
		ok, err := client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			leaseCtx, cancel := context.WithCancel(ctx)
			held := &lease{
				client:    client,
				key:       key,
				owner:     owner,
				ttl:       ttl,
				ctx:       leaseCtx,
				cancel:    cancel,
				stopRenew: make(chan struct{}),
			}
			go held.renewLoop()
			return held, nil
		}

		// Someone else holds the lease. Wait out a renewal period and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryDelay):
		}
	}
}

func (l *lease) Release() {
	l.releaseOnce.Do(func() {
		close(l.stopRenew)
		ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
		defer cancel()
		_, err := releaseLeaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("Leadership lease release failed", "key", l.key, "error", err)
		}
	})
}

func (l *lease) renewLoop() {
	interval := l.ttl / 3
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn("Leadership lease renewal failed", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()

	res, err := renewLeaseScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if renewed, ok := res.(int64); ok && renewed == 0 {
		return errors.New("lease taken by another owner")
	}
	return nil
}
