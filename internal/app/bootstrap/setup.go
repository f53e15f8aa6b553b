// Package bootstrap wires the process together: settings, database, cache,
// source registry, collection manager and background routines.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/JCLEE94/blacklist-sub007/internal/app/server"
	"github.com/JCLEE94/blacklist-sub007/internal/blacklist"
	"github.com/JCLEE94/blacklist-sub007/internal/cache"
	"github.com/JCLEE94/blacklist-sub007/internal/collector"
	"github.com/JCLEE94/blacklist-sub007/internal/config"
	"github.com/JCLEE94/blacklist-sub007/internal/database"
	"github.com/JCLEE94/blacklist-sub007/internal/ipaddr"
	"github.com/JCLEE94/blacklist-sub007/internal/sources"
	"github.com/JCLEE94/blacklist-sub007/internal/sources/publicfeed"
	"github.com/JCLEE94/blacklist-sub007/internal/sources/regtech"
	"github.com/JCLEE94/blacklist-sub007/internal/sources/secudium"
	"github.com/JCLEE94/blacklist-sub007/internal/support"
)

// Setup initialises every subsystem and returns the wired API. Redis being
// unreachable is not fatal: the cache starts degraded and the scheduler runs
// without a leadership lock.
func Setup(ctx context.Context) (*server.API, error) {
	config.ReadSettings()

	if _, err := database.SetupDB(); err != nil {
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}

	var redisClient *redis.Client
	withLeadership := false
	if client, err := support.GetRedisClient(); err != nil {
		log.Warn("Redis unavailable, running in single-instance mode", "error", err)
	} else {
		redisClient = client
		withLeadership = true
		config.EnableRedisSynchronization(ctx, client)
	}

	cacheConfig := config.GetConfig().Cache
	tier, err := cache.NewTier(redisClient,
		int(cacheConfig.LocalEntries),
		time.Duration(cacheConfig.HealthProbeSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to set up cache tier: %w", err)
	}
	tier.StartHealthProbe(ctx)

	policy, err := ipaddr.NewPolicy(config.GetConfig().ExcludedNetworks)
	if err != nil {
		return nil, err
	}

	store := blacklist.NewStore(policy, tier)
	registry := newRegistry(policy)
	manager := collector.NewManager(registry, store)
	manager.StartScheduled(ctx, withLeadership)

	return &server.API{
		Manager:  manager,
		Store:    store,
		Cache:    tier,
		Registry: registry,
	}, nil
}

func newRegistry(policy *ipaddr.Policy) *sources.Registry {
	opts := sources.Options{
		HTTPClient: sources.DefaultHTTPClient(),
		Policy:     policy,
	}
	if rps := config.GetConfig().Collection.PageRequestsPerSecond; rps > 0 {
		opts.PageRate = rate.NewLimiter(rate.Limit(rps), 1)
	}

	registry := sources.NewRegistry(opts)
	registry.Register("regtech", regtech.New)
	registry.Register("secudium", secudium.New)
	registry.Register("public", publicfeed.New)
	return registry
}
