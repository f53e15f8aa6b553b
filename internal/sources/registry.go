package sources

import (
	"context"
	"fmt"
	"sync"

	"github.com/JCLEE94/blacklist-sub007/internal/database"
	"github.com/JCLEE94/blacklist-sub007/internal/domain"
)

// Registry maps configured sources onto adapter factories. Source rows are
// read fresh from the database for every lookup so enable/disable and
// credential rotation take effect at the next trigger without a restart.
// Adapter instances are cached per source so their authenticated sessions
// carry over between runs; a changed endpoint or credential blob evicts the
// instance and the next trigger builds a fresh one.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]cachedAdapter
	opts      Options
}

type cachedAdapter struct {
	adapter     Adapter
	endpoint    string
	credentials string
}

func NewRegistry(opts Options) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = DefaultHTTPClient()
	}
	return &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]cachedAdapter),
		opts:      opts,
	}
}

// Register binds a factory to a source name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	delete(r.adapters, name)
}

// Enabled returns the currently enabled source configurations.
func (r *Registry) Enabled(ctx context.Context) ([]domain.SourceConfig, error) {
	return database.ListEnabledSources(ctx)
}

// Lookup returns the configuration for one source by name.
func (r *Registry) Lookup(ctx context.Context, name string) (*domain.SourceConfig, error) {
	return database.GetSourceByName(ctx, name)
}

// AdapterFor returns the adapter instance for a source configuration,
// reusing the cached one while the configuration it was built from still
// matches the row.
func (r *Registry) AdapterFor(cfg domain.SourceConfig) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.adapters[cfg.Name]; ok {
		if cached.endpoint == cfg.Endpoint && cached.credentials == cfg.Credentials {
			return cached.adapter, nil
		}
	}

	factory, ok := r.factories[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("sources: no adapter registered for %q", cfg.Name)
	}

	adapter := factory(cfg, r.opts)
	r.adapters[cfg.Name] = cachedAdapter{
		adapter:     adapter,
		endpoint:    cfg.Endpoint,
		credentials: cfg.Credentials,
	}
	return adapter, nil
}
