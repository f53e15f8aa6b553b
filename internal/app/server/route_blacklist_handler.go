package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/JCLEE94/blacklist-sub007/internal/blacklist"
	"github.com/JCLEE94/blacklist-sub007/internal/config"
	"github.com/JCLEE94/blacklist-sub007/internal/connector"
	"github.com/JCLEE94/blacklist-sub007/internal/domain"
)

func activeSetTTL() time.Duration {
	seconds := config.GetConfig().Cache.ActiveSetTTLSeconds
	if seconds == 0 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

// cached runs compute through the cache tier when one is wired, falling back
// to a direct compute otherwise.
func (api *API) cached(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if api.Cache == nil {
		return compute(ctx)
	}
	return api.Cache.GetOrCompute(ctx, key, activeSetTTL(), compute)
}

func (api *API) activeEntries(ctx context.Context) ([]domain.LogicalEntry, error) {
	return api.Store.ActiveSet(ctx, time.Now().UTC())
}

func (api *API) activeBlacklist(w http.ResponseWriter, r *http.Request) {
	data, err := api.cached(r.Context(), blacklist.ActiveSetCacheKey, func(ctx context.Context) ([]byte, error) {
		entries, err := api.activeEntries(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(entries)
	})
	if err != nil {
		writeError(w, "Failed to load active blacklist", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (api *API) connectorJSON(w http.ResponseWriter, r *http.Request) {
	data, err := api.cached(r.Context(), blacklist.ConnectorJSONCacheKey, func(ctx context.Context) ([]byte, error) {
		entries, err := api.activeEntries(ctx)
		if err != nil {
			return nil, err
		}
		return connector.RenderJSON(entries)
	})
	if err != nil {
		writeError(w, "Failed to render connector feed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (api *API) connectorPlaintext(w http.ResponseWriter, r *http.Request) {
	data, err := api.cached(r.Context(), blacklist.ConnectorPlaintextCacheKey, func(ctx context.Context) ([]byte, error) {
		entries, err := api.activeEntries(ctx)
		if err != nil {
			return nil, err
		}
		return connector.RenderPlaintext(entries), nil
	})
	if err != nil {
		writeError(w, "Failed to render connector feed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}
