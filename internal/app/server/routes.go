package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/JCLEE94/blacklist-sub007/internal/blacklist"
	"github.com/JCLEE94/blacklist-sub007/internal/cache"
	"github.com/JCLEE94/blacklist-sub007/internal/collector"
	"github.com/JCLEE94/blacklist-sub007/internal/sources"
)

// API bundles the collaborators the handlers need.
type API struct {
	Manager  *collector.Manager
	Store    *blacklist.Store
	Cache    *cache.Tier
	Registry *sources.Registry
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Router builds the API mux. Split from OpenRoutes so tests can drive it
// through httptest without binding a port.
func (api *API) Router() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("POST /collection/trigger", api.triggerCollection)
	router.HandleFunc("GET /collection/status", api.collectionStatus)
	router.HandleFunc("GET /collection/status/{source}", api.collectionStatusSource)

	router.HandleFunc("GET /blacklist/active", api.activeBlacklist)
	router.HandleFunc("GET /connector/fortigate", api.connectorJSON)
	router.HandleFunc("GET /connector/plaintext", api.connectorPlaintext)

	router.HandleFunc("GET /sources", api.listSources)
	router.HandleFunc("POST /sources", api.saveSource)
	router.HandleFunc("POST /sources/{name}/enable", api.enableSource)
	router.HandleFunc("POST /sources/{name}/disable", api.disableSource)
	router.HandleFunc("POST /sources/{name}/credentials", api.rotateCredentials)

	router.HandleFunc("GET /health", api.health)

	return enableCORS(router)
}

func OpenRoutes(port int, api *API) error {
	server := http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: api.Router(),
	}

	log.Infof("Starting blacklist backend on port :%d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}
