package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/JCLEE94/blacklist-sub007/internal/database"
	"github.com/JCLEE94/blacklist-sub007/internal/domain"
)

// sourceView is the API shape of a source. Credentials never leave the
// process; the view only reports whether a blob is configured.
type sourceView struct {
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Endpoint       string    `json:"endpoint"`
	Enabled        bool      `json:"enabled"`
	HasCredentials bool      `json:"has_credentials"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewOf(source domain.SourceConfig) sourceView {
	return sourceView{
		Name:           source.Name,
		DisplayName:    source.DisplayName,
		Endpoint:       source.Endpoint,
		Enabled:        source.Enabled,
		HasCredentials: source.Credentials != "",
		UpdatedAt:      source.UpdatedAt,
	}
}

func (api *API) listSources(w http.ResponseWriter, r *http.Request) {
	configs, err := database.ListSources(r.Context())
	if err != nil {
		writeError(w, "Failed to load sources", http.StatusInternalServerError)
		return
	}

	views := make([]sourceView, 0, len(configs))
	for _, source := range configs {
		views = append(views, viewOf(source))
	}
	writeJSON(w, http.StatusOK, views)
}

type saveSourceRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Endpoint    string `json:"endpoint"`
	Credentials string `json:"credentials"`
	Enabled     *bool  `json:"enabled"`
}

func (api *API) saveSource(w http.ResponseWriter, r *http.Request) {
	var req saveSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Endpoint == "" {
		writeError(w, "name and endpoint are required", http.StatusBadRequest)
		return
	}

	source, err := database.GetSourceByName(r.Context(), req.Name)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, "Failed to load source", http.StatusInternalServerError)
		return
	}
	if source == nil {
		source = &domain.SourceConfig{Name: req.Name, Enabled: true}
	}

	source.Endpoint = req.Endpoint
	if req.DisplayName != "" {
		source.DisplayName = req.DisplayName
	}
	if req.Credentials != "" {
		source.Credentials = req.Credentials
	}
	if req.Enabled != nil {
		source.Enabled = *req.Enabled
	}

	if err := database.SaveSource(r.Context(), source); err != nil {
		writeError(w, "Failed to save source", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*source))
}

func (api *API) enableSource(w http.ResponseWriter, r *http.Request) {
	api.setEnabled(w, r, true)
}

func (api *API) disableSource(w http.ResponseWriter, r *http.Request) {
	api.setEnabled(w, r, false)
}

func (api *API) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := r.PathValue("name")

	err := database.SetSourceEnabled(r.Context(), name, enabled)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, "Unknown source", http.StatusNotFound)
	case err != nil:
		writeError(w, "Failed to update source", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
	}
}

type rotateCredentialsRequest struct {
	Credentials string `json:"credentials"`
}

func (api *API) rotateCredentials(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req rotateCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Credentials == "" {
		writeError(w, "credentials are required", http.StatusBadRequest)
		return
	}

	err := database.RotateSourceCredentials(r.Context(), name, req.Credentials)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, "Unknown source", http.StatusNotFound)
	case err != nil:
		writeError(w, "Failed to rotate credentials", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
