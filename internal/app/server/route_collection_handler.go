package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/JCLEE94/blacklist-sub007/internal/collector"
	"github.com/JCLEE94/blacklist-sub007/internal/sources"
)

type triggerRequest struct {
	Source string `json:"source"`
	From   string `json:"from"`
	To     string `json:"to"`
}

func (api *API) triggerCollection(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	window, err := windowFromRequest(req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Source != "" {
		result, err := api.Manager.Trigger(r.Context(), req.Source, window)
		switch {
		case errors.Is(err, collector.ErrUnknownSource):
			writeError(w, "Unknown source", http.StatusNotFound)
		case errors.Is(err, collector.ErrSourceDisabled):
			writeError(w, "Source is disabled", http.StatusConflict)
		case err != nil:
			writeError(w, "Failed to trigger collection", http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusAccepted, []collector.TriggerResult{result})
		}
		return
	}

	results, err := api.Manager.TriggerAll(r.Context(), window)
	if err != nil {
		writeError(w, "Failed to trigger collection", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, results)
}

func windowFromRequest(req triggerRequest) (sources.Window, error) {
	window := collector.DefaultWindow(time.Now().UTC())
	if req.From != "" {
		from, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			return sources.Window{}, errors.New("from must be RFC 3339")
		}
		window.From = from
	}
	if req.To != "" {
		to, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			return sources.Window{}, errors.New("to must be RFC 3339")
		}
		window.To = to
	}
	if !window.From.Before(window.To) {
		return sources.Window{}, errors.New("window start must precede its end")
	}
	return window, nil
}

func (api *API) collectionStatus(w http.ResponseWriter, r *http.Request) {
	runs, err := api.Manager.Runs(r.Context(), 50)
	if err != nil {
		writeError(w, "Failed to load collection runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (api *API) collectionStatusSource(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")

	run, err := api.Manager.Status(r.Context(), source)
	if err != nil {
		writeError(w, "Failed to load collection status", http.StatusInternalServerError)
		return
	}
	if run == nil {
		writeError(w, "No runs recorded for source", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
