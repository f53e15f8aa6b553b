package server

import (
	"net/http"
	"time"

	"github.com/JCLEE94/blacklist-sub007/internal/database"
)

type healthResponse struct {
	Status  string `json:"status"`
	Cache   string `json:"cache"`
	Records int64  `json:"records"`
	Time    string `json:"time"`
}

func (api *API) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Cache:  "disabled",
		Time:   time.Now().UTC().Format(time.RFC3339),
	}
	if api.Cache != nil {
		resp.Cache = api.Cache.State().String()
	}

	count, err := database.CountBlacklistRecords(r.Context())
	if err != nil {
		resp.Status = "degraded"
	} else {
		resp.Records = count
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
