package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/JCLEE94/blacklist-sub007/internal/blacklist"
	"github.com/JCLEE94/blacklist-sub007/internal/cache"
	"github.com/JCLEE94/blacklist-sub007/internal/collector"
	"github.com/JCLEE94/blacklist-sub007/internal/database"
	"github.com/JCLEE94/blacklist-sub007/internal/domain"
	"github.com/JCLEE94/blacklist-sub007/internal/security"
	"github.com/JCLEE94/blacklist-sub007/internal/sources"
)

func setupAPI(t *testing.T) (*API, *httptest.Server) {
	t.Helper()

	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", "server-test-key")
	security.ResetCredentialCipherForTests()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}
	if err := db.AutoMigrate(&domain.BlacklistRecord{}, &domain.SourceConfig{}, &domain.CollectionRun{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	database.DB = db
	t.Cleanup(func() {
		database.DB = nil
	})

	tier, err := cache.NewTier(nil, 32, time.Second)
	if err != nil {
		t.Fatalf("NewTier: %v", err)
	}

	store := blacklist.NewStore(nil, tier)
	registry := sources.NewRegistry(sources.Options{})
	api := &API{
		Manager:  collector.NewManager(registry, store),
		Store:    store,
		Cache:    tier,
		Registry: registry,
	}

	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return api, srv
}

func ingestSample(t *testing.T, api *API) {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Second)
	summary, err := api.Store.Ingest(context.Background(), []domain.BlacklistRecord{
		{Address: "203.0.113.5", Source: "alpha", ThreatLevel: domain.ThreatLevelHigh, DetectedAt: now, Active: true},
		{Address: "198.51.100.0/24", Source: "beta", ThreatLevel: domain.ThreatLevelMedium, DetectedAt: now, Active: true},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if summary.New != 2 {
		t.Fatalf("expected 2 new records, got %+v", summary)
	}
}

func getBody(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()

	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, readAll(t, resp)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return buf.String()
}

func postJSON(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	return resp, readAll(t, resp)
}

func TestActiveBlacklistEndpoint(t *testing.T) {
	api, srv := setupAPI(t)
	ingestSample(t, api)

	status, body := getBody(t, srv, "/blacklist/active")
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", status, body)
	}

	var entries []domain.LogicalEntry
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 logical entries, got %d", len(entries))
	}
	if entries[0].Address != "198.51.100.0/24" || entries[1].Address != "203.0.113.5" {
		t.Fatalf("entries not in address order: %+v", entries)
	}
}

func TestConnectorEndpoints(t *testing.T) {
	api, srv := setupAPI(t)
	ingestSample(t, api)

	status, body := getBody(t, srv, "/connector/plaintext")
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if body != "198.51.100.0/24\n203.0.113.5\n" {
		t.Fatalf("unexpected plaintext body %q", body)
	}

	// Cached render: repeated polls return identical bytes.
	_, again := getBody(t, srv, "/connector/plaintext")
	if again != body {
		t.Fatal("repeated polls must serve identical bodies")
	}

	status, body = getBody(t, srv, "/connector/fortigate")
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	var feed map[string]any
	if err := json.Unmarshal([]byte(body), &feed); err != nil {
		t.Fatalf("invalid connector JSON: %v", err)
	}
	if feed["count"].(float64) != 2 {
		t.Fatalf("unexpected count in %v", feed)
	}
}

func TestIngestInvalidatesCachedViews(t *testing.T) {
	api, srv := setupAPI(t)
	ingestSample(t, api)

	_, before := getBody(t, srv, "/connector/plaintext")

	now := time.Now().UTC()
	_, err := api.Store.Ingest(context.Background(), []domain.BlacklistRecord{
		{Address: "203.0.113.9", Source: "alpha", ThreatLevel: domain.ThreatLevelLow, DetectedAt: now, Active: true},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	_, after := getBody(t, srv, "/connector/plaintext")
	if after == before {
		t.Fatal("ingest must invalidate the cached connector body")
	}
	if !strings.Contains(after, "203.0.113.9\n") {
		t.Fatalf("new address missing from %q", after)
	}
}

func TestSourceEndpointsNeverExposeCredentials(t *testing.T) {
	_, srv := setupAPI(t)

	resp, body := postJSON(t, srv, "/sources", `{"name":"regtech","display_name":"REGTECH","endpoint":"https://regtech.example","credentials":"user:hunter2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	if strings.Contains(body, "hunter2") {
		t.Fatalf("credentials leaked in response: %s", body)
	}

	status, body := getBody(t, srv, "/sources")
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if strings.Contains(body, "hunter2") {
		t.Fatalf("credentials leaked in listing: %s", body)
	}

	var views []map[string]any
	if err := json.Unmarshal([]byte(body), &views); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if len(views) != 1 || views[0]["has_credentials"] != true {
		t.Fatalf("unexpected listing %s", body)
	}
}

func TestEnableDisableAndRotate(t *testing.T) {
	_, srv := setupAPI(t)

	if resp, body := postJSON(t, srv, "/sources", `{"name":"feedx","endpoint":"https://feedx.example"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("save source: %d %s", resp.StatusCode, body)
	}

	resp, _ := postJSON(t, srv, "/sources/feedx/disable", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable: %d", resp.StatusCode)
	}
	source, err := database.GetSourceByName(context.Background(), "feedx")
	if err != nil {
		t.Fatalf("GetSourceByName: %v", err)
	}
	if source.Enabled {
		t.Fatal("source must be disabled")
	}

	resp, _ = postJSON(t, srv, "/sources/feedx/credentials", `{"credentials":"rotated:secret"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("rotate: %d", resp.StatusCode)
	}
	source, err = database.GetSourceByName(context.Background(), "feedx")
	if err != nil {
		t.Fatalf("GetSourceByName: %v", err)
	}
	if source.Credentials != "rotated:secret" {
		t.Fatal("rotation must replace the stored blob")
	}

	resp, _ = postJSON(t, srv, "/sources/ghost/enable", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown source enable: %d", resp.StatusCode)
	}
}

func TestTriggerValidation(t *testing.T) {
	_, srv := setupAPI(t)

	resp, _ := postJSON(t, srv, "/collection/trigger", `{"source":"ghost"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown source trigger: %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv, "/collection/trigger", `{"from":"2026-03-02T00:00:00Z","to":"2026-03-01T00:00:00Z"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("inverted window: %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := setupAPI(t)

	status, body := getBody(t, srv, "/health")
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}

	var resp healthResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if resp.Status != "ok" || resp.Cache != "degraded" {
		t.Fatalf("unexpected health payload %+v", resp)
	}
}
