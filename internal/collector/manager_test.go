package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/JCLEE94/blacklist-sub007/internal/blacklist"
	"github.com/JCLEE94/blacklist-sub007/internal/config"
	"github.com/JCLEE94/blacklist-sub007/internal/database"
	"github.com/JCLEE94/blacklist-sub007/internal/domain"
	"github.com/JCLEE94/blacklist-sub007/internal/security"
	"github.com/JCLEE94/blacklist-sub007/internal/sources"
)

func setupTestDB(t *testing.T) {
	t.Helper()

	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", "collector-test-key")
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
}

func setupTestConfig(t *testing.T) {
	t.Helper()

	previous := config.GetConfig()
	fast := previous
	fast.Collection.AuthMaxRetries = 2
	fast.Collection.AuthBackoffBaseMs = 1
	fast.Collection.AuthBackoffMaxMs = 5
	fast.Collection.RunTimeoutSeconds = 30
	config.SetConfigForTests(fast)
	t.Cleanup(func() {
		config.SetConfigForTests(previous)
	})
}

func seedSource(t *testing.T, name string, enabled bool) {
	t.Helper()

	err := database.SaveSource(context.Background(), &domain.SourceConfig{
		Name:        name,
		DisplayName: name,
		Endpoint:    "https://" + name + ".example",
		Credentials: "user:pass",
		Enabled:     enabled,
	})
	if err != nil {
		t.Fatalf("seed source %s: %v", name, err)
	}
}

type sliceIter struct {
	records []sources.Raw
	next    int
	failAt  int
	failErr error
	release chan struct{}
	stallAt int // block on the context once this many records were yielded
}

func (it *sliceIter) Next(ctx context.Context) (sources.Raw, error) {
	if it.release != nil {
		select {
		case <-it.release:
		case <-ctx.Done():
			return sources.Raw{}, ctx.Err()
		}
	}
	if it.stallAt > 0 && it.next >= it.stallAt {
		<-ctx.Done()
		return sources.Raw{}, ctx.Err()
	}
	if it.failErr != nil && it.next == it.failAt {
		return sources.Raw{}, it.failErr
	}
	if it.next >= len(it.records) {
		return sources.Raw{}, io.EOF
	}
	raw := it.records[it.next]
	it.next++
	return raw, nil
}

type fakeAdapter struct {
	name      string
	authFails int
	authCalls atomic.Int32
	fetchErr  error
	iter      func() *sliceIter
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Authenticate(ctx context.Context) (*sources.Session, error) {
	call := a.authCalls.Add(1)
	if int(call) <= a.authFails {
		return nil, fmt.Errorf("%w: invalid credentials", sources.ErrAuth)
	}
	return &sources.Session{Token: "t"}, nil
}

func (a *fakeAdapter) Fetch(ctx context.Context, session *sources.Session, window sources.Window) (sources.RecordIter, error) {
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return a.iter(), nil
}

func (a *fakeAdapter) Transform(raw sources.Raw) (domain.BlacklistRecord, error) {
	return sources.TransformRecord(a.name, raw, nil)
}

func newTestManager(t *testing.T, adapter *fakeAdapter) *Manager {
	t.Helper()

	registry := sources.NewRegistry(sources.Options{})
	registry.Register(adapter.name, func(cfg domain.SourceConfig, opts sources.Options) sources.Adapter {
		return adapter
	})
	store := blacklist.NewStore(nil, nil)
	return NewManager(registry, store)
}

func waitForRun(t *testing.T, m *Manager, source string) *domain.CollectionRun {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !m.Running(source) {
			run, err := m.Status(context.Background(), source)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if run != nil && run.Terminal() {
				return run
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run for %s did not finish", source)
	return nil
}

func rawRecords(addresses ...string) []sources.Raw {
	now := time.Now().UTC()
	records := make([]sources.Raw, 0, len(addresses))
	for _, address := range addresses {
		records = append(records, sources.Raw{Address: address, DetectedAt: now, ThreatLevel: "high", Active: true})
	}
	return records
}

func TestTriggerSuccessfulRun(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)

	adapter := &fakeAdapter{name: "feedx", iter: func() *sliceIter {
		return &sliceIter{records: rawRecords("203.0.113.5", "203.0.113.6", "198.51.100.0/24")}
	}}
	m := newTestManager(t, adapter)

	result, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC()))
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !result.Started || result.RunID == "" {
		t.Fatalf("expected a started run, got %+v", result)
	}

	run := waitForRun(t, m, "feedx")
	if run.Status != domain.RunStatusSuccess {
		t.Fatalf("expected success, got %s (error %q)", run.Status, run.Error)
	}
	if run.RecordsSeen != 3 || run.RecordsNew != 3 || run.RecordsRejected != 0 {
		t.Fatalf("unexpected counts: %+v", run)
	}

	count, err := database.CountBlacklistRecords(context.Background())
	if err != nil {
		t.Fatalf("CountBlacklistRecords: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 stored records, got %d", count)
	}
}

func TestTriggerWhileRunningReturnsExistingRun(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)

	release := make(chan struct{})
	adapter := &fakeAdapter{name: "feedx", iter: func() *sliceIter {
		return &sliceIter{records: rawRecords("203.0.113.5"), release: release}
	}}
	m := newTestManager(t, adapter)

	first, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC()))
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	second, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC()))
	if err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if second.Started {
		t.Fatal("second trigger must not start a new run")
	}
	if second.RunID != first.RunID {
		t.Fatalf("second trigger must report the in-flight run: %s vs %s", second.RunID, first.RunID)
	}

	close(release)
	run := waitForRun(t, m, "feedx")
	if run.Status != domain.RunStatusSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}

	runs, err := m.Runs(context.Background(), 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected a single run row, got %d", len(runs))
	}
}

func TestTriggerDisabledSource(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", false)

	adapter := &fakeAdapter{name: "feedx"}
	m := newTestManager(t, adapter)

	_, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC()))
	if !errors.Is(err, ErrSourceDisabled) {
		t.Fatalf("expected ErrSourceDisabled, got %v", err)
	}

	_, err = m.Trigger(context.Background(), "ghost", DefaultWindow(time.Now().UTC()))
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestAuthRetriesThenSucceeds(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)

	adapter := &fakeAdapter{name: "feedx", authFails: 2, iter: func() *sliceIter {
		return &sliceIter{records: rawRecords("203.0.113.5")}
	}}
	m := newTestManager(t, adapter)

	if _, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC())); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	run := waitForRun(t, m, "feedx")
	if run.Status != domain.RunStatusSuccess {
		t.Fatalf("expected success after retries, got %s (error %q)", run.Status, run.Error)
	}
	if got := adapter.authCalls.Load(); got != 3 {
		t.Fatalf("expected 3 authentication attempts, got %d", got)
	}
}

func TestAuthExhaustionFailsRun(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)

	adapter := &fakeAdapter{name: "feedx", authFails: 10}
	m := newTestManager(t, adapter)

	if _, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC())); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	run := waitForRun(t, m, "feedx")
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	if run.Error == "" {
		t.Fatal("failed run must record its error")
	}
	// Initial attempt plus the configured retries.
	if got := adapter.authCalls.Load(); got != 3 {
		t.Fatalf("expected 3 authentication attempts, got %d", got)
	}
}

func TestMidStreamFetchErrorIsPartial(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)

	adapter := &fakeAdapter{name: "feedx", iter: func() *sliceIter {
		return &sliceIter{
			records: rawRecords("203.0.113.5", "203.0.113.6", "203.0.113.7"),
			failAt:  2,
			failErr: fmt.Errorf("%w: page 3 timed out", sources.ErrFetch),
		}
	}}
	m := newTestManager(t, adapter)

	if _, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC())); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	run := waitForRun(t, m, "feedx")
	if run.Status != domain.RunStatusPartial {
		t.Fatalf("expected partial run, got %s", run.Status)
	}
	if run.RecordsSeen != 2 || run.RecordsNew != 2 {
		t.Fatalf("records before the failure must be kept: %+v", run)
	}

	count, err := database.CountBlacklistRecords(context.Background())
	if err != nil {
		t.Fatalf("CountBlacklistRecords: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 stored records, got %d", count)
	}
}

func TestImmediateFetchErrorFailsRun(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)

	adapter := &fakeAdapter{name: "feedx", fetchErr: fmt.Errorf("%w: endpoint unreachable", sources.ErrFetch)}
	m := newTestManager(t, adapter)

	if _, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC())); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	run := waitForRun(t, m, "feedx")
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
}

func TestRunTimeoutFailsEvenAfterIngest(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)

	previous := config.GetConfig()
	short := previous
	short.Collection.RunTimeoutSeconds = 1
	config.SetConfigForTests(short)
	t.Cleanup(func() {
		config.SetConfigForTests(previous)
	})

	// One full batch lands before the source stops yielding.
	addresses := make([]string, 0, ingestBatchSize)
	for i := 0; i < ingestBatchSize; i++ {
		addresses = append(addresses, fmt.Sprintf("10.0.%d.%d", i/250, i%250+1))
	}
	adapter := &fakeAdapter{name: "feedx", iter: func() *sliceIter {
		return &sliceIter{records: rawRecords(addresses...), stallAt: ingestBatchSize}
	}}
	m := newTestManager(t, adapter)

	if _, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC())); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	run := waitForRun(t, m, "feedx")
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("timed-out run must be failed, got %s (error %q)", run.Status, run.Error)
	}
	if !strings.Contains(run.Error, "timed out") {
		t.Fatalf("run error must name the timeout, got %q", run.Error)
	}
	if run.RecordsSeen != ingestBatchSize || run.RecordsNew != ingestBatchSize {
		t.Fatalf("records ingested before the deadline must be counted: %+v", run)
	}

	count, err := database.CountBlacklistRecords(context.Background())
	if err != nil {
		t.Fatalf("CountBlacklistRecords: %v", err)
	}
	if count != ingestBatchSize {
		t.Fatalf("records ingested before the deadline must stay, got %d", count)
	}
}

func TestFailureOnOneSourceLeavesOthersUntouched(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)
	seedSource(t, "feedy", true)

	gate := make(chan struct{})
	adapterX := &fakeAdapter{name: "feedx", iter: func() *sliceIter {
		return &sliceIter{failAt: 0, failErr: fmt.Errorf("%w: connection reset", sources.ErrFetch), release: gate}
	}}
	adapterY := &fakeAdapter{name: "feedy", iter: func() *sliceIter {
		return &sliceIter{records: rawRecords("198.51.100.1", "198.51.100.2"), release: gate}
	}}

	registry := sources.NewRegistry(sources.Options{})
	registry.Register("feedx", func(cfg domain.SourceConfig, opts sources.Options) sources.Adapter { return adapterX })
	registry.Register("feedy", func(cfg domain.SourceConfig, opts sources.Options) sources.Adapter { return adapterY })
	m := NewManager(registry, blacklist.NewStore(nil, nil))

	if _, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC())); err != nil {
		t.Fatalf("Trigger feedx: %v", err)
	}
	if _, err := m.Trigger(context.Background(), "feedy", DefaultWindow(time.Now().UTC())); err != nil {
		t.Fatalf("Trigger feedy: %v", err)
	}
	if !m.Running("feedx") || !m.Running("feedy") {
		t.Fatal("both runs must be in flight before the gate opens")
	}
	close(gate)

	runX := waitForRun(t, m, "feedx")
	runY := waitForRun(t, m, "feedy")
	if runX.Status != domain.RunStatusFailed {
		t.Fatalf("expected feedx to fail, got %s", runX.Status)
	}
	if runY.Status != domain.RunStatusSuccess {
		t.Fatalf("feedy must be unaffected by the feedx failure, got %s (error %q)", runY.Status, runY.Error)
	}
	if runY.RecordsSeen != 2 || runY.RecordsNew != 2 {
		t.Fatalf("unexpected feedy counts: %+v", runY)
	}

	count, err := database.CountBlacklistRecords(context.Background())
	if err != nil {
		t.Fatalf("CountBlacklistRecords: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected only the feedy records, got %d", count)
	}
}

func TestMalformedRecordsAreRejectedNotFatal(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)

	adapter := &fakeAdapter{name: "feedx", iter: func() *sliceIter {
		return &sliceIter{records: rawRecords("203.0.113.5", "not-an-address", "203.0.113.6")}
	}}
	m := newTestManager(t, adapter)

	if _, err := m.Trigger(context.Background(), "feedx", DefaultWindow(time.Now().UTC())); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	run := waitForRun(t, m, "feedx")
	if run.Status != domain.RunStatusSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}
	if run.RecordsSeen != 3 || run.RecordsNew != 2 || run.RecordsRejected != 1 {
		t.Fatalf("unexpected counts: %+v", run)
	}
}

func TestTriggerAllSkipsDisabledSources(t *testing.T) {
	setupTestDB(t)
	setupTestConfig(t)
	seedSource(t, "feedx", true)
	seedSource(t, "feedy", true)
	seedSource(t, "feedz", false)

	adapterX := &fakeAdapter{name: "feedx", iter: func() *sliceIter {
		return &sliceIter{records: rawRecords("203.0.113.5")}
	}}
	adapterY := &fakeAdapter{name: "feedy", iter: func() *sliceIter {
		return &sliceIter{records: rawRecords("203.0.113.6")}
	}}

	registry := sources.NewRegistry(sources.Options{})
	registry.Register("feedx", func(cfg domain.SourceConfig, opts sources.Options) sources.Adapter { return adapterX })
	registry.Register("feedy", func(cfg domain.SourceConfig, opts sources.Options) sources.Adapter { return adapterY })
	m := NewManager(registry, blacklist.NewStore(nil, nil))

	results, err := m.TriggerAll(context.Background(), DefaultWindow(time.Now().UTC()))
	if err != nil {
		t.Fatalf("TriggerAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 triggered sources, got %d", len(results))
	}

	waitForRun(t, m, "feedx")
	waitForRun(t, m, "feedy")

	count, err := database.CountBlacklistRecords(context.Background())
	if err != nil {
		t.Fatalf("CountBlacklistRecords: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 stored records, got %d", count)
	}
}
