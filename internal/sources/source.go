package sources

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/JCLEE94/blacklist-sub007/internal/domain"
	"github.com/JCLEE94/blacklist-sub007/internal/ipaddr"
)

// Failure classes. Adapters wrap their errors with one of these so the
// collection manager can decide between retry, partial success and skip.
var (
	// ErrAuth marks an authentication failure; retried with backoff, terminal
	// for the run once the retries are spent.
	ErrAuth = errors.New("sources: authentication failed")

	// ErrFetch marks a mid-stream fetch failure; records already yielded stay
	// valid and the run finishes as partial.
	ErrFetch = errors.New("sources: fetch failed")

	// ErrTransform marks one malformed record; it is skipped and counted,
	// never aborting the run.
	ErrTransform = errors.New("sources: transform failed")
)

// Window bounds a fetch to records the source reported inside [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Raw is one source record before transformation into the canonical shape.
type Raw struct {
	Address     string
	DetectedAt  time.Time
	ThreatLevel string
	Active      bool
}

// Session holds per-source authentication state. Adapters decide whether an
// existing session can be reused based on the expiry estimate.
type Session struct {
	Token     string
	Cookies   []*http.Cookie
	ExpiresAt time.Time
}

// Valid reports whether the session is still usable, with a safety margin so
// a session does not expire mid-fetch.
func (s *Session) Valid(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(time.Minute).Before(s.ExpiresAt)
}

// RecordIter yields raw records one at a time so callers can bound memory.
// Next returns io.EOF after the final record. The iterator is finite and not
// restartable; pagination is handled internally.
type RecordIter interface {
	Next(ctx context.Context) (Raw, error)
}

// Adapter encapsulates authentication, pagination and parsing for one feed.
type Adapter interface {
	Name() string

	// Authenticate establishes or refreshes a session. Idempotent: calling it
	// with a still-valid session reuses it.
	Authenticate(ctx context.Context) (*Session, error)

	// Fetch produces the records the source reported inside the window.
	Fetch(ctx context.Context, session *Session, window Window) (RecordIter, error)

	// Transform maps a raw record onto the canonical store shape, including
	// address classification.
	Transform(raw Raw) (domain.BlacklistRecord, error)
}

// Options carries the shared collaborators handed to every adapter.
type Options struct {
	HTTPClient *http.Client
	Policy     *ipaddr.Policy

	// PageRate paces pagination requests against shared endpoints.
	PageRate *rate.Limiter
}

// Factory builds an adapter for one configured source.
type Factory func(cfg domain.SourceConfig, opts Options) Adapter

// DefaultHTTPClient mirrors the timeout the rest of the collectors use.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// TransformRecord is the shared Transform implementation: classify the
// address, keep the raw form, default missing threat levels to medium.
func TransformRecord(source string, raw Raw, policy *ipaddr.Policy) (domain.BlacklistRecord, error) {
	class, canonical, err := ipaddr.Classify(raw.Address, policy)
	if err != nil {
		return domain.BlacklistRecord{}, errors.Join(ErrTransform, err)
	}

	level := raw.ThreatLevel
	if domain.ThreatLevelRank(level) == 0 {
		level = domain.ThreatLevelMedium
	}

	detected := raw.DetectedAt
	if detected.IsZero() {
		detected = time.Now().UTC()
	}

	return domain.BlacklistRecord{
		Address:     canonical,
		RawAddress:  raw.Address,
		Class:       string(class),
		Source:      source,
		ThreatLevel: level,
		DetectedAt:  detected,
		Active:      raw.Active,
	}, nil
}
