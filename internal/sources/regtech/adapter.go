// Package regtech pulls security-advisory IP listings from the REGTECH
// threat board API. Login yields a bearer token (a JWT whose exp claim is
// used to decide when to re-authenticate); the advisory listing is paginated.
package regtech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JCLEE94/blacklist-sub007/internal/domain"
	"github.com/JCLEE94/blacklist-sub007/internal/sources"
)

const (
	loginPath    = "/api/v1/auth/login"
	advisoryPath = "/api/v1/advisories"
	pageSize     = 100

	// Used when the token is opaque and carries no exp claim.
	fallbackSessionTTL = 30 * time.Minute

	maxResponseBytes = 10 << 20
)

type Adapter struct {
	cfg  domain.SourceConfig
	opts sources.Options

	mu      sync.Mutex
	session *sources.Session
}

func New(cfg domain.SourceConfig, opts sources.Options) sources.Adapter {
	if opts.HTTPClient == nil {
		opts.HTTPClient = sources.DefaultHTTPClient()
	}
	return &Adapter{cfg: cfg, opts: opts}
}

func (a *Adapter) Name() string {
	return a.cfg.Name
}

type loginResponse struct {
	Token string `json:"token"`
}

// Authenticate logs in against the REGTECH API. A still-valid session is
// reused instead of spending a login round trip.
func (a *Adapter) Authenticate(ctx context.Context) (*sources.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	if a.session.Valid(now) {
		return a.session, nil
	}

	username, password, ok := strings.Cut(a.cfg.Credentials, ":")
	if !ok || username == "" {
		return nil, fmt.Errorf("%w: regtech credentials must be user:password", sources.ErrAuth)
	}

	body, err := json.Marshal(map[string]string{
		"loginId":  username,
		"password": password,
	})
	if err != nil {
		return nil, errors.Join(sources.ErrAuth, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+loginPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Join(sources.ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Join(sources.ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: login returned status %d", sources.ErrAuth, resp.StatusCode)
	}

	var login loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&login); err != nil {
		return nil, errors.Join(sources.ErrAuth, err)
	}
	if login.Token == "" {
		return nil, fmt.Errorf("%w: login response carried no token", sources.ErrAuth)
	}

	a.session = &sources.Session{
		Token:     login.Token,
		ExpiresAt: tokenExpiry(login.Token, now),
	}
	return a.session, nil
}

// tokenExpiry estimates the session lifetime from the token's exp claim.
// The token is not verified here; the server is the authority, the claim is
// only a refresh hint.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return now.Add(fallbackSessionTTL)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(fallbackSessionTTL)
	}
	return exp.Time
}

type advisoryRow struct {
	IP          string `json:"ip"`
	DetectedAt  string `json:"detected_at"`
	ThreatLevel string `json:"threat_level"`
	Active      bool   `json:"active"`
}

type advisoryPage struct {
	Items   []advisoryRow `json:"items"`
	HasNext bool          `json:"has_next"`
}

func (a *Adapter) Fetch(ctx context.Context, session *sources.Session, window sources.Window) (sources.RecordIter, error) {
	if session == nil || session.Token == "" {
		return nil, fmt.Errorf("%w: fetch without a session", sources.ErrFetch)
	}
	return &pageIter{adapter: a, session: session, window: window}, nil
}

func (a *Adapter) Transform(raw sources.Raw) (domain.BlacklistRecord, error) {
	return sources.TransformRecord(a.cfg.Name, raw, a.opts.Policy)
}

// pageIter walks the advisory listing page by page, yielding one row at a
// time. It is not restartable.
type pageIter struct {
	adapter *Adapter
	session *sources.Session
	window  sources.Window

	page    int
	buffer  []advisoryRow
	hasNext bool
	started bool
}

func (it *pageIter) Next(ctx context.Context) (sources.Raw, error) {
	for len(it.buffer) == 0 {
		if it.started && !it.hasNext {
			return sources.Raw{}, io.EOF
		}
		if err := it.loadPage(ctx); err != nil {
			return sources.Raw{}, err
		}
		if len(it.buffer) == 0 && !it.hasNext {
			return sources.Raw{}, io.EOF
		}
	}

	row := it.buffer[0]
	it.buffer = it.buffer[1:]

	detected, err := time.Parse(time.RFC3339, row.DetectedAt)
	if err != nil {
		// Leave zero; Transform stamps the collection time instead.
		detected = time.Time{}
	}

	return sources.Raw{
		Address:     row.IP,
		DetectedAt:  detected,
		ThreatLevel: row.ThreatLevel,
		Active:      row.Active,
	}, nil
}

func (it *pageIter) loadPage(ctx context.Context) error {
	if limiter := it.adapter.opts.PageRate; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return errors.Join(sources.ErrFetch, err)
		}
	}

	url := fmt.Sprintf("%s%s?page=%d&size=%d&from=%s&to=%s",
		it.adapter.cfg.Endpoint,
		advisoryPath,
		it.page,
		pageSize,
		it.window.From.UTC().Format("2006-01-02"),
		it.window.To.UTC().Format("2006-01-02"),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Join(sources.ErrFetch, err)
	}
	req.Header.Set("Authorization", "Bearer "+it.session.Token)

	resp, err := it.adapter.opts.HTTPClient.Do(req)
	if err != nil {
		return errors.Join(sources.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: advisory page %d returned status %d", sources.ErrFetch, it.page, resp.StatusCode)
	}

	var page advisoryPage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&page); err != nil {
		return errors.Join(sources.ErrFetch, err)
	}

	it.buffer = page.Items
	it.hasNext = page.HasNext
	it.page++
	it.started = true
	return nil
}
