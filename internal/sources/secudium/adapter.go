// Package secudium pulls blocked-IP board entries from the SECUDIUM
// intelligence portal. Login is form-based and yields a session cookie with
// a fixed lifetime; the board download is paginated.
package secudium

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JCLEE94/blacklist-sub007/internal/domain"
	"github.com/JCLEE94/blacklist-sub007/internal/sources"
)

const (
	loginPath = "/sso/login"
	boardPath = "/api/board/blackip/list"
	pageSize  = 200

	// The portal invalidates idle sessions server-side; refresh well before.
	sessionTTL = 20 * time.Minute

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

func (a *Adapter) Authenticate(ctx context.Context) (*sources.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	if a.session.Valid(now) {
		return a.session, nil
	}

	username, password, ok := strings.Cut(a.cfg.Credentials, ":")
	if !ok || username == "" {
		return nil, fmt.Errorf("%w: secudium credentials must be user:password", sources.ErrAuth)
	}

	form := url.Values{}
	form.Set("userId", username)
	form.Set("userPw", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Join(sources.ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Join(sources.ErrAuth, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: login returned status %d", sources.ErrAuth, resp.StatusCode)
	}

	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return nil, fmt.Errorf("%w: login response carried no session cookie", sources.ErrAuth)
	}

	a.session = &sources.Session{
		Cookies:   cookies,
		ExpiresAt: now.Add(sessionTTL),
	}
	return a.session, nil
}

type boardRow struct {
	IP      string `json:"blackIp"`
	RegDate string `json:"regDate"`
	Level   int    `json:"riskLevel"`
	Deleted bool   `json:"deleted"`
}

type boardPage struct {
	Rows  []boardRow `json:"rows"`
	Total int        `json:"total"`
}

func (a *Adapter) Fetch(ctx context.Context, session *sources.Session, window sources.Window) (sources.RecordIter, error) {
	if session == nil || len(session.Cookies) == 0 {
		return nil, fmt.Errorf("%w: fetch without a session", sources.ErrFetch)
	}
	return &boardIter{adapter: a, session: session, window: window}, nil
}

func (a *Adapter) Transform(raw sources.Raw) (domain.BlacklistRecord, error) {
	return sources.TransformRecord(a.cfg.Name, raw, a.opts.Policy)
}

// threatLevelFromRisk maps the portal's numeric risk onto the canonical
// ordinal scale.
func threatLevelFromRisk(level int) string {
	switch {
	case level >= 3:
		return domain.ThreatLevelHigh
	case level == 2:
		return domain.ThreatLevelMedium
	default:
		return domain.ThreatLevelLow
	}
}

type boardIter struct {
	adapter *Adapter
	session *sources.Session
	window  sources.Window

	page    int
	fetched int
	total   int
	buffer  []boardRow
	started bool
}

func (it *boardIter) Next(ctx context.Context) (sources.Raw, error) {
	for len(it.buffer) == 0 {
		if it.started && it.fetched >= it.total {
			return sources.Raw{}, io.EOF
		}
		if err := it.loadPage(ctx); err != nil {
			return sources.Raw{}, err
		}
		if len(it.buffer) == 0 {
			return sources.Raw{}, io.EOF
		}
	}

	row := it.buffer[0]
	it.buffer = it.buffer[1:]

	detected, err := time.Parse("2006-01-02 15:04:05", row.RegDate)
	if err != nil {
		detected = time.Time{}
	}

	return sources.Raw{
		Address:     row.IP,
		DetectedAt:  detected,
		ThreatLevel: threatLevelFromRisk(row.Level),
		Active:      !row.Deleted,
	}, nil
}

func (it *boardIter) loadPage(ctx context.Context) error {
	if limiter := it.adapter.opts.PageRate; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return errors.Join(sources.ErrFetch, err)
		}
	}

	form := url.Values{}
	form.Set("page", fmt.Sprintf("%d", it.page))
	form.Set("rows", fmt.Sprintf("%d", pageSize))
	form.Set("startDate", it.window.From.UTC().Format("2006-01-02"))
	form.Set("endDate", it.window.To.UTC().Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.adapter.cfg.Endpoint+boardPath, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Join(sources.ErrFetch, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, cookie := range it.session.Cookies {
		req.AddCookie(cookie)
	}

	resp, err := it.adapter.opts.HTTPClient.Do(req)
	if err != nil {
		return errors.Join(sources.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: board page %d returned status %d", sources.ErrFetch, it.page, resp.StatusCode)
	}

	var page boardPage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&page); err != nil {
		return errors.Join(sources.ErrFetch, err)
	}

	it.buffer = page.Rows
	it.total = page.Total
	it.fetched += len(page.Rows)
	it.page++
	it.started = true
	return nil
}
