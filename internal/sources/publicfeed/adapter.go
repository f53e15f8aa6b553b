// Package publicfeed ingests unauthenticated plaintext drop lists: one IP or
// CIDR per line, comments and surrounding text tolerated.
package publicfeed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/JCLEE94/blacklist-sub007/internal/domain"
	"github.com/JCLEE94/blacklist-sub007/internal/sources"
)

const maxResponseBytes = 10 << 20 // 10 MiB safety cap

var ipRegex = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)

type Adapter struct {
	cfg  domain.SourceConfig
	opts sources.Options
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

// Authenticate is a no-op; public feeds carry no credentials. A session with
// no expiry is always valid.
func (a *Adapter) Authenticate(_ context.Context) (*sources.Session, error) {
	return &sources.Session{}, nil
}

func (a *Adapter) Fetch(ctx context.Context, _ *sources.Session, _ sources.Window) (sources.RecordIter, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Endpoint, nil)
	if err != nil {
		return nil, errors.Join(sources.ErrFetch, err)
	}

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Join(sources.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: unexpected status %d: %s", sources.ErrFetch, resp.StatusCode, bytes.TrimSpace(body))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Join(sources.ErrFetch, err)
	}

	return &lineIter{
		scanner:    newLineScanner(content),
		detectedAt: time.Now().UTC(),
	}, nil
}

func (a *Adapter) Transform(raw sources.Raw) (domain.BlacklistRecord, error) {
	return sources.TransformRecord(a.cfg.Name, raw, a.opts.Policy)
}

func newLineScanner(payload []byte) *bufio.Scanner {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 1024), 1024*1024)
	return scanner
}

// lineIter yields every address-looking token in the payload. Plaintext
// feeds carry no per-entry timestamps; all records share the fetch time.
type lineIter struct {
	scanner    *bufio.Scanner
	detectedAt time.Time
	pending    []string
}

func (it *lineIter) Next(_ context.Context) (sources.Raw, error) {
	for len(it.pending) == 0 {
		if !it.scanner.Scan() {
			if err := it.scanner.Err(); err != nil {
				return sources.Raw{}, errors.Join(sources.ErrFetch, err)
			}
			return sources.Raw{}, io.EOF
		}
		for _, match := range ipRegex.FindAll(it.scanner.Bytes(), -1) {
			it.pending = append(it.pending, string(match))
		}
	}

	address := it.pending[0]
	it.pending = it.pending[1:]

	return sources.Raw{
		Address:    address,
		DetectedAt: it.detectedAt,
		Active:     true,
	}, nil
}
