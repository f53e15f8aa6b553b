// Package connector renders the unified active set into the formats a
// FortiGate external connector polls: a threat-feed JSON document and a
// plaintext address list. Rendering is deterministic so repeated polls over
// an unchanged active set produce byte-identical bodies and stay friendly to
// HTTP caching and device-side change detection.
package connector

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/JCLEE94/blacklist-sub007/internal/domain"
)

const FeedName = "blacklist-unified"

type Entry struct {
	Address     string `json:"address"`
	ThreatLevel string `json:"threat_level"`
	Sources     string `json:"sources"`
	LastSeen    string `json:"last_seen"`
}

type Feed struct {
	Name        string  `json:"name"`
	GeneratedAt string  `json:"generated_at,omitempty"`
	Count       int     `json:"count"`
	Entries     []Entry `json:"entries"`
}

// RenderJSON renders the active set as the connector JSON document. Entries
// keep the store's (address, source) ordering, timestamps are UTC RFC 3339
// and the document ends with a trailing newline. generated_at is the newest
// last_seen in the set rather than the render time, so an unchanged active
// set renders byte-identically however often a device polls it.
func RenderJSON(entries []domain.LogicalEntry) ([]byte, error) {
	feed := Feed{
		Name:    FeedName,
		Count:   len(entries),
		Entries: make([]Entry, 0, len(entries)),
	}

	var newest time.Time
	for _, entry := range entries {
		if entry.LastSeen.After(newest) {
			newest = entry.LastSeen
		}
		feed.Entries = append(feed.Entries, Entry{
			Address:     entry.Address,
			ThreatLevel: entry.ThreatLevel,
			Sources:     strings.Join(entry.Sources, ","),
			LastSeen:    entry.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	if !newest.IsZero() {
		feed.GeneratedAt = newest.UTC().Format(time.RFC3339)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(feed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderPlaintext renders one address per line, newline-terminated. This is
// the format FortiGate's generic IP address threat feed expects.
func RenderPlaintext(entries []domain.LogicalEntry) []byte {
	var buf bytes.Buffer
	for _, entry := range entries {
		buf.WriteString(entry.Address)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
