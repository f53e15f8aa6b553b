package domain

import "time"

// Threat levels are ordinal so merged entries can take the maximum across
// contributing sources.
const (
	ThreatLevelLow    = "low"
	ThreatLevelMedium = "medium"
	ThreatLevelHigh   = "high"
)

var threatLevelRank = map[string]int{
	ThreatLevelLow:    1,
	ThreatLevelMedium: 2,
	ThreatLevelHigh:   3,
}

// ThreatLevelRank returns the ordinal rank of a threat level, 0 for unknown.
func ThreatLevelRank(level string) int {
	return threatLevelRank[level]
}

// MaxThreatLevel returns the more severe of two threat levels.
func MaxThreatLevel(a, b string) string {
	if ThreatLevelRank(b) > ThreatLevelRank(a) {
		return b
	}
	return a
}

// BlacklistRecord stores one reputation entry as reported by one source.
// (Address, Source) is unique; the same address reported by several sources
// is kept as separate rows and merged at query time.
type BlacklistRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// Address is the canonical comparison form (e.g. 192.0.2.1, 2001:db8::1,
	// 192.0.2.0/24); RawAddress keeps the string exactly as the source sent it.
	Address    string `gorm:"size:64;not null;uniqueIndex:idx_record_addr_source,priority:1"`
	RawAddress string `gorm:"size:128;not null;default:''"`

	// Class is the ipaddr classification: ipv4, ipv6 or cidr.
	Class string `gorm:"size:8;not null"`

	Source string `gorm:"size:64;not null;uniqueIndex:idx_record_addr_source,priority:2"`

	ThreatLevel string `gorm:"size:16;not null;default:'medium'"`

	// DetectedAt is the timestamp the source reported the entry as active.
	DetectedAt time.Time `gorm:"not null"`

	// FirstSeen/LastSeen bound the observation window across all collections.
	// LastSeen is indexed for the retention sweep's range delete.
	FirstSeen time.Time `gorm:"not null"`
	LastSeen  time.Time `gorm:"not null;index"`

	Active bool `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// LogicalEntry is one de-duplicated address as exposed by the active-set
// query: all per-source records for the same canonical address merged.
type LogicalEntry struct {
	Address     string    `json:"address"`
	Class       string    `json:"class"`
	ThreatLevel string    `json:"threat_level"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`

	// Sources lists contributing feeds in lexical order for stable output.
	Sources []string `json:"sources"`
}
