package model

import (
	"encoding/json"
	"time"
)

// CacheEntry is one row of research_cache, unique on QueryHash. Entries are
// never deleted here; expiry is logical through ExpiresAt and staleness.
type CacheEntry struct {
	ID             string          `json:"id"`
	QueryHash      string          `json:"query_hash"`
	QueryText      string          `json:"query_text"` // normalized
	ResultJSON     json.RawMessage `json:"result_json"`
	SourceModel    string          `json:"source_model"`
	FetchedAt      time.Time       `json:"fetched_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	DomainPriority int             `json:"domain_priority"`
}

// GeneratedResearch is what a live research generator hands back.
type GeneratedResearch struct {
	Result      json.RawMessage `json:"result"`
	SourceModel string          `json:"source_model"`
}
