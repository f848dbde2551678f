package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// LongestPage is serialized as a two element array [url, count].
type LongestPage struct {
	URL       string
	WordCount int
}

func (p LongestPage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.URL, p.WordCount})
}

func (p *LongestPage) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("longest page: want [url, count], got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.URL); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.WordCount)
}

type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Snapshot is a point-in-time copy of the crawl state. Words are kept in
// first-seen order so ties can be broken the same way after a restart.
// Pending lists admitted URLs that were never fetched, a subset of SeenURLs.
type Snapshot struct {
	RunID           string         `json:"run_id"`
	Version         uint64         `json:"version"`
	RootDomain      string         `json:"root_domain"`
	UniqueCount     int            `json:"unique_count"`
	LongestPage     LongestPage    `json:"longest_page"`
	Words           []WordCount    `json:"word_frequency"`
	Subdomains      map[string]int `json:"subdomain_counts"`
	TotalSubdomains int            `json:"total_subdomains"`
	SeenURLs        []string       `json:"seen_urls"`
	Pending         []string       `json:"pending_urls,omitempty"`
	LinkSketch      []byte         `json:"link_sketch,omitempty"`
	DistinctLinks   uint64         `json:"distinct_links"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// WordFrequency returns the word counts as a map.
func (s Snapshot) WordFrequency() map[string]int {
	m := make(map[string]int, len(s.Words))
	for _, w := range s.Words {
		m[w.Word] = w.Count
	}
	return m
}
