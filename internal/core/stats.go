package core

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Aggregator owns the crawl-wide state: the visited set and every counter
// derived from recorded pages. All mutation goes through its methods under a
// single lock; the unique page count is the size of the visited set.
type Aggregator struct {
	root  string
	words *WordFilter

	mu         sync.RWMutex
	runID      string
	visited    map[string]struct{}
	pending    map[string]bool // admitted, not yet fetched; true while a crawl holds it
	longest    LongestPage
	freqIndex  map[string]int // word -> position in freq
	freq       []WordCount
	subdomains map[string]int
	links      *hyperloglog.Sketch
	updatedAt  time.Time

	version atomic.Uint64
	changed chan struct{}
}

// NewAggregator creates an empty aggregator. Hosts within rootDomain are
// counted as subdomains; an empty rootDomain disables subdomain counting.
// A nil word filter counts every non-empty token.
func NewAggregator(rootDomain string, words *WordFilter) *Aggregator {
	if words == nil {
		words = &WordFilter{stop: map[string]struct{}{}}
	}
	a := &Aggregator{
		root:    strings.ToLower(strings.TrimPrefix(rootDomain, ".")),
		words:   words,
		changed: make(chan struct{}, 1),
	}
	a.reset()
	return a
}

func (a *Aggregator) reset() {
	a.runID = uuid.NewString()
	a.visited = make(map[string]struct{})
	a.pending = make(map[string]bool)
	a.longest = LongestPage{WordCount: -1}
	a.freqIndex = make(map[string]int)
	a.freq = nil
	a.subdomains = make(map[string]int)
	a.links = hyperloglog.New14()
	a.updatedAt = time.Time{}
}

func (a *Aggregator) RootDomain() string { return a.root }

// Visit inserts u into the visited set and reports whether it was new. A new
// URL stays pending, held by the caller, until it is recorded or settled.
func (a *Aggregator) Visit(u string) bool {
	a.mu.Lock()
	added := a.visit(u)
	if added {
		a.pending[u] = true
		a.touch()
	}
	a.mu.Unlock()
	if added {
		a.notify()
	}
	return added
}

func (a *Aggregator) Seen(u string) bool {
	a.mu.RLock()
	_, ok := a.visited[u]
	a.mu.RUnlock()
	return ok
}

// RecordPage applies one fetched page to the state as a single transaction.
// A page without words changes nothing.
func (a *Aggregator) RecordPage(u, hostname string, words []string) {
	if u == "" || len(words) == 0 {
		return
	}
	counted := make([]string, 0, len(words))
	for _, t := range words {
		if w, ok := a.words.Normalize(t); ok {
			counted = append(counted, w)
		}
	}
	if hostname == "" {
		hostname = Hostname(u)
	}
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	subdomain := a.root != "" && WithinDomain(hostname, a.root)

	a.mu.Lock()
	a.visit(u)
	delete(a.pending, u)
	if len(words) > a.longest.WordCount {
		a.longest = LongestPage{URL: u, WordCount: len(words)}
	}
	for _, w := range counted {
		if i, ok := a.freqIndex[w]; ok {
			a.freq[i].Count++
			continue
		}
		a.freqIndex[w] = len(a.freq)
		a.freq = append(a.freq, WordCount{Word: w, Count: 1})
	}
	if subdomain {
		a.subdomains[hostname]++
	}
	a.touch()
	a.mu.Unlock()
	a.notify()
}

// Settle marks u as fetched without recording it, e.g. after an error status.
func (a *Aggregator) Settle(u string) {
	a.mu.Lock()
	_, ok := a.pending[u]
	if ok {
		delete(a.pending, u)
		a.touch()
	}
	a.mu.Unlock()
	if ok {
		a.notify()
	}
}

// Release hands pending URLs back so a later crawl can adopt them.
func (a *Aggregator) Release(urls ...string) {
	a.mu.Lock()
	for _, u := range urls {
		if _, ok := a.pending[u]; ok {
			a.pending[u] = false
		}
	}
	a.mu.Unlock()
}

// Adopt claims every pending URL no running crawl holds and returns them
// sorted. URLs restored from a snapshot start out unheld.
func (a *Aggregator) Adopt() []string {
	a.mu.Lock()
	var out []string
	for u, held := range a.pending {
		if !held {
			a.pending[u] = true
			out = append(out, u)
		}
	}
	a.mu.Unlock()
	slices.Sort(out)
	return out
}

// ObserveLinks records candidate outbound links in the distinct-link estimate.
func (a *Aggregator) ObserveLinks(urls []string) {
	if len(urls) == 0 {
		return
	}
	a.mu.Lock()
	for _, u := range urls {
		a.links.InsertHash(xxhash.Sum64String(u))
	}
	a.touch()
	a.mu.Unlock()
	a.notify()
}

// Snapshot returns a consistent copy of the state. It holds the read lock
// only while copying.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	s := Snapshot{
		RunID:           a.runID,
		Version:         a.version.Load(),
		RootDomain:      a.root,
		UniqueCount:     len(a.visited),
		LongestPage:     a.longest,
		Words:           slices.Clone(a.freq),
		Subdomains:      make(map[string]int, len(a.subdomains)),
		TotalSubdomains: len(a.subdomains),
		SeenURLs:        make([]string, 0, len(a.visited)),
		Pending:         make([]string, 0, len(a.pending)),
		UpdatedAt:       a.updatedAt,
	}
	for h, n := range a.subdomains {
		s.Subdomains[h] = n
	}
	for u := range a.visited {
		s.SeenURLs = append(s.SeenURLs, u)
	}
	for u := range a.pending {
		s.Pending = append(s.Pending, u)
	}
	// Estimate and MarshalBinary compact the sketch in place, so they run on a copy.
	links := a.links.Clone()
	a.mu.RUnlock()

	s.DistinctLinks = links.Estimate()
	if sketch, err := links.MarshalBinary(); err == nil {
		s.LinkSketch = sketch
	}
	slices.Sort(s.SeenURLs)
	slices.Sort(s.Pending)
	return s
}

// Restore replaces the state with a persisted snapshot. The unique count and
// subdomain total are recomputed from the restored sets.
func (a *Aggregator) Restore(s Snapshot) error {
	links := hyperloglog.New14()
	if len(s.LinkSketch) > 0 {
		if err := links.UnmarshalBinary(s.LinkSketch); err != nil {
			return fmt.Errorf("restore link sketch: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	if s.RunID != "" {
		a.runID = s.RunID
	}
	for _, u := range s.SeenURLs {
		a.visited[u] = struct{}{}
	}
	for _, u := range s.Pending {
		a.visited[u] = struct{}{}
		a.pending[u] = false
	}
	a.longest = s.LongestPage
	if a.longest.URL == "" && a.longest.WordCount == 0 {
		a.longest.WordCount = -1
	}
	for _, w := range s.Words {
		if w.Word == "" {
			continue
		}
		if i, ok := a.freqIndex[w.Word]; ok {
			a.freq[i].Count += w.Count
			continue
		}
		a.freqIndex[w.Word] = len(a.freq)
		a.freq = append(a.freq, w)
	}
	for h, n := range s.Subdomains {
		a.subdomains[h] = n
	}
	a.links = links
	a.updatedAt = s.UpdatedAt
	a.version.Store(s.Version)
	return nil
}

// Version increases on every mutation.
func (a *Aggregator) Version() uint64 { return a.version.Load() }

// Changed is signalled after mutations. Signals coalesce.
func (a *Aggregator) Changed() <-chan struct{} { return a.changed }

// visit must be called with mu held.
func (a *Aggregator) visit(u string) bool {
	if _, ok := a.visited[u]; ok {
		return false
	}
	a.visited[u] = struct{}{}
	return true
}

// touch must be called with mu held.
func (a *Aggregator) touch() {
	a.updatedAt = time.Now()
	a.version.Add(1)
}

func (a *Aggregator) notify() {
	select {
	case a.changed <- struct{}{}:
	default:
	}
}
