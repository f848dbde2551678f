// Package report renders crawl snapshots as the human-readable crawl report.
package report

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/okpulse/crawlstats/internal/core"
	"github.com/okpulse/crawlstats/internal/store"
)

const TopWords = 50

const rule = "--------------------\n"

// Render formats s. Words are ranked by count, ties keep first-seen order,
// and single-character tokens are left out.
func Render(s core.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# unique pages: %d\n", s.UniqueCount)
	b.WriteString(rule)
	if s.LongestPage.URL == "" {
		b.WriteString("Longest page: none\n")
	} else {
		fmt.Fprintf(&b, "Longest page: URL = %s, Length = %d\n", s.LongestPage.URL, s.LongestPage.WordCount)
	}
	b.WriteString(rule)
	for _, w := range Top(s.Words, TopWords) {
		fmt.Fprintf(&b, "%s - %d\n", w.Word, w.Count)
	}
	b.WriteString(rule)
	hosts := make([]string, 0, len(s.Subdomains))
	for h := range s.Subdomains {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	for _, h := range hosts {
		fmt.Fprintf(&b, "%s - %d\n", h, s.Subdomains[h])
	}
	b.WriteString(rule)
	if s.RootDomain != "" {
		fmt.Fprintf(&b, "# of %s subdomains: %d\n", s.RootDomain, s.TotalSubdomains)
	} else {
		fmt.Fprintf(&b, "# of subdomains: %d\n", s.TotalSubdomains)
	}
	if s.DistinctLinks > 0 {
		fmt.Fprintf(&b, "# distinct links discovered (approx.): %d\n", s.DistinctLinks)
	}
	return b.String()
}

// Top returns the n most frequent words longer than one character. words must
// be in first-seen order.
func Top(words []core.WordCount, n int) []core.WordCount {
	out := make([]core.WordCount, 0, len(words))
	for _, w := range words {
		if utf8.RuneCountInString(w.Word) > 1 {
			out = append(out, w)
		}
	}
	slices.SortStableFunc(out, func(a, b core.WordCount) int { return b.Count - a.Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Write renders s to path, replacing any previous report atomically.
func Write(path string, s core.Snapshot) error {
	return store.WriteFileAtomic(path, []byte(Render(s)))
}
