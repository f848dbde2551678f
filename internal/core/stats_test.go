package core

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	wf, err := NewWordFilter(WordOptions{})
	require.NoError(t, err)
	return NewAggregator("example.edu", wf)
}

func TestRecordPageCountsWords(t *testing.T) {
	a := newTestAggregator(t)

	a.RecordPage("https://vision.example.edu/p1", "vision.example.edu", []string{"The", "algorithm", "Algorithm,", "is"})
	a.RecordPage("https://vision.example.edu/p2", "vision.example.edu", []string{"sorting", "the"})

	s := a.Snapshot()
	assert.Equal(t, map[string]int{"algorithm": 2, "sorting": 1}, s.WordFrequency())
	assert.Equal(t, []WordCount{{"algorithm", 2}, {"sorting", 1}}, s.Words)
	assert.Equal(t, "https://vision.example.edu/p1", s.LongestPage.URL)
	assert.Equal(t, 4, s.LongestPage.WordCount)
	assert.Equal(t, 2, s.UniqueCount)
	assert.Equal(t, map[string]int{"vision.example.edu": 2}, s.Subdomains)
	assert.Equal(t, 1, s.TotalSubdomains)
}

func TestRecordPageSerialSum(t *testing.T) {
	a := newTestAggregator(t)
	a.RecordPage("https://cs.example.edu/1", "cs.example.edu", []string{"a", "the", "algorithm", "algorithm"})
	a.RecordPage("https://cs.example.edu/2", "cs.example.edu", []string{"algorithm", "sorting"})

	s := a.Snapshot()
	assert.Equal(t, map[string]int{"algorithm": 3, "sorting": 1}, s.WordFrequency())
	assert.Equal(t, "https://cs.example.edu/1", s.LongestPage.URL)
}

func TestLongestPageOnlyGrows(t *testing.T) {
	a := newTestAggregator(t)

	lengths := []int{3, 7, 7, 2, 9, 1}
	prev := -1
	for i, n := range lengths {
		words := make([]string, n)
		for j := range words {
			words[j] = "word"
		}
		a.RecordPage(fmt.Sprintf("https://example.edu/%d", i), "", words)
		s := a.Snapshot()
		require.GreaterOrEqual(t, s.LongestPage.WordCount, prev)
		prev = s.LongestPage.WordCount
	}
	s := a.Snapshot()
	assert.Equal(t, "https://example.edu/4", s.LongestPage.URL)
	assert.Equal(t, 9, s.LongestPage.WordCount)
}

func TestLongestPageTieKeepsFirst(t *testing.T) {
	a := newTestAggregator(t)
	a.RecordPage("https://example.edu/first", "", []string{"one", "two"})
	a.RecordPage("https://example.edu/second", "", []string{"three", "four"})
	assert.Equal(t, "https://example.edu/first", a.Snapshot().LongestPage.URL)
}

func TestRecordPageEmptyWordsIsNoop(t *testing.T) {
	a := newTestAggregator(t)
	v := a.Version()

	a.RecordPage("https://cs.example.edu/empty", "cs.example.edu", nil)

	s := a.Snapshot()
	assert.Equal(t, v, a.Version())
	assert.Equal(t, 0, s.UniqueCount)
	assert.Equal(t, LongestPage{WordCount: -1}, s.LongestPage)
	assert.Empty(t, s.Subdomains)
	assert.Empty(t, s.Words)
}

func TestRecordPageOnlyStopWordsStillCountsPage(t *testing.T) {
	a := newTestAggregator(t)
	a.RecordPage("https://cs.example.edu/stop", "cs.example.edu", []string{"the", "and", "of"})

	s := a.Snapshot()
	assert.Equal(t, 1, s.UniqueCount)
	assert.Equal(t, 3, s.LongestPage.WordCount)
	assert.Empty(t, s.Words)
	assert.Equal(t, 1, s.Subdomains["cs.example.edu"])
}

func TestSubdomainCounting(t *testing.T) {
	a := newTestAggregator(t)
	pages := []struct{ url, host string }{
		{"https://example.edu/", "example.edu"},
		{"https://cs.example.edu/a", "cs.example.edu"},
		{"https://cs.example.edu/b", "CS.Example.edu"},
		{"https://www.example.org/", "www.example.org"},
		{"https://ml.cs.example.edu/", ""},
	}
	for _, p := range pages {
		a.RecordPage(p.url, p.host, []string{"content"})
	}

	s := a.Snapshot()
	assert.Equal(t, map[string]int{
		"example.edu":       1,
		"cs.example.edu":    2,
		"ml.cs.example.edu": 1,
	}, s.Subdomains)
	assert.Equal(t, 3, s.TotalSubdomains)
	assert.Equal(t, 5, s.UniqueCount)
}

func TestVisitAndRecordShareVisitedSet(t *testing.T) {
	a := newTestAggregator(t)

	assert.True(t, a.Visit("https://example.edu/a"))
	assert.False(t, a.Visit("https://example.edu/a"))
	a.RecordPage("https://example.edu/a", "", []string{"hello"})
	a.RecordPage("https://example.edu/a", "", []string{"hello"})

	s := a.Snapshot()
	assert.Equal(t, 1, s.UniqueCount)
	assert.Equal(t, []string{"https://example.edu/a"}, s.SeenURLs)
	assert.Equal(t, 2, s.WordFrequency()["hello"])
}

func TestConcurrentRecording(t *testing.T) {
	a := newTestAggregator(t)

	const workers = 32
	const pages = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for p := 0; p < pages; p++ {
				u := fmt.Sprintf("https://w%d.example.edu/%d", w, p)
				a.Visit(u)
				a.RecordPage(u, "", []string{"alpha", "beta", "the"})
			}
		}(w)
	}

	// Every snapshot taken mid-flight is internally consistent.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := a.Snapshot()
			assert.Equal(t, s.UniqueCount, len(s.SeenURLs))
			assert.Equal(t, s.TotalSubdomains, len(s.Subdomains))
			f := s.WordFrequency()
			assert.Equal(t, f["alpha"], f["beta"])
		}
	}()
	wg.Wait()
	close(stop)
	<-done

	s := a.Snapshot()
	assert.Equal(t, workers*pages, s.UniqueCount)
	assert.Equal(t, workers, s.TotalSubdomains)
	assert.Equal(t, map[string]int{"alpha": workers * pages, "beta": workers * pages}, s.WordFrequency())
	for _, n := range s.Subdomains {
		assert.Equal(t, pages, n)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a := newTestAggregator(t)
	a.RecordPage("https://cs.example.edu/", "", []string{"graph"})

	s := a.Snapshot()
	s.Words[0].Count = 100
	s.Subdomains["cs.example.edu"] = 100

	again := a.Snapshot()
	assert.Equal(t, 1, again.Words[0].Count)
	assert.Equal(t, 1, again.Subdomains["cs.example.edu"])
}

func TestRestoreRoundTrip(t *testing.T) {
	a := newTestAggregator(t)
	a.Visit("https://example.edu/queued")
	a.RecordPage("https://cs.example.edu/a", "", []string{"compiler", "graph", "compiler"})
	a.RecordPage("https://ml.example.edu/b", "", []string{"graph"})
	a.ObserveLinks([]string{"https://example.edu/x", "https://example.edu/y"})
	before := a.Snapshot()

	b := newTestAggregator(t)
	require.NoError(t, b.Restore(before))
	after := b.Snapshot()

	assert.Equal(t, before.RunID, after.RunID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.UniqueCount, after.UniqueCount)
	assert.Equal(t, before.LongestPage, after.LongestPage)
	assert.Equal(t, before.Words, after.Words)
	assert.Equal(t, before.Subdomains, after.Subdomains)
	assert.Equal(t, before.SeenURLs, after.SeenURLs)
	assert.Equal(t, []string{"https://example.edu/queued"}, after.Pending)
	assert.Equal(t, before.DistinctLinks, after.DistinctLinks)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	// Restored state keeps accumulating.
	assert.False(t, b.Visit("https://example.edu/queued"))
	b.RecordPage("https://cs.example.edu/c", "", []string{"graph"})
	assert.Equal(t, 3, b.Snapshot().WordFrequency()["graph"])
	assert.Greater(t, b.Version(), before.Version)
}

func TestPendingLifecycle(t *testing.T) {
	a := newTestAggregator(t)
	a.Visit("https://example.edu/a")
	a.Visit("https://example.edu/b")
	a.Visit("https://example.edu/c")

	// Held by the crawl that admitted them.
	assert.Empty(t, a.Adopt())
	assert.Equal(t, []string{"https://example.edu/a", "https://example.edu/b", "https://example.edu/c"}, a.Snapshot().Pending)

	a.RecordPage("https://example.edu/a", "", []string{"graph"})
	a.Settle("https://example.edu/b")
	a.Release("https://example.edu/c", "https://example.edu/unknown")

	s := a.Snapshot()
	assert.Equal(t, []string{"https://example.edu/c"}, s.Pending)
	assert.Equal(t, 3, s.UniqueCount)

	assert.Equal(t, []string{"https://example.edu/c"}, a.Adopt())
	assert.Empty(t, a.Adopt())
}

func TestRestoredPendingIsAdoptable(t *testing.T) {
	a := newTestAggregator(t)
	a.Visit("https://example.edu/")
	a.Visit("https://example.edu/queued")
	a.RecordPage("https://example.edu/", "", []string{"home"})

	b := newTestAggregator(t)
	require.NoError(t, b.Restore(a.Snapshot()))
	assert.False(t, b.Visit("https://example.edu/queued"))
	assert.Equal(t, []string{"https://example.edu/queued"}, b.Adopt())
	assert.Equal(t, 2, b.Snapshot().UniqueCount)
}

func TestRestoreEmptyLongestPage(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.Restore(Snapshot{}))
	a.RecordPage("https://example.edu/", "", []string{"x"})
	assert.Equal(t, "https://example.edu/", a.Snapshot().LongestPage.URL)
}

func TestRestoreBadSketch(t *testing.T) {
	a := newTestAggregator(t)
	a.RecordPage("https://example.edu/", "", []string{"kept"})
	err := a.Restore(Snapshot{LinkSketch: []byte{0xff}})
	assert.Error(t, err)
	assert.Equal(t, 1, a.Snapshot().UniqueCount)
}

func TestChangedSignals(t *testing.T) {
	a := newTestAggregator(t)
	select {
	case <-a.Changed():
		t.Fatal("unexpected signal before any mutation")
	default:
	}

	a.Visit("https://example.edu/")
	a.Visit("https://example.edu/other")
	select {
	case <-a.Changed():
	default:
		t.Fatal("no signal after mutation")
	}
	// Signals coalesce into one pending notification.
	select {
	case <-a.Changed():
		t.Fatal("signals did not coalesce")
	default:
	}
	assert.EqualValues(t, 2, a.Version())
}

func TestNilWordFilterCountsEverything(t *testing.T) {
	a := NewAggregator("", nil)
	a.RecordPage("https://example.com/", "", []string{"The", "the", "--"})

	s := a.Snapshot()
	assert.Equal(t, map[string]int{"the": 2}, s.WordFrequency())
	assert.Empty(t, s.Subdomains)
}
