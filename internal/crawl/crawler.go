// Package crawl drives the core with a fetcher, an HTML extractor and a
// simple FIFO frontier.
package crawl

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/okpulse/crawlstats/internal/core"
)

type Progress struct {
	Fetched  int64
	Recorded int64
	Queued   int
	Errors   int64
}

type Crawler struct {
	Fetcher  *Fetcher
	Filter   *core.Filter
	Stats    *core.Aggregator
	Workers  int
	MaxPages int // 0 means no cap
	Log      logrus.FieldLogger

	front    *frontier
	claimed  atomic.Int64
	fetched  atomic.Int64
	recorded atomic.Int64
	errs     atomic.Int64
}

func NewCrawler(f *Fetcher, filter *core.Filter, stats *core.Aggregator, workers int, log logrus.FieldLogger) *Crawler {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Crawler{Fetcher: f, Filter: filter, Stats: stats, Workers: workers, Log: log}
}

func (c *Crawler) progress() Progress {
	return Progress{
		Fetched:  c.fetched.Load(),
		Recorded: c.recorded.Load(),
		Queued:   c.front.len(),
		Errors:   c.errs.Load(),
	}
}

// Crawl re-queues the pending URLs no other crawl holds, admits the seeds
// through the filter and crawls until the frontier is exhausted, MaxPages is
// reached or ctx is cancelled. URLs left unfetched stay pending in Stats.
func (c *Crawler) Crawl(ctx context.Context, seeds []string, progress func(Progress)) error {
	c.front = newFrontier()
	c.claimed.Store(0)
	if adopted := c.Stats.Adopt(); len(adopted) > 0 {
		c.Log.WithField("urls", len(adopted)).Info("resuming pending urls")
		c.front.push(adopted...)
	}
	for _, s := range seeds {
		u, err := core.Canonicalize("", s)
		if err != nil {
			c.Log.WithField("seed", s).WithError(err).Warn("skipping seed")
			continue
		}
		if c.Filter.IsCrawlable(u) {
			c.front.push(u)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.Workers; i++ {
		log := c.Log.WithField("worker", i)
		g.Go(func() error {
			for {
				u, ok := c.front.pop(gctx)
				if !ok {
					return gctx.Err()
				}
				if c.process(gctx, log, u) {
					c.Stats.Settle(u)
				} else {
					c.Stats.Release(u)
				}
				c.front.done()
				if progress != nil {
					progress(c.progress())
				}
			}
		})
	}
	err := g.Wait()
	c.Stats.Release(c.front.drain()...)
	if err != nil {
		return err
	}
	return ctx.Err()
}

// process handles one URL and reports whether it was fetched. Unfetched URLs
// (page cap reached, cancelled) stay pending for a later crawl.
func (c *Crawler) process(ctx context.Context, log logrus.FieldLogger, u string) bool {
	if c.MaxPages > 0 && c.claimed.Add(1) > int64(c.MaxPages) {
		c.Stats.Release(c.front.stop()...)
		return false
	}
	page, err := c.Fetcher.Fetch(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.errs.Add(1)
		log.WithField("url", u).WithError(err).Warn("fetch failed")
		return true
	}
	c.fetched.Add(1)
	if page.Status/100 != 2 || len(page.Body) == 0 || !page.IsHTML() {
		log.WithFields(logrus.Fields{"url": u, "status": page.Status}).Debug("nothing to record")
		return true
	}

	final, err := core.Canonicalize("", page.URL)
	if err != nil {
		final = u
	}
	if final != u {
		// A redirect target is recorded only if it is in scope and was
		// not recorded under its own name already.
		if c.Filter.Check(final) != core.Accepted || !c.Stats.Visit(final) {
			log.WithFields(logrus.Fields{"url": u, "final": final}).Debug("redirect target skipped")
			return true
		}
	}

	base, hrefs, words := Extract(final, page.Body)
	if len(words) == 0 {
		c.Stats.Settle(final)
	} else {
		c.Stats.RecordPage(final, core.Hostname(final), words)
		c.recorded.Add(1)
	}

	links := c.Filter.FilterLinks(base, hrefs)
	c.front.push(links...)
	log.WithFields(logrus.Fields{"url": final, "words": len(words), "links": len(hrefs), "queued": len(links)}).Debug("page recorded")
	return true
}

// frontier is an unbounded FIFO. pop blocks while the queue is empty but
// pages are still in flight, since those may add links.
type frontier struct {
	mu       sync.Mutex
	queue    []string
	inflight int
	stopped  bool
	wake     chan struct{}
}

func newFrontier() *frontier {
	return &frontier{wake: make(chan struct{})}
}

// broadcast must be called with mu held.
func (f *frontier) broadcast() {
	close(f.wake)
	f.wake = make(chan struct{})
}

func (f *frontier) push(urls ...string) {
	if len(urls) == 0 {
		return
	}
	f.mu.Lock()
	// Links pushed after stop are kept for drain.
	f.queue = append(f.queue, urls...)
	if !f.stopped {
		f.broadcast()
	}
	f.mu.Unlock()
}

func (f *frontier) pop(ctx context.Context) (string, bool) {
	for {
		f.mu.Lock()
		if f.stopped {
			f.mu.Unlock()
			return "", false
		}
		if len(f.queue) > 0 {
			u := f.queue[0]
			f.queue = f.queue[1:]
			f.inflight++
			f.mu.Unlock()
			return u, true
		}
		if f.inflight == 0 {
			f.mu.Unlock()
			return "", false
		}
		wake := f.wake
		f.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (f *frontier) done() {
	f.mu.Lock()
	f.inflight--
	f.broadcast()
	f.mu.Unlock()
}

// stop ends the crawl and returns the URLs that were still queued.
func (f *frontier) stop() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	left := f.queue
	f.queue = nil
	f.broadcast()
	return left
}

func (f *frontier) drain() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	left := f.queue
	f.queue = nil
	return left
}

func (f *frontier) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
