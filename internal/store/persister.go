package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/okpulse/crawlstats/internal/core"
)

type PersisterOptions struct {
	// FlushEvery persists once this many mutations are pending. 0 disables.
	FlushEvery uint64
	// FlushInterval persists pending mutations at least this often. 0 disables.
	FlushInterval time.Duration
	// Retries is how many times a failed write is retried before giving up.
	Retries      int
	RetryBackoff time.Duration
	// AfterPersist runs after every successful write.
	AfterPersist func(core.Snapshot) error
}

// Persister copies aggregator snapshots to a Store outside the aggregator's
// lock, on a bounded cadence. Write failures are retried and then logged; the
// in-memory state stays authoritative.
type Persister struct {
	agg   *core.Aggregator
	store Store
	opts  PersisterOptions
	log   logrus.FieldLogger

	mu        sync.Mutex // serializes writes
	persisted uint64
	written   bool
	failures  int
}

func NewPersister(agg *core.Aggregator, st Store, opts PersisterOptions, log logrus.FieldLogger) *Persister {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Persister{agg: agg, store: st, opts: opts, log: log}
}

// Resume loads the last durable snapshot into the aggregator. It reports
// whether one was found.
func (p *Persister) Resume() (bool, error) {
	snap, err := p.store.Restore()
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}
	if err := p.agg.Restore(*snap); err != nil {
		return false, err
	}
	p.mu.Lock()
	p.persisted = snap.Version
	p.written = true
	p.mu.Unlock()
	p.log.WithFields(logrus.Fields{
		"run_id":  snap.RunID,
		"version": snap.Version,
		"unique":  snap.UniqueCount,
	}).Info("resumed crawl state")
	return true, nil
}

// Run persists on change signals and ticks until ctx is done, then writes a
// final snapshot.
func (p *Persister) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if p.opts.FlushInterval > 0 {
		t := time.NewTicker(p.opts.FlushInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return p.Flush()
		case <-p.agg.Changed():
			if p.opts.FlushEvery > 0 && p.pending() >= p.opts.FlushEvery {
				p.persist()
			}
		case <-tick:
			if p.pending() > 0 {
				p.persist()
			}
		}
	}
}

// Flush writes the current state if anything changed since the last write.
func (p *Persister) Flush() error {
	if p.pending() == 0 && p.hasWritten() {
		return nil
	}
	return p.persist()
}

// Failures returns how many writes were abandoned after exhausting retries.
func (p *Persister) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *Persister) pending() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agg.Version() - p.persisted
}

func (p *Persister) hasWritten() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

func (p *Persister) persist() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.agg.Snapshot()
	if p.written && snap.Version == p.persisted {
		return nil
	}
	var err error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * p.opts.RetryBackoff)
		}
		if err = p.store.Persist(snap); err == nil {
			break
		}
		p.log.WithFields(logrus.Fields{"attempt": attempt + 1, "version": snap.Version}).
			WithError(err).Debug("snapshot write failed")
	}
	if err != nil {
		p.failures++
		p.log.WithFields(logrus.Fields{"version": snap.Version, "failures": p.failures}).
			WithError(err).Warn("giving up on snapshot write, continuing with in-memory state")
		return fmt.Errorf("persist snapshot v%d: %w", snap.Version, err)
	}
	p.persisted = snap.Version
	p.written = true
	p.log.WithFields(logrus.Fields{"version": snap.Version, "unique": snap.UniqueCount}).Debug("snapshot persisted")

	if p.opts.AfterPersist != nil {
		if herr := p.opts.AfterPersist(snap); herr != nil {
			p.log.WithError(herr).Warn("after-persist hook failed")
		}
	}
	return nil
}
