package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/okpulse/crawlstats/internal/config"
	"github.com/okpulse/crawlstats/internal/core"
	"github.com/okpulse/crawlstats/internal/crawl"
	"github.com/okpulse/crawlstats/internal/report"
	"github.com/okpulse/crawlstats/internal/store"
)

type JobStatus struct {
	ID       string         `json:"id"`
	Seeds    []string       `json:"seeds"`
	State    string         `json:"state"`
	Progress crawl.Progress `json:"progress"`
}

type Job struct {
	JobStatus

	mu     sync.Mutex
	cancel context.CancelFunc
}

// app holds the process-wide crawl state. Every job feeds the same aggregator,
// so statistics accumulate across jobs and restarts.
type app struct {
	ctx       context.Context // parent of every job; cancelled on shutdown
	cfg       config.Config
	log       *logrus.Logger
	stats     *core.Aggregator
	filter    *core.Filter
	persister *store.Persister
	fetcher   *crawl.Fetcher

	jobs sync.Map
	wg   sync.WaitGroup
}

func main() {
	cfgPath := flag.String("config", "", "config file (yaml, toml or json)")
	once := flag.Bool("once", false, "crawl the configured seeds, write the report and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := cfg.Logger()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, st)
	if err != nil {
		log.WithError(err).Fatal("init")
	}

	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := a.persister.Run(persistCtx); err != nil {
			log.WithError(err).Warn("final snapshot not written")
		}
	}()
	shutdown := func() {
		a.wg.Wait()
		stopPersist()
		<-persistDone
		if err := report.Write(cfg.Report.Path, a.stats.Snapshot()); err != nil {
			log.WithError(err).Warn("report not written")
		}
	}

	if *once {
		job := a.startJob(cfg.Crawler.Seeds)
		a.wg.Wait()
		log.WithFields(logrus.Fields{"job": job.ID, "state": job.status().State}).Info("crawl finished")
		shutdown()
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/start", a.handleStart)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/report", a.handleReport)
	mux.HandleFunc("/api/stop", a.handleStop)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 60 * time.Second}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shCtx)
	}()
	log.WithField("addr", cfg.Server.Addr).Info("serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("server stopped")
	}
	shutdown()
}

func newApp(ctx context.Context, cfg config.Config, log *logrus.Logger, st store.Store) (*app, error) {
	words, err := cfg.WordFilter()
	if err != nil {
		return nil, err
	}
	stats := core.NewAggregator(cfg.Scope.RootDomain, words)
	filter, err := core.NewFilter(cfg.FilterConfig(), stats, log.WithField("component", "filter"))
	if err != nil {
		return nil, err
	}
	persister := store.NewPersister(stats, st, store.PersisterOptions{
		FlushEvery:    cfg.Store.FlushEvery,
		FlushInterval: cfg.Store.FlushInterval,
		Retries:       cfg.Store.Retries,
		RetryBackoff:  cfg.Store.RetryBackoff,
		AfterPersist: func(s core.Snapshot) error {
			return report.Write(cfg.Report.Path, s)
		},
	}, log.WithField("component", "persister"))
	if _, err := persister.Resume(); err != nil {
		return nil, err
	}
	f := crawl.NewFetcher(cfg.Crawler.UserAgent, cfg.Crawler.Timeout, cfg.Crawler.HostRPS)
	f.MaxBytes = cfg.Crawler.MaxBytes
	return &app{ctx: ctx, cfg: cfg, log: log, stats: stats, filter: filter, persister: persister, fetcher: f}, nil
}

func (j *Job) status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.JobStatus
}

func (j *Job) setState(s string) {
	j.mu.Lock()
	j.State = s
	j.mu.Unlock()
}

func (a *app) startJob(seeds []string) *Job {
	ctx, cancel := context.WithCancel(a.ctx)
	job := &Job{JobStatus: JobStatus{ID: uuid.NewString(), Seeds: seeds, State: "running"}, cancel: cancel}
	a.jobs.Store(job.ID, job)

	c := crawl.NewCrawler(a.fetcher, a.filter, a.stats, a.cfg.Crawler.Workers, a.log.WithField("job", job.ID))
	c.MaxPages = a.cfg.Crawler.MaxPages

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		err := c.Crawl(ctx, seeds, func(p crawl.Progress) {
			job.mu.Lock()
			job.Progress = p
			job.mu.Unlock()
		})
		switch {
		case errors.Is(err, context.Canceled):
			job.setState("canceled")
		case err != nil:
			job.setState("failed")
		default:
			job.setState("done")
		}
		if err := a.persister.Flush(); err != nil {
			a.log.WithField("job", job.ID).WithError(err).Warn("flush after job failed")
		}
	}()
	return job
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (a *app) lookup(w http.ResponseWriter, r *http.Request) (*Job, bool) {
	v, ok := a.jobs.Load(r.URL.Query().Get("job"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return v.(*Job), true
}

func (a *app) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Seeds []string `json:"seeds"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}
	if len(req.Seeds) == 0 {
		req.Seeds = a.cfg.Crawler.Seeds
	}
	// Jobs outlive the request but not the process context.
	job := a.startJob(req.Seeds)
	writeJSON(w, map[string]any{"job_id": job.ID})
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookup(w, r)
	if !ok {
		return
	}
	s := a.stats.Snapshot()
	writeJSON(w, map[string]any{
		"job":              job.status(),
		"unique_pages":     s.UniqueCount,
		"longest_page":     s.LongestPage,
		"total_subdomains": s.TotalSubdomains,
		"distinct_links":   s.DistinctLinks,
		"rejections":       verdictCounts(a.filter.Rejections()),
		"persist_failures": a.persister.Failures(),
	})
}

func verdictCounts(m map[core.Verdict]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for v, n := range m {
		out[v.String()] = n
	}
	return out
}

func (a *app) handleReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(report.Render(a.stats.Snapshot())))
}

func (a *app) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	job, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if job.cancel != nil {
		job.cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}
