package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okpulse/crawlstats/internal/config"
	"github.com/okpulse/crawlstats/internal/core"
	"github.com/okpulse/crawlstats/internal/store"
)

func newTestApp(t *testing.T, ctx context.Context, dir string, domains ...string) *app {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Path = filepath.Join(dir, "state.json")
	cfg.Report.Path = filepath.Join(dir, "report.txt")
	cfg.Crawler.HostRPS = 1000
	cfg.Crawler.Workers = 4
	if len(domains) > 0 {
		cfg.Scope.AllowedDomains = domains
		cfg.Scope.RootDomain = domains[0]
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, _ := test.NewNullLogger()
	a, err := newApp(ctx, cfg, log, st)
	require.NoError(t, err)
	a.fetcher.AllowPrivate = true
	return a
}

func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body><p>graph search</p><a href="/a">a</a> <a href="/b">b</a></body></html>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>graph tensor</p><a href="/">home</a></body></html>`)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>compiler graph</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func startSeeds(t *testing.T, a *app, seeds ...string) string {
	t.Helper()
	body, err := json.Marshal(map[string][]string{"seeds": seeds})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	a.handleStart(rec, httptest.NewRequest(http.MethodPost, "/api/start", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	require.NotEmpty(t, started.JobID)
	return started.JobID
}

func jobState(t *testing.T, a *app, id string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	a.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status?job="+id, nil))
	if rec.Code != http.StatusOK {
		return ""
	}
	var got struct {
		Job JobStatus `json:"job"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		return ""
	}
	return got.Job.State
}

func restoreState(t *testing.T, dir string) *core.Snapshot {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	s, err := st.Restore()
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestHandlers(t *testing.T) {
	a := newTestApp(t, context.Background(), t.TempDir())
	a.stats.RecordPage("https://vision.ics.uci.edu/", "", []string{"vision", "graph", "graph"})

	rec := httptest.NewRecorder()
	a.handleReport(rec, httptest.NewRequest(http.MethodGet, "/api/report", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "# unique pages: 1\n")
	assert.Contains(t, body, "graph - 2\n")
	assert.Contains(t, body, "vision.ics.uci.edu - 1\n")
	assert.Contains(t, body, "# of uci.edu subdomains: 1\n")

	rec = httptest.NewRecorder()
	a.handleStart(rec, httptest.NewRequest(http.MethodGet, "/api/start", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	a.handleStart(rec, httptest.NewRequest(http.MethodPost, "/api/start", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	a.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status?job=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusOfStoredJob(t *testing.T) {
	a := newTestApp(t, context.Background(), t.TempDir())
	job := &Job{JobStatus: JobStatus{ID: "j1", Seeds: []string{"https://www.ics.uci.edu"}, State: "done"}}
	a.jobs.Store(job.ID, job)
	a.stats.Visit("https://www.ics.uci.edu/")

	rec := httptest.NewRecorder()
	a.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status?job=j1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Job         JobStatus `json:"job"`
		UniquePages int       `json:"unique_pages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "done", got.Job.State)
	assert.Equal(t, 1, got.UniquePages)

	rec = httptest.NewRecorder()
	a.handleStop(rec, httptest.NewRequest(http.MethodPost, "/api/stop?job=j1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestJobRunsToCompletion(t *testing.T) {
	site := testSite(t)
	dir := t.TempDir()
	a := newTestApp(t, context.Background(), dir, core.Hostname(site.URL))

	id := startSeeds(t, a, site.URL)
	require.Eventually(t, func() bool { return jobState(t, a, id) == "done" }, 10*time.Second, 10*time.Millisecond)
	a.wg.Wait()

	assert.FileExists(t, filepath.Join(dir, "state.json"))
	assert.FileExists(t, filepath.Join(dir, "report.txt"))

	s := restoreState(t, dir)
	assert.Equal(t, 3, s.UniqueCount)
	assert.Equal(t, 3, s.WordFrequency()["graph"])
	assert.Empty(t, s.Pending)
}

func TestJobResumesAfterRestart(t *testing.T) {
	site := testSite(t)
	dir := t.TempDir()
	host := core.Hostname(site.URL)

	first := newTestApp(t, context.Background(), dir, host)
	first.cfg.Crawler.MaxPages = 1
	id := startSeeds(t, first, site.URL)
	first.wg.Wait()
	assert.Equal(t, "done", jobState(t, first, id))
	assert.ElementsMatch(t, []string{site.URL + "/a", site.URL + "/b"}, restoreState(t, dir).Pending)

	// A new process on the same state file fetches what the capped job left queued.
	second := newTestApp(t, context.Background(), dir, host)
	id = startSeeds(t, second, site.URL)
	second.wg.Wait()
	assert.Equal(t, "done", jobState(t, second, id))

	s := second.stats.Snapshot()
	assert.Empty(t, s.Pending)
	assert.Equal(t, 3, s.UniqueCount)
	assert.Equal(t, 3, s.WordFrequency()["graph"])
	assert.Equal(t, 1, s.WordFrequency()["tensor"])
	assert.Equal(t, 1, s.WordFrequency()["compiler"])
	assert.Empty(t, restoreState(t, dir).Pending)
}

func TestShutdownCancelsJobs(t *testing.T) {
	var once sync.Once
	entered := make(chan struct{})
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-r.Context().Done()
	}))
	t.Cleanup(site.Close)

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newTestApp(t, ctx, dir, core.Hostname(site.URL))

	id := startSeeds(t, a, site.URL)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fetched")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job outlived the app context")
	}
	assert.Equal(t, "canceled", jobState(t, a, id))

	// The unfetched seed was flushed for the next run.
	assert.Equal(t, []string{site.URL + "/"}, restoreState(t, dir).Pending)
}
