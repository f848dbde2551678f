package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrPrivateHost = errors.New("blocked private/loopback host")

// Page is what the fetcher hands to the core: the final URL after redirects,
// the status and the body (read for 2xx responses only).
type Page struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
}

func (p *Page) IsHTML() bool {
	ct := strings.ToLower(p.ContentType)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

type Fetcher struct {
	Client       *http.Client
	UserAgent    string
	HostRPS      float64
	MaxBytes     int64
	AllowPrivate bool

	limiters sync.Map // host -> *rate.Limiter
}

func NewFetcher(ua string, timeout time.Duration, hostRPS float64) *Fetcher {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if hostRPS <= 0 {
		hostRPS = 1
	}
	return &Fetcher{
		Client:    &http.Client{Transport: tr, Timeout: timeout},
		UserAgent: ua,
		HostRPS:   hostRPS,
		MaxBytes:  4 << 20,
	}
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	v, ok := f.limiters.Load(host)
	if ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(f.HostRPS), 1)
	actual, _ := f.limiters.LoadOrStore(host, l)
	return actual.(*rate.Limiter)
}

func isPrivateHost(u *url.URL) bool {
	h := u.Hostname()
	if h == "localhost" {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return true
		}
	}
	return false
}

// Fetch GETs rawURL, waiting for the host's rate limiter first. A network
// error is retried once.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !f.AllowPrivate && isPrivateHost(u) {
		return nil, ErrPrivateHost
	}
	if err := f.limiter(u.Hostname()).Wait(ctx); err != nil {
		return nil, err
	}
	p, err := f.fetchOnce(ctx, u)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || strings.Contains(err.Error(), "timeout") {
			jitter := time.Duration(400+rand.Intn(200)) * time.Millisecond
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return f.fetchOnce(ctx, u)
		}
	}
	return p, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, u *url.URL) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	p := &Page{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return p, nil
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = 4 << 20
	}
	p.Body, err = io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return p, nil
}
