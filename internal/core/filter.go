package core

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
)

// DefaultExtensions are path suffixes of resources that are never HTML pages.
var DefaultExtensions = []string{
	"css", "js", "bmp", "gif", "jpg", "jpeg", "ico", "png", "tif", "tiff", "svg", "webp",
	"mid", "mp2", "mp3", "mp4", "wav", "avi", "mov", "mpeg", "ram", "m4v", "mkv",
	"ogg", "ogv", "pdf", "ps", "eps", "tex", "ppt", "pptx", "pps", "doc", "docx",
	"xls", "xlsx", "odt", "ods", "odp", "names", "data", "dat", "exe", "bz2", "tar",
	"msi", "bin", "7z", "psd", "dmg", "iso", "epub", "dll", "cnf", "tgz", "sha1",
	"thmx", "mso", "arff", "rtf", "jar", "csv", "rm", "smil", "wmv", "swf", "wma",
	"zip", "rar", "gz", "sql", "apk", "bat", "ics", "war", "img", "java", "py", "c", "h",
}

type Verdict int

const (
	Accepted Verdict = iota
	RejectMalformed
	RejectScheme
	RejectScope
	RejectDenied
	RejectPathScope
	RejectTrap
	RejectExtension
	RejectSeen
	numVerdicts
)

var verdictNames = [...]string{
	Accepted:        "accepted",
	RejectMalformed: "malformed",
	RejectScheme:    "scheme",
	RejectScope:     "out_of_scope",
	RejectDenied:    "denied_host",
	RejectPathScope: "path_scope",
	RejectTrap:      "trap",
	RejectExtension: "extension",
	RejectSeen:      "seen",
}

func (v Verdict) String() string {
	if v < 0 || v >= numVerdicts {
		return fmt.Sprintf("verdict(%d)", int(v))
	}
	return verdictNames[v]
}

// PathRule restricts a host to a single path prefix.
type PathRule struct {
	Host   string `mapstructure:"host" json:"host"`
	Prefix string `mapstructure:"prefix" json:"prefix"`
}

type FilterConfig struct {
	AllowedDomains []string
	// DeniedHosts are glob patterns. Patterns without a slash match the
	// hostname; patterns with one match host+path.
	DeniedHosts []string
	PathRules   []PathRule
	Extensions  []string
	Traps       TrapRules
}

type hostPattern struct {
	g        glob.Glob
	withPath bool
}

// Filter decides which canonical URLs are enqueued. Admission is recorded in
// the aggregator's visited set, which is the only record of what was seen.
type Filter struct {
	agg *Aggregator
	log logrus.FieldLogger

	allowed   []string
	denied    []hostPattern
	pathRules []PathRule
	exts      map[string]struct{}
	traps     *trapDetector

	rejections [numVerdicts]atomic.Int64
}

func NewFilter(cfg FilterConfig, agg *Aggregator, log logrus.FieldLogger) (*Filter, error) {
	if agg == nil {
		return nil, fmt.Errorf("filter: nil aggregator")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	f := &Filter{agg: agg, log: log, exts: make(map[string]struct{})}
	for _, d := range cfg.AllowedDomains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d != "" {
			f.allowed = append(f.allowed, d)
		}
	}
	for _, p := range cfg.DeniedHosts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		hp := hostPattern{withPath: strings.Contains(p, "/")}
		var err error
		if hp.withPath {
			hp.g, err = glob.Compile(p)
		} else {
			hp.g, err = glob.Compile(p, '.')
		}
		if err != nil {
			return nil, fmt.Errorf("denied host pattern %q: %w", p, err)
		}
		f.denied = append(f.denied, hp)
	}
	for _, r := range cfg.PathRules {
		r.Host = strings.ToLower(strings.TrimSpace(r.Host))
		if r.Host == "" {
			continue
		}
		if !strings.HasPrefix(r.Prefix, "/") {
			r.Prefix = "/" + r.Prefix
		}
		f.pathRules = append(f.pathRules, r)
	}
	for _, e := range cfg.Extensions {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			f.exts[e] = struct{}{}
		}
	}
	traps, err := newTrapDetector(cfg.Traps)
	if err != nil {
		return nil, err
	}
	f.traps = traps
	return f, nil
}

// Check applies every rule except the visited gate. It touches no shared state.
func (f *Filter) Check(raw string) Verdict {
	u, err := url.Parse(raw)
	if err != nil {
		return RejectMalformed
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return RejectScheme
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return RejectScope
	}
	rule, hasRule := f.pathRule(host)
	if !hasRule && !f.inScope(host) {
		return RejectScope
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if f.isDenied(host, p) {
		return RejectDenied
	}
	if hasRule && !strings.HasPrefix(p, rule.Prefix) {
		return RejectPathScope
	}
	if f.traps.pathTrap(p) || f.traps.queryTrap(u.RawQuery) {
		return RejectTrap
	}
	if ext := path.Ext(strings.ToLower(p)); ext != "" {
		if _, ok := f.exts[ext[1:]]; ok {
			return RejectExtension
		}
	}
	return Accepted
}

// Admit runs Check and, when it passes, atomically claims u in the visited
// set. Of two callers racing on the same URL exactly one gets Accepted.
func (f *Filter) Admit(u string) Verdict {
	v := f.Check(u)
	if v == Accepted && !f.agg.Visit(u) {
		v = RejectSeen
	}
	f.rejections[v].Add(1)
	if v != Accepted {
		f.log.WithFields(logrus.Fields{"url": u, "reason": v.String()}).Debug("link rejected")
	}
	return v
}

func (f *Filter) IsCrawlable(u string) bool {
	return f.Admit(u) == Accepted
}

// FilterLinks canonicalizes hrefs found on base and returns the ones newly
// admitted for crawling, in input order. Unparseable links are dropped.
func (f *Filter) FilterLinks(base string, hrefs []string) []string {
	seen := make(map[string]struct{}, len(hrefs))
	candidates := make([]string, 0, len(hrefs))
	for _, h := range hrefs {
		c, err := Canonicalize(base, h)
		if err != nil {
			f.rejections[RejectMalformed].Add(1)
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		candidates = append(candidates, c)
	}
	f.agg.ObserveLinks(candidates)

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if f.IsCrawlable(c) {
			out = append(out, c)
		}
	}
	return out
}

// Rejections returns how many links ended with each verdict, Accepted included.
func (f *Filter) Rejections() map[Verdict]int64 {
	out := make(map[Verdict]int64, numVerdicts)
	for v := Verdict(0); v < numVerdicts; v++ {
		if n := f.rejections[v].Load(); n > 0 {
			out[v] = n
		}
	}
	return out
}

// inScope is false for every host when no domain is allowed.
func (f *Filter) inScope(host string) bool {
	for _, d := range f.allowed {
		if WithinDomain(host, d) {
			return true
		}
	}
	return false
}

func (f *Filter) isDenied(host, p string) bool {
	for _, d := range f.denied {
		if d.withPath {
			if d.g.Match(host + p) {
				return true
			}
		} else if d.g.Match(host) {
			return true
		}
	}
	return false
}

func (f *Filter) pathRule(host string) (PathRule, bool) {
	for _, r := range f.pathRules {
		if WithinDomain(host, r.Host) {
			return r, true
		}
	}
	return PathRule{}, false
}
