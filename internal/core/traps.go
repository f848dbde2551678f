package core

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultDatePattern matches a 4-digit 19xx/20xx year optionally followed by a
// 2-digit month and a 2-digit day, with or without -, _, . or / separators.
const DefaultDatePattern = `^(?:19|20)\d{2}(?:[-_./]?(?:0[1-9]|1[0-2])(?:[-_./]?(?:0[1-9]|[12]\d|3[01]))?)?$`

// DefaultTrapKeywords are path segments and query keys that signal calendar navigation.
var DefaultTrapKeywords = []string{"day", "month", "year", "date", "time"}

// TrapRules configures the calendar-trap heuristics.
type TrapRules struct {
	Keywords    []string `mapstructure:"keywords" json:"keywords"`
	DatePattern string   `mapstructure:"date_pattern" json:"date_pattern"`
}

func DefaultTrapRules() TrapRules {
	return TrapRules{
		Keywords:    append([]string(nil), DefaultTrapKeywords...),
		DatePattern: DefaultDatePattern,
	}
}

type trapDetector struct {
	keywords map[string]struct{}
	date     *regexp.Regexp
}

func newTrapDetector(r TrapRules) (*trapDetector, error) {
	d := &trapDetector{keywords: make(map[string]struct{}, len(r.Keywords))}
	for _, k := range r.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			d.keywords[k] = struct{}{}
		}
	}
	if r.DatePattern != "" {
		re, err := regexp.Compile(r.DatePattern)
		if err != nil {
			return nil, fmt.Errorf("trap date pattern: %w", err)
		}
		d.date = re
	}
	return d, nil
}

func (d *trapDetector) keyword(s string) bool {
	_, ok := d.keywords[strings.ToLower(s)]
	return ok
}

func (d *trapDetector) dateLike(s string) bool {
	return d.date != nil && d.date.MatchString(s)
}

// pathTrap reports whether any path segment is a trap keyword or a date.
func (d *trapDetector) pathTrap(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if s, err := url.PathUnescape(seg); err == nil {
			seg = s
		}
		if d.keyword(seg) || d.dateLike(seg) {
			return true
		}
	}
	return false
}

// queryTrap reports whether any query key is a trap keyword or any value is a date.
func (d *trapDetector) queryTrap(rawQuery string) bool {
	if rawQuery == "" {
		return false
	}
	for _, pair := range strings.FieldsFunc(rawQuery, func(r rune) bool { return r == '&' || r == ';' }) {
		k, v, _ := strings.Cut(pair, "=")
		if s, err := url.QueryUnescape(k); err == nil {
			k = s
		}
		if s, err := url.QueryUnescape(v); err == nil {
			v = s
		}
		if d.keyword(k) || d.dateLike(v) {
			return true
		}
	}
	return false
}
