// Package config loads crawl settings from an optional config file, the
// environment (CRAWLSTATS_ prefix) and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/okpulse/crawlstats/internal/core"
)

var ErrInvalid = errors.New("invalid config")

type Scope struct {
	AllowedDomains []string        `mapstructure:"allowed_domains"`
	RootDomain     string          `mapstructure:"root_domain"`
	DeniedHosts    []string        `mapstructure:"denied_hosts"`
	PathRules      []core.PathRule `mapstructure:"path_rules"`
	Extensions     []string        `mapstructure:"extensions"`
}

type Words struct {
	StopwordsFile  string `mapstructure:"stopwords_file"`
	DictionaryFile string `mapstructure:"dictionary_file"`
	Stem           bool   `mapstructure:"stem"`
}

type Store struct {
	Driver        string        `mapstructure:"driver"`
	Path          string        `mapstructure:"path"`
	FlushEvery    uint64        `mapstructure:"flush_every"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Retries       int           `mapstructure:"retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type Crawler struct {
	Seeds     []string      `mapstructure:"seeds"`
	Workers   int           `mapstructure:"workers"`
	UserAgent string        `mapstructure:"user_agent"`
	MaxPages  int           `mapstructure:"max_pages"`
	HostRPS   float64       `mapstructure:"host_rps"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxBytes  int64         `mapstructure:"max_bytes"`
}

type Report struct {
	Path string `mapstructure:"path"`
}

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Scope   Scope          `mapstructure:"scope"`
	Traps   core.TrapRules `mapstructure:"traps"`
	Words   Words          `mapstructure:"words"`
	Store   Store          `mapstructure:"store"`
	Report  Report         `mapstructure:"report"`
	Crawler Crawler        `mapstructure:"crawler"`
	Server  Server         `mapstructure:"server"`
	Log     Log            `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scope.allowed_domains", []string{"ics.uci.edu", "cs.uci.edu", "informatics.uci.edu", "stat.uci.edu"})
	v.SetDefault("scope.root_domain", "")
	v.SetDefault("scope.denied_hosts", []string{})
	v.SetDefault("scope.path_rules", []map[string]any{
		{"host": "today.uci.edu", "prefix": "/department/information_computer_sciences/"},
	})
	v.SetDefault("scope.extensions", core.DefaultExtensions)
	v.SetDefault("traps.keywords", core.DefaultTrapKeywords)
	v.SetDefault("traps.date_pattern", core.DefaultDatePattern)
	v.SetDefault("words.stem", false)
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "data/state.json")
	v.SetDefault("store.flush_every", 50)
	v.SetDefault("store.flush_interval", 10*time.Second)
	v.SetDefault("store.retries", 3)
	v.SetDefault("store.retry_backoff", 200*time.Millisecond)
	v.SetDefault("report.path", "data/report.txt")
	v.SetDefault("crawler.seeds", []string{
		"https://www.ics.uci.edu", "https://www.cs.uci.edu",
		"https://www.informatics.uci.edu", "https://www.stat.uci.edu",
	})
	v.SetDefault("crawler.workers", 8)
	v.SetDefault("crawler.user_agent", "crawlstats/1.0 (+local)")
	v.SetDefault("crawler.max_pages", 2000)
	v.SetDefault("crawler.host_rps", 2.0)
	v.SetDefault("crawler.timeout", 15*time.Second)
	v.SetDefault("crawler.max_bytes", 4<<20)
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path (optional) and the environment on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("crawlstats")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Scope.RootDomain == "" && len(cfg.Scope.AllowedDomains) > 0 {
		cfg.Scope.RootDomain = core.RootDomain(cfg.Scope.AllowedDomains[0])
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if len(c.Scope.AllowedDomains) == 0 {
		return fmt.Errorf("%w: scope.allowed_domains must not be empty", ErrInvalid)
	}
	switch strings.ToLower(c.Store.Driver) {
	case "file", "sqlite":
	default:
		return fmt.Errorf("%w: store.driver must be file or sqlite, got %q", ErrInvalid, c.Store.Driver)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path must be set", ErrInvalid)
	}
	if c.Store.Retries < 0 {
		return fmt.Errorf("%w: store.retries must be >= 0", ErrInvalid)
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("%w: crawler.workers must be > 0", ErrInvalid)
	}
	if c.Crawler.HostRPS <= 0 {
		return fmt.Errorf("%w: crawler.host_rps must be > 0", ErrInvalid)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	return nil
}

// FilterConfig maps the scope and trap settings onto the link filter.
func (c Config) FilterConfig() core.FilterConfig {
	return core.FilterConfig{
		AllowedDomains: c.Scope.AllowedDomains,
		DeniedHosts:    c.Scope.DeniedHosts,
		PathRules:      c.Scope.PathRules,
		Extensions:     c.Scope.Extensions,
		Traps:          c.Traps,
	}
}

// WordFilter builds the word filter, reading the stop-word and dictionary files if set.
func (c Config) WordFilter() (*core.WordFilter, error) {
	opts := core.WordOptions{Stem: c.Words.Stem}
	if c.Words.StopwordsFile != "" {
		words, err := core.LoadWordList(c.Words.StopwordsFile)
		if err != nil {
			return nil, fmt.Errorf("stop words: %w", err)
		}
		opts.StopWords = words
	}
	if c.Words.DictionaryFile != "" {
		words, err := core.LoadWordList(c.Words.DictionaryFile)
		if err != nil {
			return nil, fmt.Errorf("dictionary: %w", err)
		}
		opts.Dictionary = words
	}
	return core.NewWordFilter(opts)
}

// Logger configures a logrus logger from the log section.
func (c Config) Logger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if strings.EqualFold(c.Log.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
