// Command report renders the last persisted crawl snapshot into the text report.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/okpulse/crawlstats/internal/config"
	"github.com/okpulse/crawlstats/internal/report"
	"github.com/okpulse/crawlstats/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "config file (yaml, toml or json)")
	out := flag.String("out", "", "report path (defaults to report.path from the config, - for stdout)")
	flag.Parse()

	if err := run(*cfgPath, *out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, out string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := cfg.Logger()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.Restore()
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("no snapshot in %s store at %s", cfg.Store.Driver, cfg.Store.Path)
	}

	if out == "" {
		out = cfg.Report.Path
	}
	if out == "-" {
		_, err := os.Stdout.WriteString(report.Render(*snap))
		return err
	}
	if err := report.Write(out, *snap); err != nil {
		return err
	}
	log.WithField("path", out).WithField("unique", snap.UniqueCount).Info("report written")
	return nil
}
