package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/okpulse/crawlstats/internal/core"
)

type snapshotRow struct {
	ID              uint `gorm:"primaryKey"`
	RunID           string
	Version         uint64
	RootDomain      string
	UniqueCount     int
	LongestURL      string
	LongestWords    int
	TotalSubdomains int
	DistinctLinks   uint64
	LinkSketch      []byte
	SnapshotAt      time.Time
}

func (snapshotRow) TableName() string { return "snapshots" }

type wordRow struct {
	Seq   int    `gorm:"primaryKey;autoIncrement:false"`
	Word  string `gorm:"uniqueIndex;not null"`
	Count int    `gorm:"not null"`
}

func (wordRow) TableName() string { return "word_counts" }

type subdomainRow struct {
	Host  string `gorm:"primaryKey"`
	Count int    `gorm:"not null"`
}

func (subdomainRow) TableName() string { return "subdomain_counts" }

type seenURLRow struct {
	URL string `gorm:"primaryKey"`
}

func (seenURLRow) TableName() string { return "seen_urls" }

type pendingURLRow struct {
	URL string `gorm:"primaryKey"`
}

func (pendingURLRow) TableName() string { return "pending_urls" }

const snapshotID = 1

// SQLiteStore keeps the snapshot in a SQLite database. Each Persist replaces
// all rows in one transaction.
type SQLiteStore struct {
	db        *gorm.DB
	batchSize int
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", dbPath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&snapshotRow{}, &wordRow{}, &subdomainRow{}, &seenURLRow{}, &pendingURLRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db, batchSize: 500}, nil
}

func (s *SQLiteStore) Persist(snap core.Snapshot) error {
	words := make([]wordRow, 0, len(snap.Words))
	for i, w := range snap.Words {
		words = append(words, wordRow{Seq: i, Word: w.Word, Count: w.Count})
	}
	subs := make([]subdomainRow, 0, len(snap.Subdomains))
	for h, n := range snap.Subdomains {
		subs = append(subs, subdomainRow{Host: h, Count: n})
	}
	seen := make([]seenURLRow, 0, len(snap.SeenURLs))
	for _, u := range snap.SeenURLs {
		seen = append(seen, seenURLRow{URL: u})
	}
	pending := make([]pendingURLRow, 0, len(snap.Pending))
	for _, u := range snap.Pending {
		pending = append(pending, pendingURLRow{URL: u})
	}
	head := snapshotRow{
		ID:              snapshotID,
		RunID:           snap.RunID,
		Version:         snap.Version,
		RootDomain:      snap.RootDomain,
		UniqueCount:     snap.UniqueCount,
		LongestURL:      snap.LongestPage.URL,
		LongestWords:    snap.LongestPage.WordCount,
		TotalSubdomains: snap.TotalSubdomains,
		DistinctLinks:   snap.DistinctLinks,
		LinkSketch:      snap.LinkSketch,
		SnapshotAt:      snap.UpdatedAt,
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, table := range []string{"word_counts", "subdomain_counts", "seen_urls", "pending_urls"} {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if err := tx.Save(&head).Error; err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		if len(words) > 0 {
			if err := tx.CreateInBatches(words, s.batchSize).Error; err != nil {
				return fmt.Errorf("save words: %w", err)
			}
		}
		if len(subs) > 0 {
			if err := tx.CreateInBatches(subs, s.batchSize).Error; err != nil {
				return fmt.Errorf("save subdomains: %w", err)
			}
		}
		if len(seen) > 0 {
			if err := tx.CreateInBatches(seen, s.batchSize).Error; err != nil {
				return fmt.Errorf("save seen urls: %w", err)
			}
		}
		if len(pending) > 0 {
			if err := tx.CreateInBatches(pending, s.batchSize).Error; err != nil {
				return fmt.Errorf("save pending urls: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Restore() (*core.Snapshot, error) {
	var out *core.Snapshot
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var head snapshotRow
		if err := tx.First(&head, snapshotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		var words []wordRow
		if err := tx.Order("seq").Find(&words).Error; err != nil {
			return err
		}
		var subs []subdomainRow
		if err := tx.Find(&subs).Error; err != nil {
			return err
		}
		var seen []seenURLRow
		if err := tx.Order("url").Find(&seen).Error; err != nil {
			return err
		}
		var pending []pendingURLRow
		if err := tx.Order("url").Find(&pending).Error; err != nil {
			return err
		}

		snap := &core.Snapshot{
			RunID:           head.RunID,
			Version:         head.Version,
			RootDomain:      head.RootDomain,
			UniqueCount:     head.UniqueCount,
			LongestPage:     core.LongestPage{URL: head.LongestURL, WordCount: head.LongestWords},
			Words:           make([]core.WordCount, 0, len(words)),
			Subdomains:      make(map[string]int, len(subs)),
			TotalSubdomains: head.TotalSubdomains,
			SeenURLs:        make([]string, 0, len(seen)),
			LinkSketch:      head.LinkSketch,
			DistinctLinks:   head.DistinctLinks,
			UpdatedAt:       head.SnapshotAt,
		}
		for _, w := range words {
			snap.Words = append(snap.Words, core.WordCount{Word: w.Word, Count: w.Count})
		}
		for _, sd := range subs {
			snap.Subdomains[sd.Host] = sd.Count
		}
		for _, u := range seen {
			snap.SeenURLs = append(snap.SeenURLs, u.URL)
		}
		for _, u := range pending {
			snap.Pending = append(snap.Pending, u.URL)
		}
		out = snap
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
