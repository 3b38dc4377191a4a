// Package backup takes periodic file snapshots of the sqlite database.
package backup

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"beacon/internal/config"
	"beacon/internal/observability"
)

const (
	// interval between snapshots once the first one has been taken.
	interval = 6 * time.Hour
	// startupDelay before the first snapshot, so a crash-looping process
	// does not churn the backup directory.
	startupDelay = 5 * time.Second
	// keep is how many most recent snapshots survive pruning.
	keep = 5

	filePrefix = "beacon-"
	fileSuffix = ".db"
)

// Scheduler copies the sqlite database file into the backup directory on a
// fixed cadence, pruning old copies. It is a no-op outside production and
// for the postgres driver, which has its own backup tooling.
type Scheduler struct {
	dbPath  string
	dir     string
	enabled bool
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewScheduler creates a scheduler from the runtime configuration.
func NewScheduler(cfg *config.Config) *Scheduler {
	return &Scheduler{
		dbPath:  cfg.DBPath,
		dir:     cfg.BackupDir,
		enabled: cfg.IsProduction() && cfg.DBDriver == "sqlite",
		logger:  observability.Logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the snapshot loop. Returns immediately.
func (s *Scheduler) Start() {
	if !s.enabled {
		return
	}
	go s.run()
}

// Stop terminates the loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) run() {
	select {
	case <-s.stopCh:
		return
	case <-time.After(startupDelay):
	}
	s.snapshotAndPrune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.snapshotAndPrune()
		}
	}
}

func (s *Scheduler) snapshotAndPrune() {
	if err := s.Snapshot(); err != nil {
		s.logger.Error("database backup failed", slog.String("error", err.Error()))
		return
	}
	if err := s.Prune(); err != nil {
		s.logger.Warn("backup prune failed", slog.String("error", err.Error()))
	}
}

// Snapshot copies the database file into the backup directory under a
// timestamped name.
func (s *Scheduler) Snapshot() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	src, err := os.Open(s.dbPath)
	if err != nil {
		return fmt.Errorf("open database file: %w", err)
	}
	defer func() { _ = src.Close() }()

	name := filePrefix + time.Now().UTC().Format("20060102-150405") + fileSuffix
	target := filepath.Join(s.dir, name)

	// Write to a temp name first so a partial copy never looks like a
	// usable backup.
	tmp := target + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy database: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close backup file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize backup: %w", err)
	}

	s.logger.Info("database backup written", slog.String("file", target))
	return nil
}

// Prune deletes all but the most recent snapshots.
func (s *Scheduler) Prune() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > len(filePrefix)+len(fileSuffix) &&
			name[:len(filePrefix)] == filePrefix &&
			name[len(name)-len(fileSuffix):] == fileSuffix {
			names = append(names, name)
		}
	}
	if len(names) <= keep {
		return nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}
	return nil
}
