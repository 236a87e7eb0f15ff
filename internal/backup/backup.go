// Package backup snapshots the SQLite memory store, verifies the snapshots
// and prunes them under a tiered retention policy.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoDatabase is returned when the database file does not exist.
var ErrNoDatabase = errors.New("backup: database not found")

const filePrefix = "companion-"

// Retention is how many snapshots to keep per age tier. Snapshots older
// than a year are always removed.
type Retention struct {
	Hourly  int // younger than a day
	Daily   int // one to seven days
	Weekly  int // seven to thirty days
	Monthly int // thirty days to a year
}

// DefaultRetention keeps a day of hourlies, a week of dailies, a month of
// weeklies and a year of monthlies.
func DefaultRetention() Retention {
	return Retention{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Config configures a Service.
type Config struct {
	DBPath    string
	Dir       string
	Interval  time.Duration // 0 disables Run
	Verify    bool
	Retention Retention
	Logger    *zap.Logger
	Now       func() time.Time
}

// Snapshot describes one backup file.
type Snapshot struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Verified  bool      `json:"verified"`
}

// Status reports the state of scheduled backups.
type Status struct {
	Status     string    `json:"status"` // healthy or warning
	Message    string    `json:"message"`
	LastBackup time.Time `json:"last_backup"`
	Snapshots  int       `json:"snapshots"`
	DiskUsed   int64     `json:"disk_used"`
	Dir        string    `json:"dir"`
}

// Service creates and manages snapshots of one database.
type Service struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	last time.Time
}

// New validates cfg and creates the backup directory.
func New(cfg Config) (*Service, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("backup: database path is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("backup: backup directory is required")
	}
	def := DefaultRetention()
	if cfg.Retention.Hourly <= 0 {
		cfg.Retention.Hourly = def.Hourly
	}
	if cfg.Retention.Daily <= 0 {
		cfg.Retention.Daily = def.Daily
	}
	if cfg.Retention.Weekly <= 0 {
		cfg.Retention.Weekly = def.Weekly
	}
	if cfg.Retention.Monthly <= 0 {
		cfg.Retention.Monthly = def.Monthly
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create directory: %w", err)
	}
	return &Service{cfg: cfg, logger: logger}, nil
}

// Run takes a snapshot every Interval until ctx is done. Failed snapshots
// are logged and retried at the next tick.
func (s *Service) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduled backups enabled",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("dir", s.cfg.Dir))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := s.Create(ctx)
			if err != nil {
				s.logger.Warn("scheduled backup failed", zap.Error(err))
				continue
			}
			s.logger.Info("backup created",
				zap.String("path", snap.Path),
				zap.Int64("size", snap.Size),
				zap.Bool("verified", snap.Verified))
		}
	}
}

// Create writes a consistent snapshot, verifies it when configured, and
// then applies retention. A retention failure does not fail the snapshot.
func (s *Service) Create(ctx context.Context) (*Snapshot, error) {
	if _, err := os.Stat(s.cfg.DBPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDatabase, s.cfg.DBPath)
	}

	now := s.cfg.Now()
	path := filepath.Join(s.cfg.Dir, filePrefix+now.UTC().Format("20060102-150405.000000")+".db")
	if err := snapshot(ctx, s.cfg.DBPath, path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: stat snapshot: %w", err)
	}
	snap := &Snapshot{Path: path, Timestamp: now, Size: info.Size()}

	if s.cfg.Verify {
		if err := verify(ctx, path); err != nil {
			return snap, err
		}
		snap.Verified = true
	}

	s.mu.Lock()
	s.last = now
	s.mu.Unlock()

	if err := prune(s.cfg.Dir, s.cfg.Retention, now); err != nil {
		s.logger.Warn("failed to apply backup retention", zap.Error(err))
	}
	return snap, nil
}

// List returns the snapshots, newest first.
func (s *Service) List() ([]Snapshot, error) {
	return list(s.cfg.Dir)
}

// Restore replaces the database with the snapshot at path. The store must
// not be open. On failure the previous database is put back.
func (s *Service) Restore(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup: snapshot not found: %w", err)
	}

	rollback := s.cfg.DBPath + ".pre-restore"
	haveCurrent := false
	if _, err := os.Stat(s.cfg.DBPath); err == nil {
		_ = os.Remove(rollback)
		if err := snapshot(ctx, s.cfg.DBPath, rollback); err != nil {
			return fmt.Errorf("backup: save current database: %w", err)
		}
		haveCurrent = true
		defer os.Remove(rollback)
	}

	if err := restore(ctx, path, s.cfg.DBPath); err != nil {
		if !haveCurrent {
			return err
		}
		if rbErr := restore(ctx, rollback, s.cfg.DBPath); rbErr != nil {
			return fmt.Errorf("backup: restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
		}
		return fmt.Errorf("backup: restore failed, previous database kept: %w", err)
	}
	s.logger.Info("database restored", zap.String("from", path))
	return nil
}

// Health summarizes the snapshots on disk and flags overdue backups.
func (s *Service) Health() (*Status, error) {
	snaps, err := s.List()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last.IsZero() && len(snaps) > 0 {
		last = snaps[0].Timestamp
	}

	st := &Status{Status: "healthy", LastBackup: last, Snapshots: len(snaps), Dir: s.cfg.Dir}
	for _, snap := range snaps {
		st.DiskUsed += snap.Size
	}
	age := s.cfg.Now().Sub(last)
	switch {
	case last.IsZero():
		st.Message = "no backups yet"
	case s.cfg.Interval > 0 && age > 2*s.cfg.Interval:
		st.Status = "warning"
		st.Message = fmt.Sprintf("backup overdue by %v", (age - s.cfg.Interval).Round(time.Minute))
	default:
		st.Message = fmt.Sprintf("last backup %v ago", age.Round(time.Minute))
	}
	return st, nil
}
