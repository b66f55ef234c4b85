// Package backup writes scheduled full backups of the
// ledger store and restores them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ledger/pkg/auth"
)

const (
	filePrefix = "ledger-"
	fileSuffix = ".bak"
	timeLayout = "20060102T150405Z"

	// DefaultRetainCount is used when Schedule.RetainCount
	// is zero.
	DefaultRetainCount = 7
)

// ErrInProgress is returned when a backup is requested
// while another one is running.
var ErrInProgress = errors.New("backup: already in progress")

// Store is the storage surface a backup needs.
type Store interface {
	Backup(w io.Writer, since uint64) (uint64, error)
	Load(r io.Reader) error
}

// Schedule defines when and where backups are written.
type Schedule struct {
	// Dir receives the backup files.
	Dir string `yaml:"dir"`

	// Interval between backups. Zero disables the
	// schedule; BackupNow still works.
	Interval time.Duration `yaml:"interval"`

	// RetainCount is the number of backups to keep.
	RetainCount int `yaml:"retain"`
}

// Status reports the state of the backup manager.
type Status struct {
	LastBackup       time.Time `json:"lastBackup"`
	LastBackupSize   int64     `json:"lastBackupSize"`
	LastPath         string    `json:"lastPath,omitempty"`
	BackupInProgress bool      `json:"backupInProgress"`
	NextScheduled    time.Time `json:"nextScheduled"`
	Failures         uint64    `json:"failures"`
}

// Config configures a Manager.
type Config struct {
	Store    Store
	Schedule Schedule
	Clock    auth.Clock
	Logger   *logrus.Logger
}

// Manager writes backups of one store.
type Manager struct { // A
	store    Store
	schedule Schedule
	clock    auth.Clock
	log      *logrus.Logger

	mu     sync.Mutex
	status Status
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) { // A
	if cfg.Store == nil {
		return nil, errors.New("backup: store is required")
	}
	if cfg.Schedule.Dir == "" {
		return nil, errors.New("backup: directory is required")
	}
	if cfg.Schedule.Interval < 0 || cfg.Schedule.RetainCount < 0 {
		return nil, errors.New("backup: interval and retain must not be negative")
	}
	if cfg.Schedule.RetainCount == 0 {
		cfg.Schedule.RetainCount = DefaultRetainCount
	}
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if err := os.MkdirAll(cfg.Schedule.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return &Manager{
		store:    cfg.Store,
		schedule: cfg.Schedule,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}, nil
}

// Status returns a copy of the current status.
func (m *Manager) Status() Status { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// BackupNow writes a full backup and prunes old ones. It
// returns the path of the new file.
func (m *Manager) BackupNow(ctx context.Context) (string, error) { // A
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	if m.status.BackupInProgress {
		m.mu.Unlock()
		return "", ErrInProgress
	}
	m.status.BackupInProgress = true
	m.mu.Unlock()

	now := m.clock.Now().UTC()
	path, size, err := m.write(now)

	m.mu.Lock()
	m.status.BackupInProgress = false
	if err != nil {
		m.status.Failures++
	} else {
		m.status.LastBackup = now
		m.status.LastBackupSize = size
		m.status.LastPath = path
	}
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).Error("Backup failed")
		return "", err
	}
	m.log.WithFields(logrus.Fields{
		"path": path,
		"size": size,
	}).Info("Backup written")

	if err := m.prune(); err != nil {
		m.log.WithError(err).Warn("Pruning old backups failed")
	}
	return path, nil
}

func (m *Manager) write(now time.Time) (string, int64, error) { // A
	name := filePrefix + now.Format(timeLayout) + fileSuffix
	path := filepath.Join(m.schedule.Dir, name)

	tmp, err := os.CreateTemp(m.schedule.Dir, name+".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create backup file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := m.store.Backup(tmp, 0); err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("sync backup file: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("stat backup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close backup file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("publish backup file: %w", err)
	}
	return path, info.Size(), nil
}

// List returns the backup files, oldest first.
func (m *Manager) List() ([]string, error) { // A
	files, err := filepath.Glob(filepath.Join(m.schedule.Dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (m *Manager) prune() error { // A
	files, err := m.List()
	if err != nil {
		return err
	}
	var errs []error
	for len(files) > m.schedule.RetainCount {
		if err := os.Remove(files[0]); err != nil {
			errs = append(errs, err)
		}
		files = files[1:]
	}
	return errors.Join(errs...)
}

// Run writes a backup every Interval until ctx is done.
// Failures are logged and counted; the schedule continues.
func (m *Manager) Run(ctx context.Context) error { // A
	if m.schedule.Interval == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.schedule.Interval)
	defer ticker.Stop()
	m.setNext()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.BackupNow(ctx); err != nil && ctx.Err() != nil {
				return nil
			}
			m.setNext()
		}
	}
}

func (m *Manager) setNext() { // A
	m.mu.Lock()
	m.status.NextScheduled = m.clock.Now().Add(m.schedule.Interval)
	m.mu.Unlock()
}

// Restore loads the backup at path into store. The store
// must not be serving writes.
func Restore(store Store, path string) error { // A
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()
	return store.Load(f)
}
