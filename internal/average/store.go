// Package average accumulates completed scan runs, keeps their running mean
// and checkpoints the mean of every K new runs to disk, retaining only the
// M most recent checkpoint files.
package average

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/energyscan/internal/fsutil"
	"github.com/banshee-data/energyscan/internal/monitoring"
	"github.com/banshee-data/energyscan/internal/spectrum"
)

// ErrNoRuns is returned when a mean is requested before any run completed.
var ErrNoRuns = errors.New("average: no completed runs")

// CheckpointError reports a checkpoint that could not be written. The runs
// it covered stay pending.
type CheckpointError struct {
	Path string
	Err  error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("average: write checkpoint %s: %v", e.Path, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// Config controls checkpoint cadence and retention.
type Config struct {
	Dir       string
	SaveEvery int // K
	Keep      int // M
	FS        fsutil.FileSystem
}

// Store is safe for concurrent use; the scan loop writes and display
// readers take snapshots.
type Store struct {
	dir       string
	saveEvery int
	keep      int
	fsys      fsutil.FileSystem
	log       *logrus.Entry

	mu        sync.RWMutex
	completed []spectrum.Spectrum
	pending   []spectrum.Spectrum
	mean      spectrum.Spectrum
	batches   int
	saved     []string
}

func New(cfg Config) (*Store, error) {
	if cfg.SaveEvery < 1 {
		return nil, fmt.Errorf("average: save every must be at least 1, got %d", cfg.SaveEvery)
	}
	if cfg.Keep < 1 {
		return nil, fmt.Errorf("average: keep must be at least 1, got %d", cfg.Keep)
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	return &Store{
		dir:       cfg.Dir,
		saveEvery: cfg.SaveEvery,
		keep:      cfg.Keep,
		fsys:      cfg.FS,
		log:       monitoring.Component("average").WithField("dir", cfg.Dir),
	}, nil
}

// AddRun records a completed run, refreshes the running mean and writes a
// checkpoint once K runs are pending. A run whose energy grid differs from
// the earlier runs is rejected and nothing changes.
func (s *Store) AddRun(run spectrum.Spectrum) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run = run.Clone()
	completed := append(s.completed, run)
	mean, err := spectrum.Mean(completed...)
	if err != nil {
		return err
	}
	s.completed = completed
	s.mean = mean
	s.pending = append(s.pending, run)

	if len(s.pending) < s.saveEvery {
		return nil
	}
	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	batch, err := spectrum.Mean(s.pending...)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%d.asc", (s.batches+1)*s.saveEvery)
	path := filepath.Join(s.dir, name)

	data, err := spectrum.Encode(batch)
	if err != nil {
		return &CheckpointError{Path: path, Err: err}
	}
	if s.dir != "" {
		if err := s.fsys.MkdirAll(s.dir, 0o755); err != nil {
			return &CheckpointError{Path: path, Err: err}
		}
	}
	if err := fsutil.WriteFileAtomic(s.fsys, path, data, 0o644); err != nil {
		return &CheckpointError{Path: path, Err: err}
	}

	s.batches++
	s.pending = nil
	s.saved = append(s.saved, path)
	s.log.WithFields(logrus.Fields{"file": path, "runs": len(s.completed)}).Info("checkpoint saved")

	for len(s.saved) > s.keep {
		old := s.saved[0]
		s.saved = s.saved[1:]
		if err := s.fsys.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.WithError(err).WithField("file", old).Warn("could not delete old checkpoint")
			continue
		}
		s.log.WithField("file", old).Debug("old checkpoint deleted")
	}
	return nil
}

// Reset drops the runs of the previous plan. The checkpoint counter and the
// retention window carry over so new files never overwrite older ones.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = nil
	s.pending = nil
	s.mean = spectrum.Spectrum{}
}

// Mean returns the running mean over every completed run.
func (s *Store) Mean() (spectrum.Spectrum, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.completed) == 0 {
		return spectrum.Spectrum{}, false
	}
	return s.mean.Clone(), true
}

// Snapshot is a point-in-time view of the store.
type Snapshot struct {
	Completed int      `json:"completed"`
	Pending   int      `json:"pending"`
	Batches   int      `json:"batches"`
	Saved     []string `json:"saved"`
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Completed: len(s.completed),
		Pending:   len(s.pending),
		Batches:   s.batches,
		Saved:     append([]string(nil), s.saved...),
	}
}

// SaveMean writes the running mean to path in checkpoint format.
func (s *Store) SaveMean(path string) error {
	mean, ok := s.Mean()
	if !ok {
		return ErrNoRuns
	}
	data, err := spectrum.Encode(mean)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := s.fsys.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("average: %w", err)
		}
	}
	if err := fsutil.WriteFileAtomic(s.fsys, path, data, 0o644); err != nil {
		return fmt.Errorf("average: save mean: %w", err)
	}
	s.log.WithField("file", path).Info("running mean saved")
	return nil
}

// LoadFile reads a checkpoint or saved mean.
func LoadFile(fsys fsutil.FileSystem, path string) (spectrum.Spectrum, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		return spectrum.Spectrum{}, err
	}
	return spectrum.Read(bytes.NewReader(data))
}
