// Package disk stores the transaction log as one JSON file per transaction
// under a directory owned exclusively by a single process.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/pslog"

	"pkt.systems/txd/internal/loggingutil"
	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
)

const (
	lockFileName = "LOCK"
	tmpDirName   = ".tmp"
)

// Config configures the disk log.
type Config struct {
	Root   string
	Logger pslog.Logger
}

// Store is a directory-backed txlog.Log.
type Store struct {
	root   string
	tmpDir string
	lock   *os.File
	logger pslog.Logger
}

// Open creates root if needed and takes the directory lock.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("txlog/disk: root required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("txlog/disk: resolve root: %w", err)
	}
	tmpDir := filepath.Join(root, tmpDirName)
	if err := os.MkdirAll(tmpDir, 0o750); err != nil {
		return nil, fmt.Errorf("txlog/disk: create %s: %w", tmpDir, err)
	}
	lock, err := os.OpenFile(filepath.Join(root, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("txlog/disk: open lock file: %w", err)
	}
	if err := lockFile(lock); err != nil {
		lock.Close()
		return nil, fmt.Errorf("txlog/disk: %s is in use by another process: %w", root, err)
	}
	s := &Store{
		root:   root,
		tmpDir: tmpDir,
		lock:   lock,
		logger: loggingutil.WithSubsystem(cfg.Logger, "txlog.disk"),
	}
	s.cleanTmp()
	return s, nil
}

// Root returns the absolute log directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(id txn.ID) string {
	return filepath.Join(s.root, txlog.ObjectName(id))
}

// Write implements txlog.Log.
func (s *Store) Write(ctx context.Context, entry txlog.Entry) error {
	data, err := txlog.Encode(entry)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeAtomic(s.path(entry.TxnID), data); err != nil {
		return fmt.Errorf("txlog/disk: write %s: %w", entry.TxnID, err)
	}
	return nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "entry-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(s.root)
}

// Read implements txlog.Log.
func (s *Store) Read(ctx context.Context, id txn.ID) (txlog.Entry, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return txlog.Entry{}, txlog.ErrNotFound
		}
		return txlog.Entry{}, fmt.Errorf("txlog/disk: read %s: %w", id, err)
	}
	return txlog.Decode(data)
}

// List implements txlog.Log. Unreadable files are skipped and logged.
func (s *Store) List(ctx context.Context) ([]txlog.Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("txlog/disk: list: %w", err)
	}
	out := make([]txlog.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		id, ok := txlog.ParseObjectName(de.Name())
		if !ok {
			continue
		}
		entry, err := s.Read(ctx, id)
		if err != nil {
			s.logger.Warn("txlog.disk.list.skip", "file", de.Name(), "error", err)
			continue
		}
		out = append(out, entry)
	}
	txlog.Sort(out)
	return out, nil
}

// Remove implements txlog.Log.
func (s *Store) Remove(ctx context.Context, id txn.ID) error {
	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("txlog/disk: remove %s: %w", id, err)
	}
	return syncDir(s.root)
}

// Close releases the directory lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	err := errors.Join(unlockFile(s.lock), s.lock.Close())
	s.lock = nil
	return err
}

func (s *Store) cleanTmp() {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.tmpDir, e.Name())); err != nil {
			s.logger.Debug("txlog.disk.tmp.cleanup_failed", "file", e.Name(), "error", err)
		}
	}
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
