// Package cache persists gallery records on disk with a TTL, fronted by a
// small in-memory LRU.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
	"github.com/JakeFAU/gallery-proxy/internal/metrics"
)

const (
	entryExt  = ".json"
	tempExt   = ".tmp"
	dirPerm   = 0o750
	entryPerm = 0o600
)

// Config captures the parameters for the file-backed record cache.
type Config struct {
	Dir string
	TTL time.Duration
	// MemoryEntries bounds the in-memory layer; zero disables it.
	MemoryEntries int
}

// entry is the on-disk envelope. CachedAt is Unix seconds.
type entry struct {
	CachedAt float64        `json:"cached_at"`
	Data     gallery.Record `json:"data"`
}

func (e entry) cachedAt() time.Time {
	return time.UnixMicro(int64(math.Round(e.CachedAt * 1e6))).UTC()
}

// FileStore stores one JSON file per gallery id. All operations are
// serialized by a single mutex; writes go through a temp file and rename.
type FileStore struct {
	dir    string
	ttl    time.Duration
	clock  gallery.Clock
	logger *zap.Logger

	mu  sync.Mutex
	hot *expirable.LRU[int, entry]
}

// New creates the cache directory if needed and returns a FileStore.
func New(cfg Config, clock gallery.Clock, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("cache directory is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &FileStore{
		dir:    cfg.Dir,
		ttl:    cfg.TTL,
		clock:  clock,
		logger: logger,
	}
	if cfg.MemoryEntries > 0 {
		s.hot = expirable.NewLRU[int, entry](cfg.MemoryEntries, nil, cfg.TTL)
	}
	return s, nil
}

// Get returns the cached record for galleryID. Expired or unreadable entries
// are removed and reported as a miss.
func (s *FileStore) Get(galleryID int) (gallery.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.hot != nil {
		if e, ok := s.hot.Get(galleryID); ok {
			// The file stays authoritative; another process may have removed it.
			if s.fresh(e, now) && s.onDisk(galleryID) {
				metrics.ObserveCacheLookup(true)
				return e.Data.Clone(), true
			}
			s.hot.Remove(galleryID)
		}
	}

	e, err := s.read(galleryID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		metrics.ObserveCacheLookup(false)
		return gallery.Record{}, false
	case err != nil:
		s.logger.Warn("removing unreadable cache entry", zap.Int("gallery_id", galleryID), zap.Error(err))
		s.remove(s.path(galleryID))
		metrics.ObserveCacheLookup(false)
		return gallery.Record{}, false
	}

	if !s.fresh(e, now) {
		s.logger.Debug("removing expired cache entry", zap.Int("gallery_id", galleryID))
		s.remove(s.path(galleryID))
		metrics.ObserveCacheLookup(false)
		return gallery.Record{}, false
	}
	if s.hot != nil {
		s.hot.Add(galleryID, e)
	}
	metrics.ObserveCacheLookup(true)
	return e.Data.Clone(), true
}

// Set persists record for galleryID. Failures are logged and reported as
// false, never propagated.
func (s *FileStore) Set(galleryID int, record gallery.Record) bool {
	now := s.clock.Now()
	e := entry{
		CachedAt: float64(now.UnixMicro()) / 1e6,
		Data:     record.Clone(),
	}
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to encode cache entry", zap.Int("gallery_id", galleryID), zap.Error(err))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAtomic(s.path(galleryID), payload); err != nil {
		s.logger.Error("failed to write cache entry", zap.Int("gallery_id", galleryID), zap.Error(err))
		return false
	}
	if s.hot != nil {
		s.hot.Add(galleryID, e)
	}
	return true
}

// Clear removes every entry and returns how many files were deleted.
func (s *FileStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hot != nil {
		s.hot.Purge()
	}
	removed := 0
	for _, name := range s.list() {
		if s.remove(filepath.Join(s.dir, name)) {
			removed++
		}
	}
	s.logger.Info("cache cleared", zap.Int("removed", removed))
	return removed
}

// CleanupExpired removes expired and unreadable entries and returns how many
// were deleted.
func (s *FileStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for _, name := range s.list() {
		path := filepath.Join(s.dir, name)
		if strings.HasSuffix(name, tempExt) {
			if s.remove(path) {
				removed++
			}
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, entryExt))
		if err != nil {
			continue
		}
		e, err := s.read(id)
		if err == nil && s.fresh(e, now) {
			continue
		}
		if s.hot != nil {
			s.hot.Remove(id)
		}
		if s.remove(path) {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("expired cache entries removed", zap.Int("removed", removed))
	}
	return removed
}

// RunSweeper calls CleanupExpired every interval until ctx is cancelled.
func (s *FileStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupExpired()
		}
	}
}

// fresh rejects entries stamped in the future as well as expired ones.
func (s *FileStore) fresh(e entry, now time.Time) bool {
	cachedAt := e.cachedAt()
	if cachedAt.After(now) {
		return false
	}
	return now.Sub(cachedAt) < s.ttl
}

func (s *FileStore) onDisk(galleryID int) bool {
	_, err := os.Stat(s.path(galleryID))
	return err == nil
}

func (s *FileStore) path(galleryID int) string {
	return filepath.Join(s.dir, strconv.Itoa(galleryID)+entryExt)
}

func (s *FileStore) read(galleryID int) (entry, error) {
	raw, err := os.ReadFile(s.path(galleryID))
	if err != nil {
		return entry{}, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	if e.CachedAt <= 0 {
		return entry{}, errors.New("cache entry missing cached_at")
	}
	if e.Data.ID != galleryID {
		return entry{}, fmt.Errorf("cache entry holds gallery %d", e.Data.ID)
	}
	return e, nil
}

func (s *FileStore) writeAtomic(path string, payload []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+"-*"+tempExt)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, entryPerm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) list() []string {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("failed to list cache directory", zap.String("dir", s.dir), zap.Error(err))
		return nil
	}
	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasSuffix(name, entryExt) || strings.HasSuffix(name, tempExt) {
			names = append(names, name)
		}
	}
	return names
}

func (s *FileStore) remove(path string) bool {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove cache file", zap.String("path", path), zap.Error(err))
		}
		return false
	}
	return true
}

var _ gallery.RecordCache = (*FileStore)(nil)
