package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/pathpolicy"
)

// maxRetentionDays is the largest day count whose duration fits in a
// time.Duration.
const maxRetentionDays = int(math.MaxInt64 / int64(24*time.Hour))

// CleanupResult reports what a retention pass removed.
type CleanupResult struct {
	DeletedCount  int   `json:"deletedCount"`
	ReleasedBytes int64 `json:"releasedBytes"`
}

// Catalog lists, serves and deletes archives in the backup store.
type Catalog struct {
	storePath string
	ext       string
	clock     clock.Clock
	logger    *zap.Logger
}

// NewCatalog creates a Catalog over the settings' backup store.
func NewCatalog(s Settings, clk clock.Clock, logger *zap.Logger) *Catalog {
	return &Catalog{
		storePath: s.StorePath(),
		ext:       s.ArchiveExt,
		clock:     clk,
		logger:    logger,
	}
}

// List returns every archive in the store, newest first. A store that does
// not exist yet holds no archives.
func (c *Catalog) List() ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(c.storePath)
	if errors.Is(err, fs.ErrNotExist) {
		return []ArchiveInfo{}, nil
	}
	if err != nil {
		return nil, ioFailure("reading backup store", err)
	}

	out := make([]ArchiveInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), c.ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, ArchiveInfo{
			Filename:  e.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Filename > out[j].Filename
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ValidateName rejects names that are empty, contain traversal tokens or
// separators, or lack the archive extension.
func (c *Catalog) ValidateName(filename string) error {
	switch {
	case filename == "":
		return fmt.Errorf("%w: filename is required", ErrInvalidName)
	case pathpolicy.IsTraversalUnsafe(filename):
		return fmt.Errorf("%w: %q", ErrInvalidName, filename)
	case !strings.HasSuffix(filename, c.ext) || filename == c.ext:
		return fmt.Errorf("%w: %q is not a %s archive", ErrInvalidName, filename, c.ext)
	}
	return nil
}

// Path validates filename and returns its location in the store, or
// ErrNotFound when no regular archive file exists there.
func (c *Catalog) Path(filename string) (string, error) {
	if err := c.ValidateName(filename); err != nil {
		return "", err
	}
	p := filepath.Join(c.storePath, filename)
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err != nil {
		return "", ioFailure("stat "+filename, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	return p, nil
}

// Open returns a reader over the named archive. The caller closes it.
func (c *Catalog) Open(filename string) (*os.File, ArchiveInfo, error) {
	p, err := c.Path(filename)
	if err != nil {
		return nil, ArchiveInfo{}, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ArchiveInfo{}, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err != nil {
		return nil, ArchiveInfo{}, ioFailure("opening "+filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ArchiveInfo{}, ioFailure("stat "+filename, err)
	}
	return f, ArchiveInfo{Filename: filename, Size: info.Size(), CreatedAt: info.ModTime()}, nil
}

// Delete removes the named archive and returns its size.
func (c *Catalog) Delete(filename string) (int64, error) {
	p, err := c.Path(filename)
	if err != nil {
		return 0, err
	}
	var size int64
	if info, err := os.Lstat(p); err == nil {
		size = info.Size()
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return 0, ioFailure("deleting "+filename, err)
	}
	return size, nil
}

// Cleanup deletes every archive whose modification time is at or before
// now minus maxAgeDays. Re-running with the same cutoff deletes nothing.
func (c *Catalog) Cleanup(maxAgeDays int) (CleanupResult, error) {
	if maxAgeDays < 0 {
		return CleanupResult{}, fmt.Errorf("%w: days must not be negative", ErrInvalidRequest)
	}
	archives, err := c.List()
	if err != nil {
		return CleanupResult{}, err
	}

	// Beyond maxRetentionDays the window predates any plausible mtime.
	if maxAgeDays > maxRetentionDays {
		maxAgeDays = maxRetentionDays
	}
	cutoff := c.clock.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	var res CleanupResult
	for _, a := range archives {
		if a.CreatedAt.After(cutoff) {
			continue
		}
		err := os.Remove(filepath.Join(c.storePath, a.Filename))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			c.logger.Warn("retention delete failed", zap.String("filename", a.Filename), zap.Error(err))
			continue
		}
		res.DeletedCount++
		res.ReleasedBytes += a.Size
	}
	return res, nil
}
