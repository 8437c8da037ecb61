// Package backup produces, catalogs and restores point-in-time zip archives
// of the application data root.
package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/confguard"
	"github.com/HerbHall/sitebackup/internal/pathpolicy"
)

// Archive name prefixes.
const (
	BackupPrefix     = "backup-"
	PreRestorePrefix = "pre-restore-"
)

// timestampLayout sorts lexically in creation order and is safe in filenames.
const timestampLayout = "2006-01-02T15-04-05.000Z"

// ArchiveInfo describes one archive in the backup store.
type ArchiveInfo struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Builder writes archives of the data root into the backup store.
type Builder struct {
	dataRoot    string
	storePath   string
	ext         string
	configEntry string
	policy      *pathpolicy.Policy
	guard       *confguard.Guard
	clock       clock.Clock
	logger      *zap.Logger
}

// NewBuilder creates a Builder for the given settings.
func NewBuilder(s Settings, policy *pathpolicy.Policy, guard *confguard.Guard, clk clock.Clock, logger *zap.Logger) *Builder {
	return &Builder{
		dataRoot:    s.DataRoot,
		storePath:   s.StorePath(),
		ext:         s.ArchiveExt,
		configEntry: s.Config.EntryName,
		policy:      policy,
		guard:       guard,
		clock:       clk,
		logger:      logger,
	}
}

// Create archives the data root (minus reserved paths) plus the canonical
// configuration document. The archive is assembled in a temp file and only
// renamed to its final name once the zip stream is closed; on failure the
// temp file is removed and nothing is added to the catalog.
func (b *Builder) Create(_ context.Context, prefix string) (ArchiveInfo, error) {
	if err := os.MkdirAll(b.storePath, 0o755); err != nil {
		return ArchiveInfo{}, ioFailure("creating backup store", err)
	}

	tmp, err := os.CreateTemp(b.storePath, ".building-*.tmp")
	if err != nil {
		return ArchiveInfo{}, ioFailure("creating temp archive", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	if err := b.addDataRoot(zw); err != nil {
		_ = zw.Close()
		return ArchiveInfo{}, err
	}
	if err := b.addConfig(zw); err != nil {
		_ = zw.Close()
		return ArchiveInfo{}, err
	}
	if err := zw.Close(); err != nil {
		return ArchiveInfo{}, ioFailure("finalizing archive", err)
	}
	if err := tmp.Sync(); err != nil {
		return ArchiveInfo{}, ioFailure("syncing archive", err)
	}
	if err := tmp.Close(); err != nil {
		return ArchiveInfo{}, ioFailure("closing archive", err)
	}

	name := b.uniqueName(prefix)
	final := filepath.Join(b.storePath, name)
	if err := os.Rename(tmpName, final); err != nil {
		return ArchiveInfo{}, ioFailure("publishing archive", err)
	}
	committed = true

	info, err := os.Stat(final)
	if err != nil {
		return ArchiveInfo{}, ioFailure("stat archive", err)
	}
	return ArchiveInfo{Filename: name, Size: info.Size(), CreatedAt: info.ModTime()}, nil
}

// uniqueName derives the archive name from the clock, adding a counter
// when an archive with the same millisecond already exists.
func (b *Builder) uniqueName(prefix string) string {
	stamp := b.clock.Now().UTC().Format(timestampLayout)
	name := prefix + stamp + b.ext
	for i := 1; ; i++ {
		if _, err := os.Lstat(filepath.Join(b.storePath, name)); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s%s-%d%s", prefix, stamp, i, b.ext)
	}
}

func (b *Builder) addDataRoot(zw *zip.Writer) error {
	children, err := os.ReadDir(b.dataRoot)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Warn("data root does not exist, archiving configuration only",
			zap.String("data_root", b.dataRoot))
		return nil
	}
	if err != nil {
		return ioFailure("reading data root", err)
	}

	realRoot, err := filepath.EvalSymlinks(b.dataRoot)
	if err != nil {
		return ioFailure("resolving data root", err)
	}
	realStore := b.storePath
	if r, err := filepath.EvalSymlinks(b.storePath); err == nil {
		realStore = r
	}

	for _, child := range children {
		name := child.Name()
		switch {
		case b.policy.IsReservedStoragePath(name):
			continue
		case b.policy.IsConfigMirror(name):
			continue
		case name == b.configEntry:
			b.logger.Warn("data root entry shares the config entry name and is not archived",
				zap.String("name", name))
			continue
		}
		w := &treeWalker{b: b, zw: zw, store: realStore, stack: []string{realRoot}}
		if err := w.walk(filepath.Join(b.dataRoot, name), name); err != nil {
			return err
		}
	}
	return nil
}

// treeWalker archives one data root subtree. Symlinked directories are
// followed and archived under the link's own name; stack holds the real
// paths of the directories being walked so that a link back into one of
// them is skipped instead of recursing forever.
type treeWalker struct {
	b     *Builder
	zw    *zip.Writer
	store string
	stack []string
}

// walk archives the tree at root under the entry prefix rel.
func (w *treeWalker) walk(root, rel string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return ioFailure("walking "+p, err)
		}
		sub, err := filepath.Rel(root, p)
		if err != nil {
			return ioFailure("relative path", err)
		}
		name := path.Join(rel, filepath.ToSlash(sub))
		if w.b.policy.IsReservedStoragePath(name) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if w.b.policy.IsConfigMirror(name) {
			return nil
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return w.addLink(p, name)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return ioFailure("stat "+name, err)
			}
			return addDir(w.zw, name, info)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return ioFailure("stat "+name, err)
			}
			return addFile(w.zw, p, name, info)
		default:
			w.b.logger.Debug("skipping special file", zap.String("path", name))
			return nil
		}
	})
}

// addLink archives what a symlink points to: a regular file as one entry,
// a directory recursively under the link's name.
func (w *treeWalker) addLink(p, name string) error {
	log := w.b.logger
	target, err := os.Stat(p)
	if err != nil {
		log.Warn("skipping broken symlink", zap.String("path", name), zap.Error(err))
		return nil
	}
	if target.Mode().IsRegular() {
		return addFile(w.zw, p, name, target)
	}
	if !target.IsDir() {
		log.Warn("skipping symlink to special file", zap.String("path", name))
		return nil
	}

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		log.Warn("skipping unresolvable symlink", zap.String("path", name), zap.Error(err))
		return nil
	}
	if within(resolved, w.store) || within(w.store, resolved) {
		log.Warn("skipping symlink overlapping the backup store", zap.String("path", name))
		return nil
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		return ioFailure("resolving parent of "+name, err)
	}
	for _, dir := range w.stack {
		if within(dir, resolved) || within(parent, resolved) {
			log.Warn("skipping symlink cycle", zap.String("path", name), zap.String("target", resolved))
			return nil
		}
	}

	w.stack = append(w.stack, resolved)
	defer func() { w.stack = w.stack[:len(w.stack)-1] }()
	return w.walk(resolved, name)
}

// within reports whether p is dir or lies below it.
func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func addDir(zw *zip.Writer, name string, info fs.FileInfo) error {
	hdr := &zip.FileHeader{Name: name + "/", Modified: info.ModTime()}
	hdr.SetMode(info.Mode())
	if _, err := zw.CreateHeader(hdr); err != nil {
		return ioFailure("writing directory entry "+name, err)
	}
	return nil
}

func addFile(zw *zip.Writer, path, name string, info fs.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return ioFailure("opening "+name, err)
	}
	defer f.Close()

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return ioFailure("header for "+name, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return ioFailure("writing entry "+name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return ioFailure("copying "+name, err)
	}
	return nil
}

// addConfig appends the canonical configuration as a top-level entry.
// A missing or blank document is logged and omitted; any other read error
// aborts the archive.
func (b *Builder) addConfig(zw *zip.Writer) error {
	content, resolved, err := b.guard.ReadCanonical()
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Info("configuration not found, omitted from archive",
			zap.String("path", resolved), zap.Error(err))
		return nil
	}
	if err != nil {
		return ioFailure("reading configuration "+resolved, err)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		b.logger.Info("configuration is empty, omitted from archive", zap.String("path", resolved))
		return nil
	}

	hdr := &zip.FileHeader{Name: b.configEntry, Method: zip.Deflate, Modified: b.clock.Now()}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return ioFailure("writing config entry", err)
	}
	if _, err := w.Write(content); err != nil {
		return ioFailure("writing config entry", err)
	}
	return nil
}
