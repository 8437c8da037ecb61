package backup

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/confguard"
	"github.com/HerbHall/sitebackup/internal/pathpolicy"
)

// RestoreRequest asks for an archive to be restored onto the data root.
type RestoreRequest struct {
	Filename       string `json:"filename"`
	ConfirmRestore string `json:"confirmRestore"`
	ClearData      bool   `json:"clearData"`
}

// RestoreResult reports a completed restore.
type RestoreResult struct {
	Success          bool     `json:"success"`
	PreRestoreBackup string   `json:"preRestoreBackup"`
	RestoredFiles    int      `json:"restoredFiles"`
	Cleared          []string `json:"cleared,omitempty"`
	ClearFailures    []string `json:"clearFailures,omitempty"`
	ConfigRestored   bool     `json:"configRestored"`
	ConfigSource     string   `json:"configSource"`
	Warnings         []string `json:"warnings,omitempty"`
	Message          string   `json:"message"`
}

// Restorer applies an archive to the data root.
type Restorer struct {
	dataRoot      string
	confirmToken  string
	configEntry   string
	maxEntryBytes int64
	policy        *pathpolicy.Policy
	builder       *Builder
	catalog       *Catalog
	guard         *confguard.Guard
	logger        *zap.Logger
}

// NewRestorer creates a Restorer.
func NewRestorer(s Settings, policy *pathpolicy.Policy, builder *Builder, catalog *Catalog, guard *confguard.Guard, logger *zap.Logger) *Restorer {
	return &Restorer{
		dataRoot:      s.DataRoot,
		confirmToken:  s.ConfirmToken,
		configEntry:   s.Config.EntryName,
		maxEntryBytes: s.MaxEntryBytes,
		policy:        policy,
		builder:       builder,
		catalog:       catalog,
		guard:         guard,
		logger:        logger,
	}
}

type plannedEntry struct {
	file *zip.File
	rel  string
}

// Validate checks a request without touching storage.
func (r *Restorer) Validate(req RestoreRequest) error {
	if req.Filename == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	}
	if req.ConfirmRestore != r.confirmToken {
		return fmt.Errorf("%w: restore not confirmed", ErrInvalidRequest)
	}
	return r.catalog.ValidateName(req.Filename)
}

// Restore runs one restore: validate, resolve and vet the archive, take a
// pre-restore snapshot, optionally clear, extract, then guarantee a valid
// configuration. Errors after the snapshot are *RestoreError values.
func (r *Restorer) Restore(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	if err := r.Validate(req); err != nil {
		return RestoreResult{}, err
	}

	archivePath, err := r.catalog.Path(req.Filename)
	if err != nil {
		return RestoreResult{}, err
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		switch {
		case errors.Is(err, zip.ErrInsecurePath):
			if zr != nil {
				zr.Close()
			}
			return RestoreResult{}, fmt.Errorf("%w: unsafe archive entry in %s", ErrInvalidRequest, req.Filename)
		case errors.Is(err, fs.ErrNotExist):
			return RestoreResult{}, fmt.Errorf("%w: %s", ErrNotFound, req.Filename)
		case errors.Is(err, zip.ErrFormat), errors.Is(err, zip.ErrAlgorithm):
			return RestoreResult{}, fmt.Errorf("%w: archive %s is unreadable: %v", ErrInvalidRequest, req.Filename, err)
		default:
			return RestoreResult{}, ioFailure("opening "+req.Filename, err)
		}
	}
	defer zr.Close()

	plan, err := r.plan(zr)
	if err != nil {
		return RestoreResult{}, err
	}

	snap, err := r.builder.Create(ctx, PreRestorePrefix)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("pre-restore backup: %w", err)
	}
	res := RestoreResult{PreRestoreBackup: snap.Filename}
	fail := func(err error) (RestoreResult, error) {
		return res, &RestoreError{PreRestoreBackup: snap.Filename, Err: err}
	}

	if req.ClearData {
		r.clear(&res)
	}

	for _, e := range plan {
		if err := r.extract(e, &res); err != nil {
			return fail(err)
		}
	}

	guarantee, err := r.guard.EnsureValid()
	if err != nil {
		return fail(ioFailure("ensuring configuration", err))
	}
	res.ConfigSource = string(guarantee.Source)
	if guarantee.Repaired {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("primary configuration replaced from %s %s", guarantee.Source, guarantee.From))
	}
	// Mirrors must match the primary before the restore counts as done.
	if len(guarantee.MirrorErrors) > 0 {
		return fail(ioFailure("syncing configuration mirrors", errors.New(strings.Join(guarantee.MirrorErrors, "; "))))
	}
	if !guarantee.Repaired {
		if err := r.guard.SyncMirrors(); err != nil {
			return fail(ioFailure("syncing configuration mirrors", err))
		}
	}

	res.Success = true
	res.Message = "Restore completed. Restart the application to load the restored data."
	return res, nil
}

// plan validates every entry name before anything is modified.
func (r *Restorer) plan(zr *zip.ReadCloser) ([]plannedEntry, error) {
	plan := make([]plannedEntry, 0, len(zr.File))
	for _, f := range zr.File {
		rel, err := pathpolicy.CleanEntryName(f.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: unsafe archive entry: %v", ErrInvalidRequest, err)
		}
		if rel == "" || r.policy.IsReservedStoragePath(rel) {
			continue
		}
		plan = append(plan, plannedEntry{file: f, rel: rel})
	}
	return plan, nil
}

// clear removes every unprotected child of the data root. Failures are
// logged and skipped.
func (r *Restorer) clear(res *RestoreResult) {
	children, err := os.ReadDir(r.dataRoot)
	if err != nil {
		r.logger.Warn("listing data root for clear failed", zap.Error(err))
		res.ClearFailures = append(res.ClearFailures, fmt.Sprintf(".: %v", err))
		return
	}
	for _, child := range children {
		name := child.Name()
		if r.policy.IsProtectedDuringClear(name) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.dataRoot, name)); err != nil {
			r.logger.Warn("clear failed for entry", zap.String("name", name), zap.Error(err))
			res.ClearFailures = append(res.ClearFailures, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		res.Cleared = append(res.Cleared, name)
	}
}

func (r *Restorer) extract(e plannedEntry, res *RestoreResult) error {
	mode := e.file.Mode()
	switch {
	case mode.IsDir():
		if err := os.MkdirAll(r.dest(e.rel), 0o755); err != nil {
			return ioFailure("creating directory "+e.rel, err)
		}
		return nil
	case mode&fs.ModeSymlink != 0:
		res.Warnings = append(res.Warnings, "skipped symlink entry "+e.rel)
		return nil
	case e.rel == r.configEntry:
		return r.restoreConfig(e, res)
	}

	if err := r.writeEntry(e); err != nil {
		return err
	}
	res.RestoredFiles++
	return nil
}

// restoreConfig installs the archived configuration only when it is valid.
func (r *Restorer) restoreConfig(e plannedEntry, res *RestoreResult) error {
	content, err := r.readEntry(e.file)
	if err != nil {
		return ioFailure("reading config entry", err)
	}
	if err := confguard.Validate(content); err != nil {
		r.logger.Warn("archived configuration is invalid, keeping current", zap.Error(err))
		res.Warnings = append(res.Warnings, "archived configuration skipped: "+err.Error())
		return nil
	}
	if err := r.guard.Install(content); err != nil {
		return ioFailure("installing configuration", err)
	}
	res.ConfigRestored = true
	return nil
}

func (r *Restorer) readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, r.maxEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > r.maxEntryBytes {
		return nil, fmt.Errorf("entry exceeds %d bytes", r.maxEntryBytes)
	}
	return data, nil
}

func (r *Restorer) writeEntry(e plannedEntry) error {
	dest := r.dest(e.rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ioFailure("creating parent of "+e.rel, err)
	}
	// Never write through an existing link.
	if info, err := os.Lstat(dest); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err := os.Remove(dest); err != nil {
			return ioFailure("replacing symlink "+e.rel, err)
		}
	}

	rc, err := e.file.Open()
	if err != nil {
		return ioFailure("reading entry "+e.rel, err)
	}
	defer rc.Close()

	perm := e.file.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return ioFailure("creating "+e.rel, err)
	}

	n, err := io.Copy(out, io.LimitReader(rc, r.maxEntryBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ioFailure("writing "+e.rel, err)
	}
	if n > r.maxEntryBytes {
		return ioFailure("writing "+e.rel, fmt.Errorf("entry exceeds %d bytes", r.maxEntryBytes))
	}
	return nil
}

func (r *Restorer) dest(rel string) string {
	return filepath.Join(r.dataRoot, filepath.FromSlash(rel))
}
