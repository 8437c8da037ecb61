package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/confguard"
	"github.com/HerbHall/sitebackup/internal/event"
)

// Event topics published by the Service.
const (
	TopicBackupCreated    = "backup.created"
	TopicBackupDeleted    = "backup.deleted"
	TopicRestoreStarted   = "restore.started"
	TopicRestoreCompleted = "restore.completed"
	TopicRestoreFailed    = "restore.failed"
	TopicCleanupCompleted = "cleanup.completed"
)

// Publisher receives lifecycle events.
type Publisher interface {
	PublishAsync(ctx context.Context, e event.Event)
}

// Service is the entry point for every backup operation. Create, Delete,
// Restore, Cleanup and EnsureConfig are serialized by a lock keyed on the
// backup store path; List, Open and History run unlocked.
type Service struct {
	settings Settings
	builder  *Builder
	catalog  *Catalog
	restorer *Restorer
	guard    *confguard.Guard
	journal  *Journal
	bus      Publisher
	locks    *kmutex.Kmutex
	clock    clock.Clock
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithJournal records every mutating operation.
func WithJournal(j *Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithPublisher sends lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.bus = p }
}

// NewService wires the builder, catalog, restorer and configuration guard
// for one data root.
func NewService(settings Settings, logger *zap.Logger, opts ...Option) *Service {
	settings = settings.WithDefaults()
	s := &Service{
		settings: settings,
		locks:    kmutex.New(),
		clock:    clock.WallClock,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	policy := settings.Policy()
	s.guard = confguard.New(settings.Config.Primary, settings.Config.Mirrors,
		settings.Config.DefaultPath, logger.Named("confguard"))
	s.builder = NewBuilder(settings, policy, s.guard, s.clock, logger.Named("builder"))
	s.catalog = NewCatalog(settings, s.clock, logger.Named("catalog"))
	s.restorer = NewRestorer(settings, policy, s.builder, s.catalog, s.guard, logger.Named("restore"))
	return s
}

// Settings returns the effective settings.
func (s *Service) Settings() Settings { return s.settings }

// Create archives the data root.
func (s *Service) Create(ctx context.Context) (ArchiveInfo, error) {
	ctx = context.WithoutCancel(ctx)
	run := s.start(OpCreate, "")

	s.lock()
	defer s.unlock()

	info, err := s.builder.Create(ctx, BackupPrefix)
	run.target = info.Filename
	s.finish(ctx, run, err, JournalEntry{Bytes: info.Size})
	if err != nil {
		return ArchiveInfo{}, err
	}

	archiveBytes.WithLabelValues("backup").Set(float64(info.Size))
	s.publish(ctx, TopicBackupCreated, info)
	return info, nil
}

// List returns archives newest first.
func (s *Service) List() ([]ArchiveInfo, error) {
	return s.catalog.List()
}

// Open returns a reader over the named archive for download.
func (s *Service) Open(filename string) (*os.File, ArchiveInfo, error) {
	return s.catalog.Open(filename)
}

// Delete removes one archive.
func (s *Service) Delete(ctx context.Context, filename string) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.catalog.ValidateName(filename); err != nil {
		return err
	}
	run := s.start(OpDelete, filename)

	s.lock()
	defer s.unlock()

	size, err := s.catalog.Delete(filename)
	s.finish(ctx, run, err, JournalEntry{Bytes: size})
	if err != nil {
		return err
	}
	s.publish(ctx, TopicBackupDeleted, map[string]any{"filename": filename, "size": size})
	return nil
}

// Restore applies an archive to the data root. A failure after the
// pre-restore snapshot is a *RestoreError carrying the snapshot name.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.restorer.Validate(req); err != nil {
		return RestoreResult{}, err
	}
	run := s.start(OpRestore, req.Filename)

	s.lock()
	defer s.unlock()

	s.publish(ctx, TopicRestoreStarted, req)
	res, err := s.restorer.Restore(ctx, req)

	entry := JournalEntry{PreRestoreBackup: res.PreRestoreBackup}
	var rerr *RestoreError
	if errors.As(err, &rerr) {
		entry.PreRestoreBackup = rerr.PreRestoreBackup
	}
	if err == nil {
		entry.Detail = res.Message
	}
	s.finish(ctx, run, err, entry)
	if entry.PreRestoreBackup != "" {
		if fi, serr := os.Stat(filepath.Join(s.settings.StorePath(), entry.PreRestoreBackup)); serr == nil {
			archiveBytes.WithLabelValues("pre_restore").Set(float64(fi.Size()))
		}
	}

	if err != nil {
		s.publish(ctx, TopicRestoreFailed, map[string]any{
			"filename":         req.Filename,
			"error":            err.Error(),
			"preRestoreBackup": entry.PreRestoreBackup,
		})
		return res, err
	}
	if len(res.ClearFailures) > 0 {
		s.logger.Warn("restore completed with clear failures",
			zap.String("op_id", run.id), zap.Strings("failures", res.ClearFailures))
	}
	s.publish(ctx, TopicRestoreCompleted, res)
	return res, nil
}

// Cleanup deletes archives older than maxAgeDays.
func (s *Service) Cleanup(ctx context.Context, maxAgeDays int) (CleanupResult, error) {
	ctx = context.WithoutCancel(ctx)
	run := s.start(OpCleanup, "")

	s.lock()
	defer s.unlock()

	res, err := s.catalog.Cleanup(maxAgeDays)
	s.finish(ctx, run, err, JournalEntry{Bytes: res.ReleasedBytes})
	if err != nil {
		return CleanupResult{}, err
	}
	cleanupReleasedBytes.Add(float64(res.ReleasedBytes))
	s.logger.Info("retention cleanup",
		zap.String("op_id", run.id),
		zap.Int("days", maxAgeDays),
		zap.Int("deleted", res.DeletedCount),
		zap.String("released", humanize.Bytes(uint64(res.ReleasedBytes))),
	)
	s.publish(ctx, TopicCleanupCompleted, res)
	return res, nil
}

// EnsureConfig repairs the primary configuration if it is not valid.
func (s *Service) EnsureConfig(context.Context) (confguard.Result, error) {
	s.lock()
	defer s.unlock()
	return s.guard.EnsureValid()
}

// History returns journal entries newest first.
func (s *Service) History(ctx context.Context, limit int) ([]JournalEntry, error) {
	return s.journal.History(ctx, limit)
}

func (s *Service) lock()   { s.locks.Lock(s.settings.StorePath()) }
func (s *Service) unlock() { s.locks.Unlock(s.settings.StorePath()) }

type opRun struct {
	id      string
	name    string
	target  string
	started time.Time
}

func (s *Service) start(name, target string) *opRun {
	run := &opRun{id: uuid.NewString(), name: name, target: target, started: s.clock.Now()}
	s.logger.Info("operation started",
		zap.String("op", name),
		zap.String("op_id", run.id),
		zap.String("filename", target),
	)
	return run
}

// finish logs the outcome, updates metrics and appends a journal entry.
// entry supplies the operation-specific fields.
func (s *Service) finish(ctx context.Context, run *opRun, err error, entry JournalEntry) {
	finished := s.clock.Now()
	operationsTotal.WithLabelValues(run.name, outcome(err)).Inc()
	operationDuration.WithLabelValues(run.name).Observe(finished.Sub(run.started).Seconds())

	fields := []zap.Field{
		zap.String("op", run.name),
		zap.String("op_id", run.id),
		zap.String("filename", run.target),
		zap.Duration("duration", finished.Sub(run.started)),
	}
	if entry.Bytes > 0 {
		fields = append(fields, zap.String("size", humanize.Bytes(uint64(entry.Bytes))))
	}
	if entry.PreRestoreBackup != "" {
		fields = append(fields, zap.String("pre_restore_backup", entry.PreRestoreBackup))
	}

	entry.ID = run.id
	entry.Operation = run.name
	entry.Target = run.target
	entry.StartedAt = run.started
	entry.FinishedAt = finished
	if err != nil {
		s.logger.Error("operation failed", append(fields, zap.Error(err))...)
		entry.Status = "failed"
		entry.Detail = err.Error()
	} else {
		s.logger.Info("operation completed", fields...)
		entry.Status = "succeeded"
	}
	s.journal.Record(ctx, entry)
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.PublishAsync(ctx, event.Event{
		Topic:     topic,
		Source:    "backup",
		Timestamp: s.clock.Now(),
		Payload:   payload,
	})
}
