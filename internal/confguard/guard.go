// Package confguard keeps the external configuration document valid.
//
// The configuration lives at one primary location and any number of
// secondary mirrors. Every write goes through Install or EnsureValid, which
// validate the payload first and replace files atomically, so a reader never
// observes a half-written document.
package confguard

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var bundledDefault []byte

// ErrConfigInvalid is returned by Validate for empty or unparseable documents.
var ErrConfigInvalid = errors.New("configuration invalid")

// Source identifies where the primary configuration came from after EnsureValid.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceMirror  Source = "mirror"
	SourceDefault Source = "default"
)

// Result describes what EnsureValid did.
type Result struct {
	Source   Source `json:"source"`
	From     string `json:"from,omitempty"`
	Repaired bool   `json:"repaired"`
	// MirrorErrors holds failures while propagating a repaired primary.
	MirrorErrors []string `json:"mirrorErrors,omitempty"`
}

// Validate returns nil when content is non-empty after trimming and parses as
// a YAML mapping with at least one key.
func Validate(content []byte) error {
	if len(bytes.TrimSpace(content)) == 0 {
		return fmt.Errorf("%w: empty document", ErrConfigInvalid)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if len(doc) == 0 {
		return fmt.Errorf("%w: document has no keys", ErrConfigInvalid)
	}
	return nil
}

// IsValid reports whether content is a usable configuration document.
func IsValid(content []byte) bool {
	return Validate(content) == nil
}

// BundledDefault returns a copy of the configuration compiled into the binary.
func BundledDefault() []byte {
	return bytes.Clone(bundledDefault)
}

// EnsureValid copies defaultPath over primaryPath when primaryPath does not
// hold a valid document. An empty defaultPath uses the bundled default.
func EnsureValid(primaryPath, defaultPath string) error {
	_, err := New(primaryPath, nil, defaultPath, zap.NewNop()).EnsureValid()
	return err
}

// Guard owns the primary configuration location and its mirrors.
type Guard struct {
	primary     string
	mirrors     []string
	defaultPath string
	logger      *zap.Logger
}

// New creates a Guard. defaultPath may be empty.
func New(primary string, mirrors []string, defaultPath string, logger *zap.Logger) *Guard {
	return &Guard{
		primary:     primary,
		mirrors:     mirrors,
		defaultPath: defaultPath,
		logger:      logger,
	}
}

// ReadCanonical resolves the primary location through any symlinks and
// returns its content together with the resolved path.
func (g *Guard) ReadCanonical() ([]byte, string, error) {
	resolved, err := filepath.EvalSymlinks(g.primary)
	if err != nil {
		return nil, g.primary, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, resolved, err
	}
	return data, resolved, nil
}

// Install validates content and writes it to the primary location. Mirror
// propagation is left to SyncMirrors.
func (g *Guard) Install(content []byte) error {
	if err := Validate(content); err != nil {
		return err
	}
	if err := writeAtomic(g.primary, content); err != nil {
		return fmt.Errorf("writing primary config: %w", err)
	}
	return nil
}

// SyncMirrors copies the primary document to every mirror. Each mirror is
// attempted; failures are joined into the returned error.
func (g *Guard) SyncMirrors() error {
	content, _, err := g.ReadCanonical()
	if err != nil {
		return fmt.Errorf("reading primary config: %w", err)
	}
	if err := Validate(content); err != nil {
		return fmt.Errorf("primary config: %w", err)
	}
	var errs []error
	for _, m := range g.mirrors {
		if samePath(m, g.primary) {
			continue
		}
		if err := writeAtomic(m, content); err != nil {
			g.logger.Warn("mirror write failed", zap.String("mirror", m), zap.Error(err))
			errs = append(errs, fmt.Errorf("mirror %s: %w", m, err))
		}
	}
	return errors.Join(errs...)
}

// EnsureValid guarantees the primary location holds a valid document.
// When it does not, the first valid mirror is copied over it, then the
// default. After a repair the primary is propagated to every mirror.
func (g *Guard) EnsureValid() (Result, error) {
	if content, _, err := g.ReadCanonical(); err == nil && IsValid(content) {
		return Result{Source: SourcePrimary}, nil
	}

	res := Result{Repaired: true}
	for _, m := range g.mirrors {
		if samePath(m, g.primary) {
			continue
		}
		content, err := readResolved(m)
		if err != nil || !IsValid(content) {
			continue
		}
		if err := writeAtomic(g.primary, content); err != nil {
			return res, fmt.Errorf("restoring config from mirror %s: %w", m, err)
		}
		res.Source = SourceMirror
		res.From = m
		break
	}

	if res.Source == "" {
		content, from := g.defaultContent()
		if err := writeAtomic(g.primary, content); err != nil {
			return res, fmt.Errorf("installing default config: %w", err)
		}
		res.Source = SourceDefault
		res.From = from
	}

	g.logger.Warn("primary config repaired",
		zap.String("primary", g.primary),
		zap.String("source", string(res.Source)),
		zap.String("from", res.From),
	)

	if err := g.SyncMirrors(); err != nil {
		res.MirrorErrors = append(res.MirrorErrors, err.Error())
	}
	return res, nil
}

// defaultContent returns the override default when it is readable and valid,
// otherwise the bundled one.
func (g *Guard) defaultContent() ([]byte, string) {
	if g.defaultPath != "" {
		content, err := readResolved(g.defaultPath)
		if err == nil && IsValid(content) {
			return content, g.defaultPath
		}
		g.logger.Warn("default config unusable, using bundled default",
			zap.String("path", g.defaultPath), zap.Error(err))
	}
	return BundledDefault(), "bundled"
}

func readResolved(path string) ([]byte, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

func samePath(a, b string) bool {
	aa, errA := filepath.Abs(a)
	bb, errB := filepath.Abs(b)
	return errA == nil && errB == nil && aa == bb
}
