package backup

import (
	"encoding/json"
	"errors"
	"math"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/HerbHall/sitebackup/internal/pathpolicy"
)

// Defaults for Settings fields left empty.
const (
	DefaultArchiveExt    = ".zip"
	DefaultConfirmToken  = "CONFIRM_RESTORE"
	DefaultRetentionDays = 30
	DefaultConfigEntry   = "config.yaml"
	DefaultMaxEntryBytes = int64(10 << 30) // 10 GiB
)

// ConfigSettings locates the external configuration document.
type ConfigSettings struct {
	Primary     string   `mapstructure:"primary"`
	Mirrors     []string `mapstructure:"mirrors"`
	EntryName   string   `mapstructure:"entry_name"`
	DefaultPath string   `mapstructure:"default_path"`
}

// Settings is the "backup" configuration section.
type Settings struct {
	DataRoot       string         `mapstructure:"data_root"`
	StoreDir       string         `mapstructure:"store_dir"`
	ArchiveExt     string         `mapstructure:"archive_ext"`
	ProtectedPaths []string       `mapstructure:"protected_paths"`
	ConfirmToken   string         `mapstructure:"confirm_token"`
	RetentionDays  int            `mapstructure:"retention_days"`
	MaxEntryBytes  int64          `mapstructure:"max_entry_bytes"`
	Config         ConfigSettings `mapstructure:"config"`
}

// WithDefaults fills empty fields and makes paths absolute.
func (s Settings) WithDefaults() Settings {
	if s.DataRoot == "" {
		s.DataRoot = "data"
	}
	if abs, err := filepath.Abs(s.DataRoot); err == nil {
		s.DataRoot = abs
	}
	// The store must sit strictly inside the data root.
	if !pathpolicy.ValidStoreDir(s.StoreDir) {
		s.StoreDir = pathpolicy.DefaultStoreDir
	}
	s.StoreDir = path.Clean(strings.ReplaceAll(strings.TrimSpace(s.StoreDir), "\\", "/"))
	if s.ArchiveExt == "" {
		s.ArchiveExt = DefaultArchiveExt
	}
	if !strings.HasPrefix(s.ArchiveExt, ".") {
		s.ArchiveExt = "." + s.ArchiveExt
	}
	if s.ProtectedPaths == nil {
		s.ProtectedPaths = append([]string(nil), pathpolicy.DefaultProtected...)
	}
	if s.ConfirmToken == "" {
		s.ConfirmToken = DefaultConfirmToken
	}
	if s.RetentionDays <= 0 {
		s.RetentionDays = DefaultRetentionDays
	}
	if s.MaxEntryBytes <= 0 {
		s.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if s.Config.EntryName == "" {
		s.Config.EntryName = DefaultConfigEntry
	}
	if s.Config.Primary == "" {
		s.Config.Primary = s.Config.EntryName
	}
	s.Config.Primary = absPath(s.Config.Primary)
	mirrors := make([]string, 0, len(s.Config.Mirrors))
	for _, m := range s.Config.Mirrors {
		if m = strings.TrimSpace(m); m != "" {
			mirrors = append(mirrors, absPath(m))
		}
	}
	s.Config.Mirrors = mirrors
	if s.Config.DefaultPath != "" {
		s.Config.DefaultPath = absPath(s.Config.DefaultPath)
	}
	return s
}

// StorePath returns the absolute backup store directory.
func (s Settings) StorePath() string {
	return filepath.Join(s.DataRoot, s.StoreDir)
}

// Policy builds the reserved-path policy shared by the builder and restore.
func (s Settings) Policy() *pathpolicy.Policy {
	return pathpolicy.New(s.StoreDir, s.ProtectedPaths,
		pathpolicy.MirrorsInRoot(s.DataRoot, append([]string{s.Config.Primary}, s.Config.Mirrors...)))
}

// ParseRetentionDays interprets a loosely typed "days" value. Absent,
// non-numeric and negative values yield DefaultRetentionDays.
func ParseRetentionDays(raw any) int {
	switch v := raw.(type) {
	case nil:
		return DefaultRetentionDays
	case int:
		return nonNegative(v)
	case int64:
		return nonNegative(int(v))
	case float64:
		return floatDays(v)
	case json.Number:
		return stringDays(v.String())
	case string:
		return stringDays(v)
	default:
		return DefaultRetentionDays
	}
}

// stringDays parses an integer or decimal day count. Values too large for
// an int saturate rather than falling back to the default.
func stringDays(s string) int {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 0)
	if err == nil || (errors.Is(err, strconv.ErrRange) && n > 0) {
		return nonNegative(int(n))
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return DefaultRetentionDays
	}
	return floatDays(f)
}

func floatDays(f float64) int {
	switch {
	case math.IsNaN(f) || f < 0:
		return DefaultRetentionDays
	case f >= math.MaxInt:
		return math.MaxInt
	}
	return int(f)
}

func nonNegative(n int) int {
	if n < 0 {
		return DefaultRetentionDays
	}
	return n
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
