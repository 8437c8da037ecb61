// Package pathpolicy decides which names under the data root are reserved
// for backup storage, which survive a clear-mode restore, and which
// user-supplied archive names are safe to touch.
//
// A Policy holds no mutable state. Build one at startup and share it
// between the archive builder and the restore clear step.
package pathpolicy

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// DefaultStoreDir is the backup store directory name directly under the data root.
const DefaultStoreDir = "_site_backups"

// DefaultProtected lists the names kept during a clear-mode restore when no
// whitelist is configured: version-control metadata, dependency caches,
// package manifests, static assets and source code.
var DefaultProtected = []string{
	".git",
	"node_modules",
	"package.json",
	"package-lock.json",
	"public",
	"src",
}

// Policy is the reserved-path policy for one data root.
type Policy struct {
	storeDir  string
	protected map[string]bool
	// mirrors holds slash-separated paths, relative to the data root, of
	// configuration mirrors that live inside it.
	mirrors map[string]bool
}

// New builds a Policy. storeDir is the backup store name directly under the
// data root; protected is the clear-mode whitelist; mirrors are relative
// paths of configuration mirrors stored inside the data root.
// The store directory is always protected, whatever the whitelist says.
func New(storeDir string, protected, mirrors []string) *Policy {
	if storeDir == "" {
		storeDir = DefaultStoreDir
	}
	p := &Policy{
		storeDir:  path.Clean(normalize(storeDir)),
		protected: make(map[string]bool, len(protected)+1),
		mirrors:   make(map[string]bool, len(mirrors)),
	}
	for _, name := range protected {
		if n := normalize(name); n != "" {
			p.protected[n] = true
		}
	}
	p.protected[p.storeDir] = true
	for _, m := range mirrors {
		if n := normalize(m); n != "" {
			p.mirrors[n] = true
		}
	}
	return p
}

// StoreDir returns the backup store directory name.
func (p *Policy) StoreDir() string {
	return p.storeDir
}

// IsReservedStoragePath reports whether name (relative to the data root)
// is the backup store or lies inside it.
func (p *Policy) IsReservedStoragePath(name string) bool {
	n := normalize(name)
	return n == p.storeDir || strings.HasPrefix(n, p.storeDir+"/")
}

// IsProtectedDuringClear reports whether an immediate child of the data root
// must survive a clear-mode restore. Top-level directories holding the
// backup store or an in-root configuration mirror are protected too.
func (p *Policy) IsProtectedDuringClear(name string) bool {
	n := normalize(name)
	if p.protected[n] || strings.HasPrefix(p.storeDir, n+"/") {
		return true
	}
	for m := range p.mirrors {
		if m == n || strings.HasPrefix(m, n+"/") {
			return true
		}
	}
	return false
}

// IsConfigMirror reports whether rel (relative to the data root) is a
// configuration mirror. The builder skips these and archives the canonical
// configuration instead.
func (p *Policy) IsConfigMirror(rel string) bool {
	return p.mirrors[normalize(rel)]
}

// Protected returns the clear-mode whitelist, store directory included.
func (p *Policy) Protected() []string {
	out := make([]string, 0, len(p.protected))
	for name := range p.protected {
		out = append(out, name)
	}
	return out
}

// IsTraversalUnsafe reports whether a user-supplied archive filename contains
// a parent-directory token or a path separator.
func IsTraversalUnsafe(filename string) bool {
	return strings.Contains(filename, "..") ||
		strings.ContainsAny(filename, "/\\\x00")
}

// CleanEntryName converts an archive entry name to a clean slash-separated
// path relative to the extraction root. Absolute names and names that
// escape the root are rejected.
func CleanEntryName(name string) (string, error) {
	n := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(n, "/") || filepath.IsAbs(name) || (len(n) > 1 && n[1] == ':') {
		return "", fmt.Errorf("path traversal detected: absolute path %q", name)
	}
	cleaned := path.Clean(n)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal detected: %q", name)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// MirrorsInRoot returns the slash-separated paths, relative to dataRoot, of
// the mirrors that live inside it. Mirrors outside the data root are dropped.
func MirrorsInRoot(dataRoot string, mirrors []string) []string {
	root, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range mirrors {
		abs, err := filepath.Abs(m)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

// ValidStoreDir reports whether dir names a directory strictly inside the
// data root.
func ValidStoreDir(dir string) bool {
	n := strings.ReplaceAll(strings.TrimSpace(dir), "\\", "/")
	if n == "" || strings.HasPrefix(n, "/") || filepath.IsAbs(dir) || (len(n) > 1 && n[1] == ':') {
		return false
	}
	c := path.Clean(n)
	return c != "." && c != ".." && !strings.HasPrefix(c, "../")
}

func normalize(name string) string {
	n := strings.ReplaceAll(name, "\\", "/")
	n = strings.TrimPrefix(n, "./")
	n = strings.Trim(n, "/")
	return n
}
