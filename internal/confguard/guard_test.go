package confguard_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/confguard"
)

const validDoc = "port: 8000\nlisten: true\n"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "mapping", content: validDoc},
		{name: "nested mapping", content: "server:\n  port: 1\n"},
		{name: "empty", content: "", wantErr: true},
		{name: "whitespace only", content: " \n\t\n", wantErr: true},
		{name: "comment only", content: "# nothing here\n", wantErr: true},
		{name: "scalar", content: "just a string", wantErr: true},
		{name: "sequence", content: "- a\n- b\n", wantErr: true},
		{name: "broken syntax", content: "port: [1, 2\nlisten: {", wantErr: true},
		{name: "tab indentation", content: "a:\n\tb: 1\n", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := confguard.Validate([]byte(tc.content))
			if tc.wantErr {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, confguard.ErrConfigInvalid) {
					t.Errorf("Validate() error = %v, want ErrConfigInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !confguard.IsValid([]byte(tc.content)) {
				t.Error("IsValid() = false, want true")
			}
		})
	}
}

func TestBundledDefaultIsValid(t *testing.T) {
	if !confguard.IsValid(confguard.BundledDefault()) {
		t.Fatal("bundled default config is not valid")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestEnsureValid_PrimaryValid(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "config.yaml")
	writeFile(t, primary, validDoc)

	g := confguard.New(primary, nil, "", zap.NewNop())
	res, err := g.EnsureValid()
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if res.Source != confguard.SourcePrimary || res.Repaired {
		t.Errorf("result = %+v, want untouched primary", res)
	}
	if got := readFile(t, primary); got != validDoc {
		t.Errorf("primary changed to %q", got)
	}
}

func TestEnsureValid_FallsBackToMirror(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "config.yaml")
	mirrorA := filepath.Join(dir, "mirrors", "a.yaml")
	mirrorB := filepath.Join(dir, "mirrors", "b.yaml")
	writeFile(t, primary, "{{ broken")
	writeFile(t, mirrorA, "")
	writeFile(t, mirrorB, "lastKnownGood: true\n")

	g := confguard.New(primary, []string{mirrorA, mirrorB}, "", zap.NewNop())
	res, err := g.EnsureValid()
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if res.Source != confguard.SourceMirror || res.From != mirrorB {
		t.Errorf("result = %+v, want mirror %s", res, mirrorB)
	}
	if got := readFile(t, primary); got != "lastKnownGood: true\n" {
		t.Errorf("primary = %q", got)
	}
	// Repaired primary is propagated to every mirror.
	if got := readFile(t, mirrorA); got != "lastKnownGood: true\n" {
		t.Errorf("mirror a = %q, want propagated content", got)
	}
}

func TestEnsureValid_FallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "config.yaml")
	mirror := filepath.Join(dir, "mirror.yaml")
	writeFile(t, mirror, "not: [valid")

	g := confguard.New(primary, []string{mirror}, "", zap.NewNop())
	res, err := g.EnsureValid()
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if res.Source != confguard.SourceDefault || res.From != "bundled" {
		t.Errorf("result = %+v, want bundled default", res)
	}
	if got := readFile(t, primary); got != string(confguard.BundledDefault()) {
		t.Error("primary does not hold the bundled default")
	}
	if got := readFile(t, mirror); got != string(confguard.BundledDefault()) {
		t.Error("mirror does not hold the bundled default")
	}
}

func TestEnsureValid_DefaultPathOverride(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "config.yaml")
	def := filepath.Join(dir, "default.yaml")
	writeFile(t, def, "site: custom\n")

	if err := confguard.EnsureValid(primary, def); err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if got := readFile(t, primary); got != "site: custom\n" {
		t.Errorf("primary = %q, want override default", got)
	}
}

func TestEnsureValid_InvalidDefaultPathUsesBundled(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "config.yaml")
	def := filepath.Join(dir, "default.yaml")
	writeFile(t, def, "   ")

	if err := confguard.EnsureValid(primary, def); err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if !confguard.IsValid([]byte(readFile(t, primary))) {
		t.Error("primary is not valid after fallback")
	}
}

func TestInstall_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "config.yaml")
	writeFile(t, primary, validDoc)

	g := confguard.New(primary, nil, "", zap.NewNop())
	if err := g.Install([]byte("key: [unterminated")); !errors.Is(err, confguard.ErrConfigInvalid) {
		t.Fatalf("Install() error = %v, want ErrConfigInvalid", err)
	}
	if got := readFile(t, primary); got != validDoc {
		t.Errorf("primary overwritten with invalid content: %q", got)
	}
}

func TestInstall_FollowsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target", "config.yaml")
	writeFile(t, target, validDoc)
	link := filepath.Join(dir, "config.yaml")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	g := confguard.New(link, nil, "", zap.NewNop())
	if err := g.Install([]byte("replaced: true\n")); err != nil {
		t.Fatalf("Install: %v", err)
	}

	fi, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		t.Error("symlink was replaced by a regular file")
	}
	if got := readFile(t, target); got != "replaced: true\n" {
		t.Errorf("link target = %q", got)
	}

	content, resolved, err := g.ReadCanonical()
	if err != nil {
		t.Fatalf("ReadCanonical: %v", err)
	}
	wantResolved, _ := filepath.EvalSymlinks(target)
	if resolved != wantResolved || string(content) != "replaced: true\n" {
		t.Errorf("ReadCanonical() = (%q, %q)", content, resolved)
	}
}

func TestSyncMirrors(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "config.yaml")
	mirror := filepath.Join(dir, "deep", "nested", "config.yaml")
	writeFile(t, primary, validDoc)

	g := confguard.New(primary, []string{mirror, primary}, "", zap.NewNop())
	if err := g.SyncMirrors(); err != nil {
		t.Fatalf("SyncMirrors: %v", err)
	}
	if got := readFile(t, mirror); got != validDoc {
		t.Errorf("mirror = %q, want %q", got, validDoc)
	}
}
