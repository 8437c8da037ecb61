package pathpolicy_test

import (
	"path/filepath"
	"testing"

	"github.com/HerbHall/sitebackup/internal/pathpolicy"
)

func TestIsTraversalUnsafe(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     bool
	}{
		{name: "plain archive", filename: "backup-20261016-101500.000.zip", want: false},
		{name: "parent token", filename: "../backup.zip", want: true},
		{name: "embedded parent token", filename: "a..b.zip", want: true},
		{name: "forward slash", filename: "dir/backup.zip", want: true},
		{name: "backslash", filename: `dir\backup.zip`, want: true},
		{name: "nul byte", filename: "backup.zip\x00", want: true},
		{name: "empty", filename: "", want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := pathpolicy.IsTraversalUnsafe(tc.filename); got != tc.want {
				t.Errorf("IsTraversalUnsafe(%q) = %v, want %v", tc.filename, got, tc.want)
			}
		})
	}
}

func TestIsReservedStoragePath(t *testing.T) {
	p := pathpolicy.New("_site_backups", nil, nil)

	tests := []struct {
		name string
		want bool
	}{
		{"_site_backups", true},
		{"_site_backups/", true},
		{"_site_backups/backup-1.zip", true},
		{"./_site_backups/backup-1.zip", true},
		{`_site_backups\backup-1.zip`, true},
		{"_site_backups_old/file", false},
		{"data/_site_backups", false},
		{"readme.md", false},
	}
	for _, tc := range tests {
		if got := p.IsReservedStoragePath(tc.name); got != tc.want {
			t.Errorf("IsReservedStoragePath(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsProtectedDuringClear(t *testing.T) {
	p := pathpolicy.New("_site_backups", []string{".git", "node_modules", "public/"}, []string{"settings/config.yaml", "config.yaml"})

	tests := []struct {
		name string
		want bool
	}{
		{"_site_backups", true},
		{".git", true},
		{"node_modules", true},
		{"public", true},
		{"settings", true},
		{"config.yaml", true},
		{"chats", false},
		{"user", false},
		{"src", false},
	}
	for _, tc := range tests {
		if got := p.IsProtectedDuringClear(tc.name); got != tc.want {
			t.Errorf("IsProtectedDuringClear(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestStoreDirAlwaysProtected(t *testing.T) {
	p := pathpolicy.New("", []string{}, nil)

	if p.StoreDir() != pathpolicy.DefaultStoreDir {
		t.Fatalf("StoreDir() = %q, want %q", p.StoreDir(), pathpolicy.DefaultStoreDir)
	}
	if !p.IsProtectedDuringClear(pathpolicy.DefaultStoreDir) {
		t.Error("store dir must be protected even with an empty whitelist")
	}
	if len(p.Protected()) != 1 {
		t.Errorf("Protected() = %v, want only the store dir", p.Protected())
	}
}

func TestNestedStoreDirProtectsAncestor(t *testing.T) {
	p := pathpolicy.New("var/backups", nil, nil)

	if !p.IsProtectedDuringClear("var") {
		t.Error("top-level directory holding the store must be protected")
	}
	if p.IsProtectedDuringClear("variables") {
		t.Error("sibling sharing a name prefix must not be protected")
	}
	if !p.IsReservedStoragePath("var/backups/backup-x.zip") || p.IsReservedStoragePath("var/log.txt") {
		t.Error("reserved storage must cover the nested store only")
	}
}

func TestValidStoreDir(t *testing.T) {
	tests := []struct {
		dir  string
		want bool
	}{
		{"_site_backups", true},
		{"var/backups", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../out", false},
		{"a/../../out", false},
		{"/abs", false},
		{"C:\\store", false},
	}
	for _, tc := range tests {
		if got := pathpolicy.ValidStoreDir(tc.dir); got != tc.want {
			t.Errorf("ValidStoreDir(%q) = %v, want %v", tc.dir, got, tc.want)
		}
	}
}

func TestCleanEntryName(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		want    string
		wantErr bool
	}{
		{name: "simple", entry: "chats/a.json", want: "chats/a.json"},
		{name: "dot prefix", entry: "./chats/a.json", want: "chats/a.json"},
		{name: "windows separators", entry: `chats\a.json`, want: "chats/a.json"},
		{name: "directory", entry: "chats/", want: "chats"},
		{name: "inner parent stays inside", entry: "chats/../user/b.json", want: "user/b.json"},
		{name: "escape", entry: "../../etc/passwd", wantErr: true},
		{name: "escape after clean", entry: "chats/../../x", wantErr: true},
		{name: "absolute", entry: "/etc/passwd", wantErr: true},
		{name: "drive letter", entry: `C:\evil.txt`, wantErr: true},
		{name: "root dot", entry: "./", want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := pathpolicy.CleanEntryName(tc.entry)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("CleanEntryName(%q) = %q, want error", tc.entry, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("CleanEntryName(%q): %v", tc.entry, err)
			}
			if got != tc.want {
				t.Errorf("CleanEntryName(%q) = %q, want %q", tc.entry, got, tc.want)
			}
		})
	}
}

func TestMirrorsInRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	mirrors := []string{
		filepath.Join(root, "config.yaml"),
		filepath.Join(root, "settings", "config.yaml"),
		filepath.Join(outside, "config.yaml"),
		root,
	}

	got := pathpolicy.MirrorsInRoot(root, mirrors)
	want := []string{"config.yaml", "settings/config.yaml"}
	if len(got) != len(want) {
		t.Fatalf("MirrorsInRoot() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MirrorsInRoot()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	p := pathpolicy.New("", nil, got)
	if !p.IsConfigMirror("settings/config.yaml") {
		t.Error("settings/config.yaml should be a config mirror")
	}
	if p.IsConfigMirror("settings/other.yaml") {
		t.Error("settings/other.yaml should not be a config mirror")
	}
}
