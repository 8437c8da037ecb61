package backup_test

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/zap/zaptest"

	"github.com/HerbHall/sitebackup/internal/backup"
	"github.com/HerbHall/sitebackup/internal/testutil"
)

const validConfig = "site:\n  title: demo\n  theme: plain\n"

type env struct {
	root    string
	primary string
	clock   *testclock.Clock
	bus     *testutil.MockBus
	svc     *backup.Service
}

// newEnv builds a Service over a fresh data root with a valid primary
// configuration outside the root. mutate may adjust settings before the
// service is created.
func newEnv(t *testing.T, start time.Time, mutate func(dir string, s *backup.Settings)) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		root:    filepath.Join(dir, "site"),
		primary: filepath.Join(dir, "config.yaml"),
		clock:   testclock.NewClock(start),
		bus:     testutil.NewMockBus(),
	}
	if err := os.MkdirAll(e.root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.primary, []byte(validConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	s := backup.Settings{
		DataRoot: e.root,
		Config:   backup.ConfigSettings{Primary: e.primary},
	}
	if mutate != nil {
		mutate(dir, &s)
	}
	e.svc = backup.NewService(s, zaptest.NewLogger(t),
		backup.WithClock(e.clock),
		backup.WithPublisher(e.bus),
	)
	return e
}

func (e *env) storePath() string {
	return e.svc.Settings().StorePath()
}

// writeZip writes an archive with the given entries into dir.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(entries[name])); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

// zipEntries returns entry name to content for every entry in an archive.
func zipEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer zr.Close()

	out := map[string]string{}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			out[f.Name] = ""
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = string(data)
	}
	return out
}

func fileContent(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
