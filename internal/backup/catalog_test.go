package backup_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HerbHall/sitebackup/internal/backup"
	"github.com/HerbHall/sitebackup/internal/testutil"
)

func TestList_MissingStoreIsEmpty(t *testing.T) {
	e := newEnv(t, fixedStart, nil)

	list, err := e.svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("List() = %#v, want empty non-nil slice", list)
	}
}

func TestList_NewestFirst(t *testing.T) {
	e := newEnv(t, fixedStart, nil)
	ctx := context.Background()

	var created []backup.ArchiveInfo
	for i := range 3 {
		info, err := e.svc.Create(ctx)
		if err != nil {
			t.Fatal(err)
		}
		mtime := fixedStart.Add(time.Duration(i) * time.Hour)
		if err := os.Chtimes(filepath.Join(e.storePath(), info.Filename), mtime, mtime); err != nil {
			t.Fatal(err)
		}
		created = append(created, info)
		e.clock.Advance(time.Second)
	}
	// Files that are not archives are ignored.
	testutil.WriteTree(t, e.storePath(), map[string]string{"notes.txt": "x", "nested/": ""})

	list, err := e.svc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("List() = %d entries, want 3", len(list))
	}
	for i, info := range list {
		if want := created[2-i].Filename; info.Filename != want {
			t.Errorf("list[%d] = %q, want %q", i, info.Filename, want)
		}
	}
}

func TestOpen(t *testing.T) {
	e := newEnv(t, fixedStart, nil)
	testutil.WriteTree(t, e.root, map[string]string{"a.txt": "a"})
	info, err := e.svc.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	f, got, err := e.svc.Open(info.Filename)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(data)) != got.Size || got.Size != info.Size {
		t.Errorf("read %d bytes, info size %d, created size %d", len(data), got.Size, info.Size)
	}

	if _, _, err := e.svc.Open("backup-missing.zip"); !errors.Is(err, backup.ErrNotFound) {
		t.Errorf("Open(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	e := newEnv(t, fixedStart, nil)
	ctx := context.Background()
	info, err := e.svc.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.svc.Delete(ctx, info.Filename); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.storePath(), info.Filename)); !os.IsNotExist(err) {
		t.Errorf("archive still present after delete: %v", err)
	}
	if err := e.svc.Delete(ctx, info.Filename); !errors.Is(err, backup.ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestDelete_RejectsUnsafeNames(t *testing.T) {
	e := newEnv(t, fixedStart, nil)
	victim := filepath.Join(e.root, "keep.zip")
	testutil.WriteTree(t, e.root, map[string]string{"keep.zip": "x"})

	tests := []struct {
		name     string
		filename string
	}{
		{name: "empty", filename: ""},
		{name: "parent traversal", filename: "../keep.zip"},
		{name: "slash", filename: "sub/backup.zip"},
		{name: "backslash", filename: `..\keep.zip`},
		{name: "dot dot only", filename: "..zip"},
		{name: "wrong extension", filename: "backup.tar.gz"},
		{name: "extension only", filename: ".zip"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := e.svc.Delete(context.Background(), tc.filename)
			if !errors.Is(err, backup.ErrInvalidName) {
				t.Fatalf("Delete(%q) error = %v, want ErrInvalidName", tc.filename, err)
			}
			if !errors.Is(err, backup.ErrInvalidRequest) {
				t.Errorf("ErrInvalidName must also match ErrInvalidRequest")
			}
		})
	}
	if _, err := os.Stat(victim); err != nil {
		t.Errorf("file outside the store was touched: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	now := time.Now()
	e := newEnv(t, now, nil)
	ctx := context.Background()

	ages := []time.Duration{40 * 24 * time.Hour, 10 * 24 * time.Hour, time.Minute}
	var names []string
	for _, age := range ages {
		info, err := e.svc.Create(ctx)
		if err != nil {
			t.Fatal(err)
		}
		mtime := now.Add(-age)
		if err := os.Chtimes(filepath.Join(e.storePath(), info.Filename), mtime, mtime); err != nil {
			t.Fatal(err)
		}
		names = append(names, info.Filename)
		e.clock.Advance(time.Millisecond)
	}

	steps := []struct {
		days        int
		wantDeleted int
		wantLeft    int
	}{
		{days: 36500, wantDeleted: 0, wantLeft: 3},
		{days: 30, wantDeleted: 1, wantLeft: 2},
		{days: 30, wantDeleted: 0, wantLeft: 2},
		{days: 0, wantDeleted: 2, wantLeft: 0},
		{days: 0, wantDeleted: 0, wantLeft: 0},
	}
	for i, st := range steps {
		res, err := e.svc.Cleanup(ctx, st.days)
		if err != nil {
			t.Fatalf("step %d: Cleanup(%d): %v", i, st.days, err)
		}
		if res.DeletedCount != st.wantDeleted {
			t.Errorf("step %d: Cleanup(%d) deleted %d, want %d", i, st.days, res.DeletedCount, st.wantDeleted)
		}
		if st.wantDeleted > 0 && res.ReleasedBytes <= 0 {
			t.Errorf("step %d: ReleasedBytes = %d, want > 0", i, res.ReleasedBytes)
		}
		list, err := e.svc.List()
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != st.wantLeft {
			t.Errorf("step %d: %d archives left, want %d", i, len(list), st.wantLeft)
		}
	}
	if _, err := os.Stat(filepath.Join(e.storePath(), names[0])); !os.IsNotExist(err) {
		t.Errorf("oldest archive survived cleanup")
	}
}

func TestCleanup_NegativeDays(t *testing.T) {
	e := newEnv(t, fixedStart, nil)
	if _, err := e.svc.Cleanup(context.Background(), -1); !errors.Is(err, backup.ErrInvalidRequest) {
		t.Errorf("Cleanup(-1) error = %v, want ErrInvalidRequest", err)
	}
}

func TestCleanup_HugeWindowDeletesNothing(t *testing.T) {
	now := time.Now()
	e := newEnv(t, now, nil)
	ctx := context.Background()

	info, err := e.svc.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	old := now.Add(-400 * 24 * time.Hour)
	if err := os.Chtimes(filepath.Join(e.storePath(), info.Filename), old, old); err != nil {
		t.Fatal(err)
	}

	for _, days := range []int{
		backup.ParseRetentionDays("1000000"),
		backup.ParseRetentionDays(json.Number("1e30")),
		backup.ParseRetentionDays("99999999999999999999999"),
		math.MaxInt,
	} {
		res, err := e.svc.Cleanup(ctx, days)
		if err != nil {
			t.Fatalf("Cleanup(%d): %v", days, err)
		}
		if res.DeletedCount != 0 {
			t.Errorf("Cleanup(%d) deleted %d archives, want 0", days, res.DeletedCount)
		}
	}
	if _, err := os.Stat(filepath.Join(e.storePath(), info.Filename)); err != nil {
		t.Errorf("archive removed by huge retention window: %v", err)
	}
}

func TestParseRetentionDays(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want int
	}{
		{name: "nil", raw: nil, want: 30},
		{name: "int", raw: 7, want: 7},
		{name: "zero", raw: 0, want: 0},
		{name: "float", raw: float64(14), want: 14},
		{name: "numeric string", raw: " 90 ", want: 90},
		{name: "non-numeric string", raw: "soon", want: 30},
		{name: "negative", raw: -5, want: 30},
		{name: "negative string", raw: "-1", want: 30},
		{name: "bool", raw: true, want: 30},
		{name: "json integer", raw: json.Number("45"), want: 45},
		{name: "json decimal", raw: json.Number("2.5"), want: 2},
		{name: "huge string", raw: "99999999999999999999", want: math.MaxInt},
		{name: "huge float", raw: 1e300, want: math.MaxInt},
		{name: "nan", raw: math.NaN(), want: 30},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := backup.ParseRetentionDays(tc.raw); got != tc.want {
				t.Errorf("ParseRetentionDays(%v) = %d, want %d", tc.raw, got, tc.want)
			}
		})
	}
}
