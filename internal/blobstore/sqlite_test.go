package blobstore

import (
	"context"
	"path/filepath"
	"testing"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// newTestSQLiteStore creates a SQLiteStore backed by a temporary database
// file. The database is automatically cleaned up when the test finishes.
func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gallery.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteCreateAndRead(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "coal/a.png", []byte("pixels"), "add image")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rev != "1" {
		t.Errorf("rev = %q, want %q", rev, "1")
	}

	b, err := store.Read(ctx, "coal/a.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b == nil {
		t.Fatal("Read returned nil for existing path")
	}
	if string(b.Data) != "pixels" {
		t.Errorf("data = %q, want %q", b.Data, "pixels")
	}
	if b.Rev != rev {
		t.Errorf("rev = %q, want %q", b.Rev, rev)
	}
}

func TestSQLiteReadAbsent(t *testing.T) {
	store := newTestSQLiteStore(t)

	b, err := store.Read(context.Background(), "nope.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b != nil {
		t.Errorf("Read(absent) = %v, want nil", b)
	}
}

func TestSQLiteStat(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rev, err := store.Stat(ctx, "nope.png")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if rev != "" {
		t.Errorf("Stat(absent) = %q, want empty", rev)
	}

	created, err := store.Create(ctx, "a.png", []byte("x"), "add")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rev, err = store.Stat(ctx, "a.png")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if rev != created {
		t.Errorf("Stat = %q, want %q", rev, created)
	}
}

func TestSQLiteCreateConflict(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "a.png", []byte("one"), "add"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := store.Create(ctx, "a.png", []byte("two"), "add again")
	if err == nil {
		t.Fatal("Create of existing path should fail")
	}
	if !apierr.IsConflict(err) {
		t.Errorf("error kind = %v, want conflict: %v", apierr.KindOf(err), err)
	}
}

func TestSQLiteUpdate(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rev1, err := store.Create(ctx, "a.png", []byte("one"), "add")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rev2, err := store.Update(ctx, "a.png", []byte("two"), rev1, "replace")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rev2 != "2" {
		t.Errorf("rev = %q, want %q", rev2, "2")
	}

	b, _ := store.Read(ctx, "a.png")
	if string(b.Data) != "two" {
		t.Errorf("data = %q, want %q", b.Data, "two")
	}
}

func TestSQLiteUpdateStaleRevision(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rev1, err := store.Create(ctx, "a.png", []byte("one"), "add")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Update(ctx, "a.png", []byte("two"), rev1, "first writer"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err = store.Update(ctx, "a.png", []byte("three"), rev1, "second writer")
	if err == nil {
		t.Fatal("Update with stale revision should fail")
	}
	if !apierr.IsConflict(err) {
		t.Errorf("error kind = %v, want conflict: %v", apierr.KindOf(err), err)
	}

	b, _ := store.Read(ctx, "a.png")
	if string(b.Data) != "two" {
		t.Errorf("data = %q, want %q", b.Data, "two")
	}
}

func TestSQLiteUpdateAbsent(t *testing.T) {
	store := newTestSQLiteStore(t)

	_, err := store.Update(context.Background(), "nope.png", []byte("x"), "1", "update")
	if err == nil {
		t.Fatal("Update of absent path should fail")
	}
	if !apierr.IsNotFound(err) {
		t.Errorf("error kind = %v, want not_found: %v", apierr.KindOf(err), err)
	}
}

func TestSQLiteUpdateMalformedRevision(t *testing.T) {
	store := newTestSQLiteStore(t)

	for _, rev := range []Revision{"", "abc", "0", "-5"} {
		_, err := store.Update(context.Background(), "a.png", []byte("x"), rev, "update")
		if err == nil {
			t.Fatalf("Update with revision %q should fail", rev)
		}
		if apierr.KindOf(err) != apierr.KindInvalidArgument {
			t.Errorf("revision %q: error kind = %v, want invalid_argument: %v", rev, apierr.KindOf(err), err)
		}
	}
}

func TestSQLiteDelete(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "a.png", []byte("one"), "add")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, "a.png", rev, "remove"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	b, err := store.Read(ctx, "a.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b != nil {
		t.Error("path should be gone after delete")
	}
}

func TestSQLiteDeleteStaleRevision(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rev1, err := store.Create(ctx, "a.png", []byte("one"), "add")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Update(ctx, "a.png", []byte("two"), rev1, "replace"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = store.Delete(ctx, "a.png", rev1, "remove")
	if err == nil {
		t.Fatal("Delete with stale revision should fail")
	}
	if !apierr.IsConflict(err) {
		t.Errorf("error kind = %v, want conflict: %v", apierr.KindOf(err), err)
	}
}

func TestSQLiteDeleteAbsent(t *testing.T) {
	store := newTestSQLiteStore(t)

	err := store.Delete(context.Background(), "nope.png", "1", "remove")
	if err == nil {
		t.Fatal("Delete of absent path should fail")
	}
	if !apierr.IsNotFound(err) {
		t.Errorf("error kind = %v, want not_found: %v", apierr.KindOf(err), err)
	}
}

func TestSQLiteReadPublic(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "a.png", []byte("pixels"), "add"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	data, err := store.ReadPublic(ctx, "a.png")
	if err != nil {
		t.Fatalf("ReadPublic: %v", err)
	}
	if string(data) != "pixels" {
		t.Errorf("data = %q, want %q", data, "pixels")
	}

	_, err = store.ReadPublic(ctx, "nope.png")
	if !apierr.IsNotFound(err) {
		t.Errorf("error kind = %v, want not_found: %v", apierr.KindOf(err), err)
	}
}

func TestSQLiteList(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, p := range []string{"coal/b.png", "coal/a.png", "gold/c.png", "manifest.json"} {
		if _, err := store.Create(ctx, p, []byte("x"), "add "+p); err != nil {
			t.Fatalf("Create(%q): %v", p, err)
		}
	}

	paths, err := store.List(ctx, "coal/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"coal/a.png", "coal/b.png"}
	if len(paths) != len(want) {
		t.Fatalf("List = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("List(\"\") returned %d paths, want 4", len(all))
	}
}

func TestSQLiteWriteLogRecordsMessages(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "a.png", []byte("one"), "add image a.png")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Update(ctx, "a.png", []byte("two"), rev, "replace image a.png"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rows, err := store.db.QueryContext(ctx, `SELECT path, op, message FROM write_log ORDER BY id`)
	if err != nil {
		t.Fatalf("querying write_log: %v", err)
	}
	defer rows.Close()

	type logRow struct{ path, op, message string }
	var got []logRow
	for rows.Next() {
		var r logRow
		if err := rows.Scan(&r.path, &r.op, &r.message); err != nil {
			t.Fatalf("scanning write_log: %v", err)
		}
		got = append(got, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterating write_log: %v", err)
	}

	want := []logRow{
		{"a.png", "create", "add image a.png"},
		{"a.png", "update", "replace image a.png"},
	}
	if len(got) != len(want) {
		t.Fatalf("write_log has %d rows, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write_log[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSQLiteHealthCheck(t *testing.T) {
	store := newTestSQLiteStore(t)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestSQLiteInterfaceCompliance(t *testing.T) {
	var _ Store = (*SQLiteStore)(nil)
}
