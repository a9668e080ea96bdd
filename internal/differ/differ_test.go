package differ

import (
	"path/filepath"
	"testing"

	"modelvault/internal/hasher"
	"modelvault/internal/storage"
)

func testDB(t *testing.T) *storage.Storage {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func put(t *testing.T, db *storage.Storage, side, rel string, size int64, hash string) {
	t.Helper()
	rec := storage.FileRecord{Side: side, Relpath: rel, Size: size, MtimeNs: 1, IndexedAt: storage.NowISO()}
	if hash != "" {
		now := storage.NowISO()
		rec.Hash = &hash
		rec.HashComputedAt = &now
	}
	if err := db.UpsertFile(rec); err != nil {
		t.Fatal(err)
	}
}

func statusOf(t *testing.T, res *Result, rel string) string {
	t.Helper()
	for _, e := range res.Entries {
		if e.Relpath == rel {
			return e.Status
		}
	}
	t.Fatalf("no entry for %s", rel)
	return ""
}

func TestDiff_StatusMatrix(t *testing.T) {
	db := testDB(t)
	svc := New(db)

	put(t, db, storage.SideLocal, "only-local.bin", 10, "")
	put(t, db, storage.SideLake, "only-lake.bin", 10, "")

	put(t, db, storage.SideLocal, "same.bin", 10, "aaa")
	put(t, db, storage.SideLake, "same.bin", 10, "aaa")

	put(t, db, storage.SideLocal, "conflict.bin", 10, "aaa")
	put(t, db, storage.SideLake, "conflict.bin", 10, "bbb")

	put(t, db, storage.SideLocal, "probable.bin", 10, "")
	put(t, db, storage.SideLake, "probable.bin", 10, "aaa")

	put(t, db, storage.SideLocal, "size-conflict.bin", 10, "")
	put(t, db, storage.SideLake, "size-conflict.bin", 20, "aaa")

	res, err := svc.Diff("", "")
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	cases := map[string]string{
		"only-local.bin":    StatusOnlyLocal,
		"only-lake.bin":     StatusOnlyLake,
		"same.bin":          StatusSame,
		"conflict.bin":      StatusConflict,
		"probable.bin":      StatusProbableSame,
		"size-conflict.bin": StatusConflict,
	}
	for rel, want := range cases {
		if got := statusOf(t, res, rel); got != want {
			t.Errorf("%s = %s, want %s", rel, got, want)
		}
	}
	if res.Summary.Conflict != 2 || res.Summary.Same != 1 {
		t.Errorf("bad summary: %+v", res.Summary)
	}
}

func TestDiff_FastVsFullFallsBackToSize(t *testing.T) {
	db := testDB(t)
	svc := New(db)

	put(t, db, storage.SideLocal, "m.bin", 10, hasher.FastPrefix+"aaa")
	put(t, db, storage.SideLake, "m.bin", 10, "bbb")

	res, err := svc.Diff("", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := statusOf(t, res, "m.bin"); got != StatusProbableSame {
		t.Errorf("fast-vs-full with equal sizes = %s, want probable_same", got)
	}
}

func TestDiff_BothFastCompare(t *testing.T) {
	db := testDB(t)
	svc := New(db)

	put(t, db, storage.SideLocal, "m.bin", 10, hasher.FastPrefix+"aaa")
	put(t, db, storage.SideLake, "m.bin", 10, hasher.FastPrefix+"aaa")

	res, err := svc.Diff("", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := statusOf(t, res, "m.bin"); got != StatusSame {
		t.Errorf("matching fast digests = %s, want same", got)
	}
}

func TestDiff_FolderFilter(t *testing.T) {
	db := testDB(t)
	svc := New(db)
	put(t, db, storage.SideLocal, "a/one.bin", 1, "")
	put(t, db, storage.SideLocal, "b/two.bin", 1, "")

	res, err := svc.Diff("a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Relpath != "a/one.bin" {
		t.Errorf("folder filter leaked: %+v", res.Entries)
	}
}
