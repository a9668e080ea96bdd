package hasher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"modelvault/internal/config"
	"modelvault/internal/storage"
)

func testService(t *testing.T) (*Service, *storage.Storage, string) {
	t.Helper()
	localRoot := t.TempDir()
	cfg := &config.Settings{
		LocalModelsRoot: localRoot,
		LakeModelsRoot:  t.TempDir(),
		HashWorkers:     2,
	}
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, cfg, log), db, localRoot
}

func writeFile(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGetHash_FullMatchesSHA256(t *testing.T) {
	svc, _, root := testService(t)
	content := []byte("model weights go here")
	writeFile(t, root, "a/m.bin", content)

	got, err := svc.GetHash(context.Background(), storage.SideLocal, "a/m.bin", ModeFull)
	if err != nil {
		t.Fatalf("GetHash failed: %v", err)
	}
	sum := sha256.Sum256(content)
	if got != hex.EncodeToString(sum[:]) {
		t.Errorf("digest mismatch: %s", got)
	}
}

func TestGetHash_Deterministic(t *testing.T) {
	svc, _, root := testService(t)
	writeFile(t, root, "m.bin", bytes.Repeat([]byte{0xAB}, 4096))

	first, err := svc.GetHash(context.Background(), storage.SideLocal, "m.bin", ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.GetHash(context.Background(), storage.SideLocal, "m.bin", ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("digests differ: %s vs %s", first, second)
	}
}

func TestGetHash_CachePersists(t *testing.T) {
	svc, db, root := testService(t)
	writeFile(t, root, "m.bin", []byte("cached"))

	hash, err := svc.GetHash(context.Background(), storage.SideLocal, "m.bin", ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := db.GetFile(storage.SideLocal, "m.bin")
	if err != nil || rec == nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.Hash == nil || *rec.Hash != hash {
		t.Errorf("cached hash mismatch: %+v", rec)
	}
	if rec.HashComputedAt == nil {
		t.Error("hash_computed_at not set")
	}
}

func TestGetHash_FastSmallFileStillPrefixed(t *testing.T) {
	svc, _, root := testService(t)
	writeFile(t, root, "small.bin", []byte("tiny"))

	got, err := svc.GetHash(context.Background(), storage.SideLocal, "small.bin", ModeFast)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, FastPrefix) {
		t.Errorf("fast digest missing prefix: %s", got)
	}
}

func TestGetHash_FullRejectsCachedFast(t *testing.T) {
	svc, db, root := testService(t)
	writeFile(t, root, "m.bin", []byte("content"))

	fast, err := svc.GetHash(context.Background(), storage.SideLocal, "m.bin", ModeFast)
	if err != nil {
		t.Fatal(err)
	}
	full, err := svc.GetHash(context.Background(), storage.SideLocal, "m.bin", ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	if full == fast {
		t.Error("full mode returned the cached fast digest")
	}
	if strings.HasPrefix(full, FastPrefix) {
		t.Errorf("full digest carries fast prefix: %s", full)
	}
	rec, _ := db.GetFile(storage.SideLocal, "m.bin")
	if rec.Hash == nil || *rec.Hash != full {
		t.Errorf("cache should now hold the full digest: %+v", rec)
	}
}

func TestFastDigest_UsesHeadAndTail(t *testing.T) {
	dir := t.TempDir()
	// Larger than 2x the window so the middle is skipped.
	content := bytes.Repeat([]byte{0x01}, 9<<20)
	path := filepath.Join(dir, "big.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	fast1, err := ComputeFile(path, int64(len(content)), ModeFast)
	if err != nil {
		t.Fatal(err)
	}

	// Change a middle byte only; the fast digest must not notice.
	content[5<<20] = 0xFF
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	fast2, err := ComputeFile(path, int64(len(content)), ModeFast)
	if err != nil {
		t.Fatal(err)
	}
	if fast1 != fast2 {
		t.Error("fast digest should ignore the file middle")
	}

	// Changing the head changes it.
	content[0] = 0xFF
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	fast3, _ := ComputeFile(path, int64(len(content)), ModeFast)
	if fast3 == fast1 {
		t.Error("fast digest should cover the head")
	}
}

func TestHashMany_Bounded(t *testing.T) {
	svc, _, root := testService(t)
	rels := []string{"a.bin", "b.bin", "c.bin", "missing.bin"}
	for _, rel := range rels[:3] {
		writeFile(t, root, rel, []byte(rel))
	}

	got, err := svc.HashMany(context.Background(), storage.SideLocal, rels, ModeFull)
	if err != nil {
		t.Fatalf("HashMany failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 successes, got %d", len(got))
	}
	if _, ok := got["missing.bin"]; ok {
		t.Error("missing file should be skipped, not hashed")
	}
}
