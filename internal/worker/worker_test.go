package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"modelvault/internal/bus"
	"modelvault/internal/config"
	"modelvault/internal/dedupe"
	"modelvault/internal/differ"
	"modelvault/internal/hasher"
	"modelvault/internal/queue"
	"modelvault/internal/storage"
)

type fixture struct {
	w   *Worker
	db  *storage.Storage
	cfg *config.Settings
	q   *queue.Service
	bus *bus.Bus
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Settings{
		LocalModelsRoot:  t.TempDir(),
		LakeModelsRoot:   t.TempDir(),
		LocalAllowDelete: true,
		LakeAllowDelete:  true,
		HashWorkers:      2,
	}
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(log)
	t.Cleanup(b.Close)

	hashSvc := hasher.New(db, cfg, log)
	q := queue.New(db, cfg, differ.New(db), log)
	dd := dedupe.New(db, cfg, hashSvc, log)
	return &fixture{
		w:   New(db, cfg, b, hashSvc, q, dd, log),
		db:  db,
		cfg: cfg,
		q:   q,
		bus: b,
	}
}

func writeFile(t *testing.T, root, rel string, content []byte) string {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return full
}

// runNext executes exactly one pending task synchronously.
func (f *fixture) runNext(t *testing.T) *storage.QueueTask {
	t.Helper()
	task, err := f.db.NextPendingTask()
	if err != nil || task == nil {
		t.Fatalf("no pending task: %v", err)
	}
	f.w.execute(context.Background(), task)
	done, err := f.db.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	return done
}

func TestCopy_TransfersBytesAndSharesHash(t *testing.T) {
	f := setup(t)
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	writeFile(t, f.cfg.LocalModelsRoot, "a/m.bin", content)

	events, cancel := f.bus.Subscribe()
	defer cancel()

	if _, err := f.q.EnqueueCopy(storage.SideLocal, "a/m.bin", storage.SideLake, ""); err != nil {
		t.Fatal(err)
	}
	done := f.runNext(t)
	if done.Status != storage.StatusCompleted {
		t.Fatalf("task status = %s (%v)", done.Status, done.ErrorMessage)
	}

	got, err := os.ReadFile(filepath.Join(f.cfg.LakeModelsRoot, "a", "m.bin"))
	if err != nil {
		t.Fatalf("destination missing: %v", err)
	}
	if string(got) != string(content) {
		t.Error("destination bytes differ from source")
	}

	l, _ := f.db.GetFile(storage.SideLocal, "a/m.bin")
	r, _ := f.db.GetFile(storage.SideLake, "a/m.bin")
	if l == nil || r == nil || l.Hash == nil || r.Hash == nil {
		t.Fatalf("both records should carry hashes: %+v %+v", l, r)
	}
	if *l.Hash != *r.Hash {
		t.Errorf("hashes differ: %s vs %s", *l.Hash, *r.Hash)
	}

	var started, progress, complete int
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case e := <-events:
			switch e.Type {
			case bus.TopicTaskStarted:
				started++
			case bus.TopicQueueProgress:
				progress++
			case bus.TopicTaskComplete:
				complete++
				break collect
			}
		case <-deadline:
			break collect
		}
	}
	if started != 1 || progress < 1 || complete != 1 {
		t.Errorf("events: started=%d progress=%d complete=%d", started, progress, complete)
	}
}

func TestMove_RenamesAndKeepsHash(t *testing.T) {
	f := setup(t)
	writeFile(t, f.cfg.LocalModelsRoot, "old/m.bin", []byte("move me"))
	now := storage.NowISO()
	info, _ := os.Stat(filepath.Join(f.cfg.LocalModelsRoot, "old", "m.bin"))
	h := "feedface"
	f.db.UpsertFile(storage.FileRecord{
		Side: storage.SideLocal, Relpath: "old/m.bin",
		Size: info.Size(), MtimeNs: info.ModTime().UnixNano(),
		Hash: &h, HashComputedAt: &now, IndexedAt: now,
	})

	if _, err := f.q.EnqueueMove([]string{storage.SideLocal}, "old/m.bin", "new/m.bin"); err != nil {
		t.Fatal(err)
	}
	done := f.runNext(t)
	if done.Status != storage.StatusCompleted {
		t.Fatalf("task status = %s (%v)", done.Status, done.ErrorMessage)
	}

	if _, err := os.Stat(filepath.Join(f.cfg.LocalModelsRoot, "old", "m.bin")); !os.IsNotExist(err) {
		t.Error("source should be gone")
	}
	if _, err := os.Stat(filepath.Join(f.cfg.LocalModelsRoot, "new", "m.bin")); err != nil {
		t.Error("destination missing")
	}
	old, _ := f.db.GetFile(storage.SideLocal, "old/m.bin")
	if old != nil {
		t.Error("old index row should be removed")
	}
	moved, _ := f.db.GetFile(storage.SideLocal, "new/m.bin")
	if moved == nil || moved.Hash == nil || *moved.Hash != h {
		t.Errorf("hash should survive an unchanged rename: %+v", moved)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	f := setup(t)
	// No file on disk at all.
	f.db.UpsertFile(storage.FileRecord{Side: storage.SideLocal, Relpath: "ghost.bin", Size: 1, IndexedAt: storage.NowISO()})
	if _, err := f.q.EnqueueDelete(storage.SideLocal, "ghost.bin", true); err != nil {
		t.Fatal(err)
	}
	done := f.runNext(t)
	if done.Status != storage.StatusCompleted {
		t.Errorf("delete of missing file should succeed, got %s", done.Status)
	}
	if rec, _ := f.db.GetFile(storage.SideLocal, "ghost.bin"); rec != nil {
		t.Error("index row should be removed")
	}
}

func TestVerify_FillsBothHashes(t *testing.T) {
	f := setup(t)
	content := []byte("identical on both sides")
	localPath := writeFile(t, f.cfg.LocalModelsRoot, "x.bin", content)
	lakePath := writeFile(t, f.cfg.LakeModelsRoot, "x.bin", content)

	for side, p := range map[string]string{storage.SideLocal: localPath, storage.SideLake: lakePath} {
		info, _ := os.Stat(p)
		f.db.UpsertFile(storage.FileRecord{
			Side: side, Relpath: "x.bin",
			Size: info.Size(), MtimeNs: info.ModTime().UnixNano(),
			IndexedAt: storage.NowISO(),
		})
	}

	if _, err := f.q.EnqueueVerify("x.bin", ""); err != nil {
		t.Fatal(err)
	}
	done := f.runNext(t)
	if done.Status != storage.StatusCompleted {
		t.Fatalf("verify status = %s (%v)", done.Status, done.ErrorMessage)
	}

	l, _ := f.db.GetFile(storage.SideLocal, "x.bin")
	r, _ := f.db.GetFile(storage.SideLake, "x.bin")
	if l.Hash == nil || r.Hash == nil {
		t.Fatal("verify should fill both hashes")
	}
	if *l.Hash != *r.Hash {
		t.Errorf("identical files must match: %s vs %s", *l.Hash, *r.Hash)
	}
}

func TestVerify_MismatchDoesNotFailTask(t *testing.T) {
	f := setup(t)
	// Same size, different bytes.
	localPath := writeFile(t, f.cfg.LocalModelsRoot, "x.bin", []byte("aaaa"))
	lakePath := writeFile(t, f.cfg.LakeModelsRoot, "x.bin", []byte("bbbb"))
	for side, p := range map[string]string{storage.SideLocal: localPath, storage.SideLake: lakePath} {
		info, _ := os.Stat(p)
		f.db.UpsertFile(storage.FileRecord{
			Side: side, Relpath: "x.bin",
			Size: info.Size(), MtimeNs: info.ModTime().UnixNano(),
			IndexedAt: storage.NowISO(),
		})
	}

	f.q.EnqueueVerify("x.bin", "")
	done := f.runNext(t)
	if done.Status != storage.StatusCompleted {
		t.Errorf("mismatch must not fail the task: %s", done.Status)
	}
	l, _ := f.db.GetFile(storage.SideLocal, "x.bin")
	r, _ := f.db.GetFile(storage.SideLake, "x.bin")
	if l.Hash == nil || r.Hash == nil || *l.Hash == *r.Hash {
		t.Error("both hashes stored and differing")
	}
}

func TestHashFile_MigratesSourceMapping(t *testing.T) {
	f := setup(t)
	writeFile(t, f.cfg.LocalModelsRoot, "dl/m.bin", []byte("downloaded"))
	f.db.SetSource(storage.SourceURL{
		Key:     storage.RelpathKeyPrefix + "dl/m.bin",
		URL:     "https://example.com/m.bin",
		AddedAt: storage.NowISO(),
	})

	if _, err := f.q.EnqueueHashFile(storage.SideLocal, "dl/m.bin"); err != nil {
		t.Fatal(err)
	}
	done := f.runNext(t)
	if done.Status != storage.StatusCompleted {
		t.Fatalf("hash_file status = %s (%v)", done.Status, done.ErrorMessage)
	}

	rec, _ := f.db.GetFile(storage.SideLocal, "dl/m.bin")
	if rec == nil || rec.Hash == nil {
		t.Fatal("hash not persisted")
	}
	if old, _ := f.db.GetSource(storage.RelpathKeyPrefix + "dl/m.bin"); old != nil {
		t.Error("relpath-keyed mapping should be gone")
	}
	if moved, _ := f.db.GetSource(*rec.Hash); moved == nil {
		t.Error("hash-keyed mapping missing")
	}
}

func TestHashFile_LakeSideResolvesAgainstLakeRoot(t *testing.T) {
	f := setup(t)
	// The file exists only under the lake root.
	writeFile(t, f.cfg.LakeModelsRoot, "dl/lake.bin", []byte("lake download"))
	f.db.SetSource(storage.SourceURL{
		Key:     storage.RelpathKeyPrefix + "dl/lake.bin",
		URL:     "https://example.com/lake.bin",
		AddedAt: storage.NowISO(),
	})

	if _, err := f.q.EnqueueHashFile(storage.SideLake, "dl/lake.bin"); err != nil {
		t.Fatal(err)
	}
	done := f.runNext(t)
	if done.Status != storage.StatusCompleted {
		t.Fatalf("lake hash_file status = %s (%v)", done.Status, done.ErrorMessage)
	}

	rec, _ := f.db.GetFile(storage.SideLake, "dl/lake.bin")
	if rec == nil || rec.Hash == nil {
		t.Fatal("lake hash not persisted")
	}
	if old, _ := f.db.GetSource(storage.RelpathKeyPrefix + "dl/lake.bin"); old != nil {
		t.Error("relpath-keyed mapping should be gone")
	}
	if moved, _ := f.db.GetSource(*rec.Hash); moved == nil {
		t.Error("hash-keyed mapping missing")
	}
}

func TestDedupeScan_GroupsDuplicates(t *testing.T) {
	f := setup(t)
	dup := []byte("same bytes in both files")
	for _, rel := range []string{"a/one.bin", "b/two.bin"} {
		p := writeFile(t, f.cfg.LocalModelsRoot, rel, dup)
		info, _ := os.Stat(p)
		f.db.UpsertFile(storage.FileRecord{
			Side: storage.SideLocal, Relpath: rel,
			Size: info.Size(), MtimeNs: info.ModTime().UnixNano(),
			IndexedAt: storage.NowISO(),
		})
	}
	p := writeFile(t, f.cfg.LocalModelsRoot, "c/unique.bin", []byte("one of a kind"))
	info, _ := os.Stat(p)
	f.db.UpsertFile(storage.FileRecord{
		Side: storage.SideLocal, Relpath: "c/unique.bin",
		Size: info.Size(), MtimeNs: info.ModTime().UnixNano(),
		IndexedAt: storage.NowISO(),
	})

	if _, err := f.q.EnqueueDedupeScan(storage.SideLocal, "full", 0); err != nil {
		t.Fatal(err)
	}
	done := f.runNext(t)
	if done.Status != storage.StatusCompleted {
		t.Fatalf("dedupe_scan status = %s (%v)", done.Status, done.ErrorMessage)
	}

	// One group of two; the unique file is excluded.
	var groups []storage.DedupeGroup
	if err := f.db.DB.Find(&groups).Error; err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	files, _ := f.db.ListDedupeFiles(groups[0].ID)
	if len(files) != 2 {
		t.Fatalf("expected 2 members, got %d", len(files))
	}
	keeps := 0
	for _, df := range files {
		if df.Keep {
			keeps++
		}
	}
	if keeps != 1 {
		t.Errorf("exactly one member must be keep, got %d", keeps)
	}
}

func TestCancelledTaskStaysCancelled(t *testing.T) {
	f := setup(t)
	writeFile(t, f.cfg.LocalModelsRoot, "m.bin", []byte("x"))
	task, err := f.q.EnqueueCopy(storage.SideLocal, "m.bin", storage.SideLake, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.q.Cancel(task.ID); !ok {
		t.Fatal("cancel failed")
	}
	// The worker never sees cancelled rows.
	next, _ := f.db.NextPendingTask()
	if next != nil {
		t.Errorf("cancelled task offered to worker: %+v", next)
	}
}
