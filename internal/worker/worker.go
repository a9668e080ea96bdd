// Package worker drains the durable queue. It is the single consumer:
// one goroutine owns task status transitions, the file index hash
// columns, and all filesystem mutation under the two roots.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"modelvault/internal/bus"
	"modelvault/internal/config"
	"modelvault/internal/dedupe"
	"modelvault/internal/hasher"
	"modelvault/internal/paths"
	"modelvault/internal/queue"
	"modelvault/internal/storage"
)

var errCancelled = errors.New("task cancelled")

const copyChunk = 1 << 20

type Worker struct {
	db     *storage.Storage
	cfg    *config.Settings
	bus    *bus.Bus
	hash   *hasher.Service
	q      *queue.Service
	dedupe *dedupe.Service
	log    *slog.Logger
}

func New(db *storage.Storage, cfg *config.Settings, b *bus.Bus, hash *hasher.Service, q *queue.Service, dd *dedupe.Service, log *slog.Logger) *Worker {
	return &Worker{db: db, cfg: cfg, bus: b, hash: hash, q: q, dedupe: dd, log: log}
}

// Run loops until the context is cancelled: oldest pending task first,
// 2 s idle when paused, 1 s idle when the queue is empty.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started")
	for {
		if ctx.Err() != nil {
			return
		}
		if w.q.Paused() {
			if !sleep(ctx, 2*time.Second) {
				return
			}
			continue
		}
		task, err := w.db.NextPendingTask()
		if err != nil {
			w.log.Error("queue poll failed", "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if task == nil {
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		w.execute(ctx, task)
	}
}

func (w *Worker) execute(ctx context.Context, task *storage.QueueTask) {
	if err := w.db.MarkTaskRunning(task.ID); err != nil {
		w.log.Error("mark running failed", "task", task.ID, "error", err)
		return
	}
	w.bus.Publish(bus.TopicTaskStarted, map[string]interface{}{
		"task_id":   task.ID,
		"task_type": task.TaskType,
	})
	w.log.Info("task started", "task", task.ID, "type", task.TaskType)

	var result interface{}
	var err error
	switch task.TaskType {
	case storage.TaskCopy:
		err = w.runCopy(ctx, task)
	case storage.TaskMove:
		err = w.runMove(ctx, task)
	case storage.TaskDelete:
		err = w.runDelete(task)
	case storage.TaskVerify:
		result, err = w.runVerify(ctx, task)
	case storage.TaskHashFile:
		err = w.runHashFile(ctx, task)
	case storage.TaskDedupeScan:
		result, err = w.runDedupeScan(ctx, task)
	default:
		err = fmt.Errorf("unknown task type %q", task.TaskType)
	}

	status := storage.StatusCompleted
	errMsg := ""
	switch {
	case errors.Is(err, errCancelled) || errors.Is(err, context.Canceled):
		status = storage.StatusCancelled
	case err != nil:
		status = storage.StatusFailed
		errMsg = err.Error()
		w.log.Error("task failed", "task", task.ID, "type", task.TaskType, "error", err)
	}
	if markErr := w.db.MarkTaskDone(task.ID, status, errMsg); markErr != nil {
		w.log.Error("mark done failed", "task", task.ID, "error", markErr)
	}
	w.bus.Publish(bus.TopicTaskComplete, map[string]interface{}{
		"task_id":   task.ID,
		"task_type": task.TaskType,
		"status":    status,
		"error":     errMsg,
		"result":    result,
	})
}

// runCopy streams the source to the destination while feeding a running
// digest, so the copy and its integrity hash cost a single read pass.
func (w *Worker) runCopy(ctx context.Context, task *storage.QueueTask) error {
	srcSide, srcRel := deref(task.SrcSide), deref(task.SrcRelpath)
	dstSide, dstRel := deref(task.DstSide), deref(task.DstRelpath)

	srcAbs, err := paths.Under(w.cfg.Root(srcSide), srcRel)
	if err != nil {
		return err
	}
	dstAbs, err := paths.Under(w.cfg.Root(dstSide), dstRel)
	if err != nil {
		return err
	}

	srcInfo, err := os.Stat(srcAbs)
	if err != nil {
		return fmt.Errorf("source missing: %s/%s", srcSide, srcRel)
	}
	total := srcInfo.Size()
	if total != task.SizeBytes {
		if err := w.db.UpdateTaskTotal(task.ID, total); err != nil {
			return err
		}
	}

	src, err := os.Open(srcAbs)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(dstAbs)
	if err != nil {
		return err
	}
	defer dst.Close()

	digest := sha256.New()
	buf := make([]byte, copyChunk)
	var written int64
	lastPersist := time.Now()
	lastDecile := -1

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			digest.Write(buf[:n])
			written += int64(n)

			if time.Since(lastPersist) >= time.Second {
				lastPersist = time.Now()
				if w.db.TaskIsCancelled(task.ID) {
					dst.Close()
					os.Remove(dstAbs)
					return errCancelled
				}
				if err := w.db.UpdateTaskProgress(task.ID, written); err != nil {
					w.log.Warn("progress persist failed", "task", task.ID, "error", err)
				}
			}
			if total > 0 {
				decile := int(written * 10 / total)
				if decile > lastDecile {
					lastDecile = decile
					w.publishProgress(task, written, total)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if err := dst.Sync(); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	if err := os.Chtimes(dstAbs, time.Now(), srcInfo.ModTime()); err != nil {
		w.log.Warn("mtime preserve failed", "path", dstRel, "error", err)
	}
	if err := w.db.UpdateTaskProgress(task.ID, written); err != nil {
		return err
	}
	w.publishProgress(task, written, total)

	hash := hex.EncodeToString(digest.Sum(nil))
	now := storage.NowISO()
	mtimeNs := srcInfo.ModTime().UnixNano()
	for _, rec := range []storage.FileRecord{
		{Side: srcSide, Relpath: srcRel, Size: total, MtimeNs: mtimeNs, Hash: &hash, HashComputedAt: &now, IndexedAt: now},
		{Side: dstSide, Relpath: dstRel, Size: total, MtimeNs: mtimeNs, Hash: &hash, HashComputedAt: &now, IndexedAt: now},
	} {
		if err := w.db.UpsertFile(rec); err != nil {
			return err
		}
	}
	return nil
}

// runMove renames within the side's filesystem; cross-device errors
// fall back to copy-then-delete with the same integrity pass.
func (w *Worker) runMove(ctx context.Context, task *storage.QueueTask) error {
	side := deref(task.SrcSide)
	srcRel, dstRel := deref(task.SrcRelpath), deref(task.DstRelpath)

	srcAbs, err := paths.Under(w.cfg.Root(side), srcRel)
	if err != nil {
		return err
	}
	dstAbs, err := paths.Under(w.cfg.Root(side), dstRel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(srcAbs); err != nil {
		return fmt.Errorf("source missing: %s/%s", side, srcRel)
	}
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return err
	}

	if err := os.Rename(srcAbs, dstAbs); err != nil {
		// Different filesystems under one root. Fall back to a full
		// copy pass and remove the original afterwards.
		sameSide := side
		copyTask := *task
		copyTask.SrcSide = &sameSide
		copyTask.DstSide = &sameSide
		if err := w.runCopy(ctx, &copyTask); err != nil {
			return err
		}
		if err := os.Remove(srcAbs); err != nil {
			return err
		}
	}

	old, err := w.db.GetFile(side, srcRel)
	if err != nil {
		return err
	}
	if err := w.db.DeleteFileRecord(side, srcRel); err != nil {
		return err
	}
	info, err := os.Stat(dstAbs)
	if err != nil {
		return err
	}
	rec := storage.FileRecord{
		Side:      side,
		Relpath:   dstRel,
		Size:      info.Size(),
		MtimeNs:   info.ModTime().UnixNano(),
		IndexedAt: storage.NowISO(),
	}
	if old != nil && old.Size == rec.Size && old.MtimeNs == rec.MtimeNs {
		rec.Hash = old.Hash
		rec.HashComputedAt = old.HashComputedAt
	}
	return w.db.UpsertFile(rec)
}

// runDelete unlinks the target; a missing file is success.
func (w *Worker) runDelete(task *storage.QueueTask) error {
	side, rel := deref(task.DstSide), deref(task.DstRelpath)
	abs, err := paths.Under(w.cfg.Root(side), rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return w.db.DeleteFileRecord(side, rel)
}

type verifySummary struct {
	Checked    int `json:"checked"`
	Matched    int `json:"matched"`
	Mismatched int `json:"mismatched"`
}

// runVerify fills in missing hashes for same-size pairs and compares.
// A mismatch is recorded and reported but does not fail the task.
func (w *Worker) runVerify(ctx context.Context, task *storage.QueueTask) (*verifySummary, error) {
	candidates, err := w.db.ListVerifyCandidates(deref(task.SrcRelpath), deref(task.VerifyFolder))
	if err != nil {
		return nil, err
	}

	sum := &verifySummary{}
	for i, c := range candidates {
		if w.db.TaskIsCancelled(task.ID) {
			return nil, errCancelled
		}
		localHash, lakeHash := c.LocalHash, c.LakeHash
		if localHash == nil {
			h, err := w.hash.GetHash(ctx, storage.SideLocal, c.Relpath, hasher.ModeFull)
			if err != nil {
				w.log.Warn("verify hash failed", "side", storage.SideLocal, "relpath", c.Relpath, "error", err)
				continue
			}
			localHash = &h
		}
		if lakeHash == nil {
			h, err := w.hash.GetHash(ctx, storage.SideLake, c.Relpath, hasher.ModeFull)
			if err != nil {
				w.log.Warn("verify hash failed", "side", storage.SideLake, "relpath", c.Relpath, "error", err)
				continue
			}
			lakeHash = &h
		}

		sum.Checked++
		matched := *localHash == *lakeHash
		if matched {
			sum.Matched++
		} else {
			sum.Mismatched++
			w.log.Warn("hash mismatch", "relpath", c.Relpath)
		}
		w.bus.Publish(bus.TopicVerifyProgress, map[string]interface{}{
			"task_id": task.ID,
			"relpath": c.Relpath,
			"matched": matched,
			"done":    i + 1,
			"total":   len(candidates),
		})
		w.publishProgress(task, int64(i+1), int64(len(candidates)))
	}
	return sum, nil
}

// runHashFile hashes one file, then migrates any relpath-keyed source
// mapping over to the new hash key.
func (w *Worker) runHashFile(ctx context.Context, task *storage.QueueTask) error {
	side, rel := deref(task.SrcSide), deref(task.SrcRelpath)
	if side == "" {
		side = storage.SideLocal
	}
	hash, err := w.hash.GetHash(ctx, side, rel, hasher.ModeFull)
	if err != nil {
		return err
	}
	return w.db.MigrateSourceKey(rel, hash)
}

func (w *Worker) runDedupeScan(ctx context.Context, task *storage.QueueTask) (*dedupe.ScanResult, error) {
	side := deref(task.SrcSide)
	mode, minSize := queue.ParseScanParams(deref(task.SrcRelpath))
	return w.dedupe.RunScan(ctx, side, hasher.Mode(mode), minSize)
}

func (w *Worker) publishProgress(task *storage.QueueTask, done, total int64) {
	w.bus.Publish(bus.TopicQueueProgress, map[string]interface{}{
		"task_id":           task.ID,
		"task_type":         task.TaskType,
		"bytes_transferred": done,
		"size_bytes":        total,
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
