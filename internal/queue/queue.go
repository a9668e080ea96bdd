// Package queue validates and enqueues durable tasks for the worker,
// and plans one-way mirrors between the two sides.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"modelvault/internal/config"
	"modelvault/internal/differ"
	"modelvault/internal/paths"
	"modelvault/internal/storage"
)

var (
	ErrPolicyDenied = errors.New("deletion not allowed on this side")
	ErrExists       = errors.New("destination already exists")
	ErrMissing      = errors.New("source does not exist")
	ErrDuplicate    = errors.New("an equivalent task is already queued")
	ErrSameSide     = errors.New("copy requires two different sides")
)

type Service struct {
	db     *storage.Storage
	cfg    *config.Settings
	diff   *differ.Service
	log    *slog.Logger
	paused atomic.Bool
}

func New(db *storage.Storage, cfg *config.Settings, diff *differ.Service, log *slog.Logger) *Service {
	return &Service{db: db, cfg: cfg, diff: diff, log: log}
}

// Paused reports the process-wide pause flag the worker consults each
// cycle.
func (s *Service) Paused() bool { return s.paused.Load() }

func (s *Service) Pause()  { s.paused.Store(true) }
func (s *Service) Resume() { s.paused.Store(false) }

func (s *Service) EnqueueCopy(srcSide, srcRelpath, dstSide, dstRelpath string) (*storage.QueueTask, error) {
	if srcSide == dstSide {
		return nil, ErrSameSide
	}
	src, err := paths.Clean(srcRelpath)
	if err != nil {
		return nil, err
	}
	dst := src
	if dstRelpath != "" {
		if dst, err = paths.Clean(dstRelpath); err != nil {
			return nil, err
		}
	}

	abs, err := paths.Under(s.cfg.Root(srcSide), src)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissing, srcSide, src)
	}

	task, err := s.db.CreateTask(storage.QueueTask{
		TaskType:   storage.TaskCopy,
		SrcSide:    &srcSide,
		SrcRelpath: &src,
		DstSide:    &dstSide,
		DstRelpath: &dst,
		SizeBytes:  info.Size(),
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// EnqueueMove preflights every requested side before enqueueing any of
// them: a single failing side rejects the whole batch.
func (s *Service) EnqueueMove(sides []string, srcRelpath, dstRelpath string) ([]storage.QueueTask, error) {
	src, err := paths.Clean(srcRelpath)
	if err != nil {
		return nil, err
	}
	dst, err := paths.Clean(dstRelpath)
	if err != nil {
		return nil, err
	}
	if src == dst {
		return nil, fmt.Errorf("%w: source and destination are the same path", ErrExists)
	}

	type planned struct {
		side string
		size int64
	}
	var plan []planned
	for _, side := range sides {
		srcAbs, err := paths.Under(s.cfg.Root(side), src)
		if err != nil {
			return nil, err
		}
		dstAbs, err := paths.Under(s.cfg.Root(side), dst)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(srcAbs)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrMissing, side, src)
		}
		if _, err := os.Stat(dstAbs); err == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrExists, side, dst)
		}
		plan = append(plan, planned{side, info.Size()})
	}

	var tasks []storage.QueueTask
	for _, p := range plan {
		side := p.side
		task, err := s.db.CreateTask(storage.QueueTask{
			TaskType:   storage.TaskMove,
			SrcSide:    &side,
			SrcRelpath: &src,
			DstSide:    &side,
			DstRelpath: &dst,
			SizeBytes:  p.size,
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// EnqueueDelete honors the per-side allow-delete flag unless the caller
// opts out; dedupe execution is the one caller that does.
func (s *Service) EnqueueDelete(side, relpath string, respectPolicy bool) (*storage.QueueTask, error) {
	rel, err := paths.Clean(relpath)
	if err != nil {
		return nil, err
	}
	if respectPolicy && !s.cfg.AllowDelete(side) {
		return nil, fmt.Errorf("%w: %s", ErrPolicyDenied, side)
	}
	task, err := s.db.CreateTask(storage.QueueTask{
		TaskType:   storage.TaskDelete,
		DstSide:    &side,
		DstRelpath: &rel,
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// EnqueueVerify coalesces: an open verify for the same relpath or
// folder refuses a second one.
func (s *Service) EnqueueVerify(relpath, folder string) (*storage.QueueTask, error) {
	row := storage.QueueTask{TaskType: storage.TaskVerify}
	var rel string
	if relpath != "" {
		var err error
		if rel, err = paths.Clean(relpath); err != nil {
			return nil, err
		}
		row.SrcRelpath = &rel
	} else if folder != "" {
		row.VerifyFolder = &folder
	}

	open, err := s.db.HasOpenTask(storage.TaskVerify, "", rel, folder)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrDuplicate
	}
	task, err := s.db.CreateTask(row)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// EnqueueHashFile hashes one file on the given side and migrates any
// relpath-keyed source mapping to its hash. Coalesced per side and
// relpath.
func (s *Service) EnqueueHashFile(side, relpath string) (*storage.QueueTask, error) {
	if side != storage.SideLocal && side != storage.SideLake {
		return nil, fmt.Errorf("invalid side %q", side)
	}
	rel, err := paths.Clean(relpath)
	if err != nil {
		return nil, err
	}
	open, err := s.db.HasOpenTask(storage.TaskHashFile, side, rel, "")
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrDuplicate
	}
	task, err := s.db.CreateTask(storage.QueueTask{
		TaskType:   storage.TaskHashFile,
		SrcSide:    &side,
		SrcRelpath: &rel,
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// EnqueueDedupeScan records mode and min_size in the relpath column as
// "mode:min_size" so the single queue schema carries scan parameters.
func (s *Service) EnqueueDedupeScan(side, mode string, minSize int64) (*storage.QueueTask, error) {
	if mode != "full" && mode != "fast" {
		return nil, fmt.Errorf("invalid dedupe mode %q", mode)
	}
	params := fmt.Sprintf("%s:%d", mode, minSize)
	task, err := s.db.CreateTask(storage.QueueTask{
		TaskType:   storage.TaskDedupeScan,
		SrcSide:    &side,
		SrcRelpath: &params,
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Service) Cancel(id uint) (bool, error) {
	return s.db.CancelTask(id)
}

func (s *Service) Remove(id uint) (bool, error) {
	return s.db.RemoveTask(id)
}

// MirrorPlan is the set of operations that would make dst mirror src.
type MirrorPlan struct {
	Copies    []string `json:"copies"`
	Deletes   []string `json:"deletes"`
	Conflicts []string `json:"conflicts"`
}

func (p *MirrorPlan) Empty() bool {
	return len(p.Copies) == 0 && len(p.Deletes) == 0 && len(p.Conflicts) == 0
}

// PlanMirror computes the copy/delete/conflict sets from the diff view
// of one folder, src side toward dst side.
func (s *Service) PlanMirror(srcSide, dstSide, folder string) (*MirrorPlan, error) {
	if srcSide == dstSide {
		return nil, ErrSameSide
	}
	res, err := s.diff.Diff(folder, "")
	if err != nil {
		return nil, err
	}

	onlySrc := differ.StatusOnlyLocal
	onlyDst := differ.StatusOnlyLake
	if srcSide == storage.SideLake {
		onlySrc, onlyDst = onlyDst, onlySrc
	}

	plan := &MirrorPlan{}
	for _, e := range res.Entries {
		switch e.Status {
		case onlySrc:
			plan.Copies = append(plan.Copies, e.Relpath)
		case onlyDst:
			plan.Deletes = append(plan.Deletes, e.Relpath)
		case differ.StatusConflict:
			plan.Conflicts = append(plan.Conflicts, e.Relpath)
		}
	}
	return plan, nil
}

// ExecuteMirror enqueues every copy and delete from a fresh plan.
// Deletes go through the normal policy check; a denied side fails the
// whole request before anything is enqueued.
func (s *Service) ExecuteMirror(srcSide, dstSide, folder string) (*MirrorPlan, error) {
	plan, err := s.PlanMirror(srcSide, dstSide, folder)
	if err != nil {
		return nil, err
	}
	if len(plan.Deletes) > 0 && !s.cfg.AllowDelete(dstSide) {
		return nil, fmt.Errorf("%w: %s", ErrPolicyDenied, dstSide)
	}
	for _, rel := range plan.Copies {
		if _, err := s.EnqueueCopy(srcSide, rel, dstSide, rel); err != nil {
			return nil, err
		}
	}
	for _, rel := range plan.Deletes {
		if _, err := s.EnqueueDelete(dstSide, rel, true); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// ParseScanParams splits the "mode:min_size" parameter string stored
// on dedupe_scan tasks.
func ParseScanParams(params string) (mode string, minSize int64) {
	mode = "full"
	parts := strings.SplitN(params, ":", 2)
	if parts[0] == "fast" {
		mode = "fast"
	}
	if len(parts) == 2 {
		fmt.Sscanf(parts[1], "%d", &minSize)
	}
	return mode, minSize
}
