package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"modelvault/internal/hasher"
	"modelvault/internal/storage"
)

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.db.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleQueueActive(w http.ResponseWriter, r *http.Request) {
	task, err := s.db.ActiveTask()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":   task,
		"paused": s.queue.Paused(),
	})
}

type copyRequest struct {
	SrcSide    string `json:"src_side"`
	SrcRelpath string `json:"src_relpath"`
	DstSide    string `json:"dst_side"`
	DstRelpath string `json:"dst_relpath"`
}

func (s *Server) handleQueueCopy(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.queue.EnqueueCopy(req.SrcSide, req.SrcRelpath, req.DstSide, req.DstRelpath)
	if err != nil {
		writeError(w, queueErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type moveRequest struct {
	Sides      []string `json:"sides"`
	SrcRelpath string   `json:"src_relpath"`
	DstRelpath string   `json:"dst_relpath"`
}

func (s *Server) handleQueueMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Sides) == 0 {
		writeError(w, http.StatusBadRequest, "sides is required")
		return
	}
	tasks, err := s.queue.EnqueueMove(req.Sides, req.SrcRelpath, req.DstRelpath)
	if err != nil {
		writeError(w, queueErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type deleteRequest struct {
	Side    string `json:"side"`
	Relpath string `json:"relpath"`
}

func (s *Server) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.queue.EnqueueDelete(req.Side, req.Relpath, true)
	if err != nil {
		writeError(w, queueErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.queue.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func taskIDParam(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	return uint(id), err == nil
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	cancelled, err := s.queue.Cancel(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "task is not pending or running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	removed, err := s.queue.Remove(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusConflict, "only pending tasks can be removed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

type mirrorRequest struct {
	SrcSide string `json:"src_side"`
	DstSide string `json:"dst_side"`
	Folder  string `json:"folder"`
}

func (s *Server) handleMirrorPlan(w http.ResponseWriter, r *http.Request) {
	var req mirrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.queue.PlanMirror(req.SrcSide, req.DstSide, req.Folder)
	if err != nil {
		writeError(w, queueErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleMirrorExecute(w http.ResponseWriter, r *http.Request) {
	var req mirrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.queue.ExecuteMirror(req.SrcSide, req.DstSide, req.Folder)
	if err != nil {
		writeError(w, queueErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// Dedupe.

type dedupeScanRequest struct {
	Side    string `json:"side"`
	Mode    string `json:"mode"`
	MinSize int64  `json:"min_size"`
}

func (s *Server) handleDedupeScan(w http.ResponseWriter, r *http.Request) {
	var req dedupeScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Side != storage.SideLocal && req.Side != storage.SideLake {
		writeError(w, http.StatusBadRequest, "side must be local or lake")
		return
	}
	if req.Mode == "" {
		req.Mode = string(hasher.ModeFull)
	}
	task, err := s.queue.EnqueueDedupeScan(req.Side, req.Mode, req.MinSize)
	if err != nil {
		writeError(w, queueErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDedupeResults(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	groups, files, err := s.dedupe.Groups(scanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type groupOut struct {
		storage.DedupeGroup
		Files []storage.DedupeFile `json:"files"`
	}
	out := make([]groupOut, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupOut{DedupeGroup: g, Files: files[g.ID]})
	}
	writeJSON(w, http.StatusOK, out)
}

type dedupeExecuteRequest struct {
	ScanID     string `json:"scan_id"`
	Selections []struct {
		GroupID     uint   `json:"group_id"`
		KeepRelpath string `json:"keep_relpath"`
	} `json:"selections"`
}

func (s *Server) handleDedupeExecute(w http.ResponseWriter, r *http.Request) {
	var req dedupeExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	keep := make(map[uint]string, len(req.Selections))
	for _, sel := range req.Selections {
		keep[sel.GroupID] = sel.KeepRelpath
	}
	res, err := s.dedupe.Execute(req.ScanID, keep)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDedupeClear(w http.ResponseWriter, r *http.Request) {
	if err := s.dedupe.Clear(chi.URLParam(r, "scanID")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}
