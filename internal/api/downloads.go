package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"modelvault/internal/storage"
)

func (s *Server) handleDownloadList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.db.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type downloadCreateRequest struct {
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	TargetSide   string `json:"target_side"`
	RecordSource bool   `json:"record_source"`
}

func (s *Server) handleDownloadCreate(w http.ResponseWriter, r *http.Request) {
	var req downloadCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	targetRoot := ""
	if req.TargetSide != "" {
		if req.TargetSide != storage.SideLocal && req.TargetSide != storage.SideLake {
			writeError(w, http.StatusBadRequest, "target_side must be local or lake")
			return
		}
		targetRoot = s.cfg.Root(req.TargetSide)
	}
	job, err := s.dl.Enqueue(req.URL, req.Filename, targetRoot, req.RecordSource)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func jobIDParam(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	return uint(id), err == nil
}

func (s *Server) handleDownloadStart(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := s.dl.Restart(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queued": true})
}

func (s *Server) handleDownloadCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := s.dl.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleDownloadCancelAll(w http.ResponseWriter, r *http.Request) {
	if err := s.dl.CancelAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}
