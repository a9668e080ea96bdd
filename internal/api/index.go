package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"modelvault/internal/hasher"
	"modelvault/internal/paths"
	"modelvault/internal/queue"
	"modelvault/internal/storage"
)

type refreshRequest struct {
	Side string `json:"side"`
}

type refreshResponse struct {
	Counts     map[string]int `json:"counts"`
	DurationMs int64          `json:"duration_ms"`
}

func (s *Server) handleIndexRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := time.Now()
	counts := map[string]int{}
	switch req.Side {
	case storage.SideLocal, storage.SideLake:
		n, err := s.index.Scan(r.Context(), req.Side)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts[req.Side] = n
	case "", "both":
		var err error
		if counts, err = s.index.ScanAll(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "side must be local, lake or both")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		Counts:     counts,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleIndexFiles(w http.ResponseWriter, r *http.Request) {
	side := r.URL.Query().Get("side")
	if side != storage.SideLocal && side != storage.SideLake {
		writeError(w, http.StatusBadRequest, "side must be local or lake")
		return
	}
	files, err := s.db.ListFiles(side, r.URL.Query().Get("folder"), r.URL.Query().Get("query"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleIndexFolders(w http.ResponseWriter, r *http.Request) {
	side := r.URL.Query().Get("side")
	if side != storage.SideLocal && side != storage.SideLake {
		writeError(w, http.StatusBadRequest, "side must be local or lake")
		return
	}
	folders, err := s.index.Folders(side)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	parent := r.URL.Query().Get("parent")
	if parent != "" {
		folders = immediateChildren(folders, parent)
	}
	writeJSON(w, http.StatusOK, folders)
}

// immediateChildren keeps only direct subfolders of parent.
func immediateChildren(folders []string, parent string) []string {
	prefix := parent + "/"
	out := []string{}
	for _, f := range folders {
		if len(f) <= len(prefix) || f[:len(prefix)] != prefix {
			continue
		}
		rest := f[len(prefix):]
		if !containsSlash(rest) {
			out = append(out, f)
		}
	}
	return out
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}

func (s *Server) handleIndexDiff(w http.ResponseWriter, r *http.Request) {
	res, err := s.diff.Diff(r.URL.Query().Get("folder"), r.URL.Query().Get("query"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]storage.SideStats{}
	for _, side := range []string{storage.SideLocal, storage.SideLake} {
		st, err := s.db.GetSideStats(side)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats[side] = st
	}
	writeJSON(w, http.StatusOK, stats)
}

type verifyRequest struct {
	Relpath string `json:"relpath"`
	Folder  string `json:"folder"`
}

func (s *Server) handleIndexVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.queue.EnqueueVerify(req.Relpath, req.Folder)
	if err != nil {
		writeError(w, queueErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type hashRequest struct {
	Side    string `json:"side"`
	Relpath string `json:"relpath"`
	Mode    string `json:"mode"`
}

// handleIndexHash computes one file's digest synchronously.
func (s *Server) handleIndexHash(w http.ResponseWriter, r *http.Request) {
	var req hashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Side != storage.SideLocal && req.Side != storage.SideLake {
		writeError(w, http.StatusBadRequest, "side must be local or lake")
		return
	}
	mode := hasher.ModeFull
	if req.Mode == string(hasher.ModeFast) {
		mode = hasher.ModeFast
	}
	hash, err := s.hash.GetHash(r.Context(), req.Side, req.Relpath, mode)
	if err != nil {
		writeError(w, queueErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"relpath": req.Relpath, "hash": hash})
}

// queueErrStatus maps enqueue failures onto HTTP statuses.
func queueErrStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, queue.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, queue.ErrMissing):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrExists), errors.Is(err, queue.ErrSameSide):
		return http.StatusBadRequest
	case errors.Is(err, paths.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Source mapping CRUD.

type sourcePutRequest struct {
	URL          string  `json:"url"`
	Notes        *string `json:"notes"`
	FilenameHint *string `json:"filename_hint"`
	Relpath      *string `json:"relpath"`
	QueueHash    bool    `json:"queue_hash"`
}

func (s *Server) handleSourcesList(w http.ResponseWriter, r *http.Request) {
	sources, err := s.db.ListSources()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) sourceGet(w http.ResponseWriter, key string) {
	src, err := s.db.GetSource(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if src == nil {
		writeError(w, http.StatusNotFound, "no source for "+key)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) sourcePut(w http.ResponseWriter, r *http.Request, key string) {
	var req sourcePutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	src := storage.SourceURL{
		Key:          key,
		URL:          req.URL,
		AddedAt:      storage.NowISO(),
		Notes:        req.Notes,
		FilenameHint: req.FilenameHint,
		Relpath:      req.Relpath,
	}
	if err := s.db.SetSource(src); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// A relpath-keyed mapping can be promoted to its hash key once the
	// file is hashed; queue that on request.
	if req.QueueHash {
		if rel, ok := strings.CutPrefix(key, storage.RelpathKeyPrefix); ok {
			if _, err := s.queue.EnqueueHashFile(storage.SideLocal, rel); err != nil && !errors.Is(err, queue.ErrDuplicate) {
				s.log.Warn("hash enqueue failed", "relpath", rel, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) sourceDelete(w http.ResponseWriter, key string) {
	ok, err := s.db.DeleteSource(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no source for "+key)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleSourceGet(w http.ResponseWriter, r *http.Request) {
	s.sourceGet(w, chi.URLParam(r, "hash"))
}

func (s *Server) handleSourcePut(w http.ResponseWriter, r *http.Request) {
	s.sourcePut(w, r, chi.URLParam(r, "hash"))
}

func (s *Server) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	s.sourceDelete(w, chi.URLParam(r, "hash"))
}

func relpathKeyParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	rel, err := paths.Clean(raw)
	if err != nil {
		return "", err
	}
	return storage.RelpathKeyPrefix + rel, nil
}

func (s *Server) handleSourceGetByRelpath(w http.ResponseWriter, r *http.Request) {
	key, err := relpathKeyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sourceGet(w, key)
}

func (s *Server) handleSourcePutByRelpath(w http.ResponseWriter, r *http.Request) {
	key, err := relpathKeyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sourcePut(w, r, key)
}

func (s *Server) handleSourceDeleteByRelpath(w http.ResponseWriter, r *http.Request) {
	key, err := relpathKeyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sourceDelete(w, key)
}
