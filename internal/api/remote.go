package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"modelvault/internal/paths"
	"modelvault/internal/remote"
	"modelvault/internal/storage"
)

func (s *Server) handleRemoteStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Status())
}

func (s *Server) handleSessionEnable(w http.ResponseWriter, r *http.Request) {
	key, expiresAt, err := s.broker.EnableSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_key": key,
		"expires_at":  expiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	s.broker.EndSession()
	writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

func (s *Server) handleRemoteTaskList(w http.ResponseWriter, r *http.Request) {
	tasks := s.broker.ListTasks()
	if tasks == nil {
		tasks = []*remote.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type remoteEnqueueRequest struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

func (s *Server) handleRemoteEnqueue(w http.ResponseWriter, r *http.Request) {
	var req remoteEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}
	task, err := s.broker.Enqueue(req.Type, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRemoteCancel(w http.ResponseWriter, r *http.Request) {
	if !s.broker.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "task not found or already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var info map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.broker.RegisterAgent(info)
	writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.broker.Heartbeat()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleTaskNext long-polls for up to 20 seconds server-side.
func (s *Server) handleTaskNext(w http.ResponseWriter, r *http.Request) {
	task := s.broker.NextTask(r.Context())
	if task == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"task": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	var update remote.ProgressUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.broker.Progress(update) {
		writeError(w, http.StatusConflict, "update discarded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAssetResolve(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	relpath := r.URL.Query().Get("relpath")
	if hash == "" && relpath == "" {
		writeError(w, http.StatusBadRequest, "hash or relpath is required")
		return
	}
	if relpath != "" {
		clean, err := paths.Clean(relpath)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		relpath = clean
	}
	res, err := s.resolver.Resolve(hash, relpath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBundleResolve(w http.ResponseWriter, r *http.Request) {
	items, err := s.resolver.ResolveBundle(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// handleAssetFile streams a file with byte-range support for the
// remote agent's resumable pulls.
func (s *Server) handleAssetFile(w http.ResponseWriter, r *http.Request) {
	side := r.URL.Query().Get("side")
	if side != storage.SideLocal && side != storage.SideLake {
		writeError(w, http.StatusBadRequest, "side must be local or lake")
		return
	}
	rel, err := paths.Clean(r.URL.Query().Get("relpath"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	abs, err := paths.Under(s.cfg.Root(side), rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	size := info.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
		return
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	io.CopyN(w, f, end-start+1)
}

// parseRange handles the single-range form "bytes=start-[end]".
func parseRange(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range")
	}
	start, err = strconv.ParseInt(strings.TrimSpace(from), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("malformed range start")
	}
	if start >= size {
		return 0, 0, fmt.Errorf("range start %d beyond size %d", start, size)
	}
	end = size - 1
	if to = strings.TrimSpace(to); to != "" {
		end, err = strconv.ParseInt(to, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("malformed range end")
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, nil
}
