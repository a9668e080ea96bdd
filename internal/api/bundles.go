package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"modelvault/internal/paths"
	"modelvault/internal/storage"
)

func (s *Server) handleBundleList(w http.ResponseWriter, r *http.Request) {
	bundles, err := s.db.ListBundles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bundles)
}

type bundleCreateRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

func (s *Server) handleBundleCreate(w http.ResponseWriter, r *http.Request) {
	var req bundleCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	bundle, err := s.db.CreateBundle(req.Name, req.Description)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleBundleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	bundle, err := s.db.GetBundle(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bundle == nil {
		writeError(w, http.StatusNotFound, "unknown bundle "+name)
		return
	}
	assets, err := s.db.ListBundleAssets(bundle.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bundle": bundle,
		"assets": assets,
	})
}

func (s *Server) handleBundleDelete(w http.ResponseWriter, r *http.Request) {
	ok, err := s.db.DeleteBundle(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown bundle")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type bundleAssetsRequest struct {
	Relpaths []string `json:"relpaths"`
}

func (s *Server) handleBundleAddAssets(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	bundle, err := s.db.GetBundle(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bundle == nil {
		writeError(w, http.StatusNotFound, "unknown bundle "+name)
		return
	}
	var req bundleAssetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added := 0
	for _, raw := range req.Relpaths {
		rel, err := paths.Clean(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		asset := storage.BundleAsset{BundleID: bundle.ID, Relpath: rel}
		if rec, err := s.db.GetFile(storage.SideLocal, rel); err == nil && rec != nil {
			asset.Hash = rec.Hash
		}
		if err := s.db.AddBundleAsset(asset); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		added++
	}
	if err := s.db.TouchBundle(bundle.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

type bundleRemoveAssetRequest struct {
	Relpath string `json:"relpath"`
}

func (s *Server) handleBundleRemoveAsset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	bundle, err := s.db.GetBundle(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bundle == nil {
		writeError(w, http.StatusNotFound, "unknown bundle "+name)
		return
	}
	var req bundleRemoveAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := s.db.RemoveBundleAsset(bundle.ID, req.Relpath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "asset not in bundle")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

type bundleAddFolderRequest struct {
	Side   string `json:"side"`
	Folder string `json:"folder"`
}

// handleBundleAddFolder adds every indexed file under a folder prefix.
func (s *Server) handleBundleAddFolder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	bundle, err := s.db.GetBundle(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bundle == nil {
		writeError(w, http.StatusNotFound, "unknown bundle "+name)
		return
	}
	var req bundleAddFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Side == "" {
		req.Side = storage.SideLocal
	}
	files, err := s.db.ListFiles(req.Side, req.Folder, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	added := 0
	for _, f := range files {
		asset := storage.BundleAsset{BundleID: bundle.ID, Relpath: f.Relpath, Hash: f.Hash}
		if err := s.db.AddBundleAsset(asset); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		added++
	}
	if err := s.db.TouchBundle(bundle.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}
