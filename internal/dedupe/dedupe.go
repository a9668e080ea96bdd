// Package dedupe groups same-hash files on one side into scan
// snapshots and executes keep-selections against them.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"modelvault/internal/config"
	"modelvault/internal/hasher"
	"modelvault/internal/paths"
	"modelvault/internal/storage"
)

type Service struct {
	db   *storage.Storage
	cfg  *config.Settings
	hash *hasher.Service
	log  *slog.Logger
}

func New(db *storage.Storage, cfg *config.Settings, hash *hasher.Service, log *slog.Logger) *Service {
	return &Service{db: db, cfg: cfg, hash: hash, log: log}
}

type ScanResult struct {
	ScanID           string `json:"scan_id"`
	Groups           int    `json:"groups"`
	Files            int    `json:"files"`
	ReclaimableBytes int64  `json:"reclaimable_bytes"`
}

// RunScan hashes every candidate on one side that still lacks a digest,
// then snapshots the hash-collision clusters under a fresh scan id. The
// first member of each group is flagged keep by default.
func (s *Service) RunScan(ctx context.Context, side string, mode hasher.Mode, minSize int64) (*ScanResult, error) {
	unhashed, err := s.db.ListUnhashed(side, minSize)
	if err != nil {
		return nil, err
	}
	if len(unhashed) > 0 {
		rels := make([]string, 0, len(unhashed))
		for _, f := range unhashed {
			rels = append(rels, f.Relpath)
		}
		if _, err := s.hash.HashMany(ctx, side, rels, mode); err != nil {
			return nil, err
		}
	}

	files, err := s.db.ListFiles(side, "", "")
	if err != nil {
		return nil, err
	}
	byHash := map[string][]*storage.FileRecord{}
	for i := range files {
		f := &files[i]
		if f.Hash == nil || f.Size < minSize {
			continue
		}
		byHash[*f.Hash] = append(byHash[*f.Hash], f)
	}

	scanID := uuid.NewString()
	result := &ScanResult{ScanID: scanID}

	for hash, members := range byHash {
		if len(members) < 2 {
			continue
		}
		group, err := s.db.CreateDedupeGroup(storage.DedupeGroup{
			Side:      side,
			Hash:      hash,
			ScanID:    scanID,
			CreatedAt: storage.NowISO(),
		})
		if err != nil {
			return nil, err
		}
		rows := make([]storage.DedupeFile, len(members))
		for i, m := range members {
			rows[i] = storage.DedupeFile{
				GroupID: group.ID,
				Relpath: m.Relpath,
				Size:    m.Size,
				MtimeNs: m.MtimeNs,
				Keep:    i == 0,
			}
			if i > 0 {
				result.ReclaimableBytes += m.Size
			}
		}
		if err := s.db.CreateDedupeFiles(rows); err != nil {
			return nil, err
		}
		result.Groups++
		result.Files += len(members)
	}
	return result, nil
}

type ExecuteResult struct {
	Deleted    int      `json:"deleted"`
	FreedBytes int64    `json:"freed_bytes"`
	Errors     []string `json:"errors"`
}

// Execute deletes every non-kept file across the scan's groups. The
// per-side allow-delete flag does not apply here; the caller chose the
// survivors explicitly.
func (s *Service) Execute(scanID string, keep map[uint]string) (*ExecuteResult, error) {
	groups, err := s.db.ListDedupeGroups(scanID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("unknown scan %s", scanID)
	}

	res := &ExecuteResult{Errors: []string{}}
	for _, g := range groups {
		files, err := s.db.ListDedupeFiles(g.ID)
		if err != nil {
			return nil, err
		}
		kept := keep[g.ID]
		if kept == "" {
			for _, f := range files {
				if f.Keep {
					kept = f.Relpath
					break
				}
			}
		}
		for _, f := range files {
			if f.Relpath == kept {
				continue
			}
			abs, err := paths.Under(s.cfg.Root(g.Side), f.Relpath)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", f.Relpath, err))
				continue
			}
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", f.Relpath, err))
				continue
			}
			if err := s.db.DeleteFileRecord(g.Side, f.Relpath); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", f.Relpath, err))
				continue
			}
			res.Deleted++
			res.FreedBytes += f.Size
		}
	}
	s.log.Info("dedupe executed", "scan_id", scanID, "deleted", res.Deleted, "freed_bytes", res.FreedBytes)
	return res, nil
}

// Groups returns a scan's stored clusters with their member files.
func (s *Service) Groups(scanID string) ([]storage.DedupeGroup, map[uint][]storage.DedupeFile, error) {
	groups, err := s.db.ListDedupeGroups(scanID)
	if err != nil {
		return nil, nil, err
	}
	byGroup := map[uint][]storage.DedupeFile{}
	for _, g := range groups {
		files, err := s.db.ListDedupeFiles(g.ID)
		if err != nil {
			return nil, nil, err
		}
		byGroup[g.ID] = files
	}
	return groups, byGroup, nil
}

func (s *Service) Clear(scanID string) error {
	return s.db.DeleteScan(scanID)
}
