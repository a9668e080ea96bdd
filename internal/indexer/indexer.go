// Package indexer walks the two model roots and maintains the file
// index, preserving computed hashes across rescans when a file is
// unchanged.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"modelvault/internal/config"
	"modelvault/internal/paths"
	"modelvault/internal/storage"
)

type Service struct {
	db  *storage.Storage
	cfg *config.Settings
	log *slog.Logger
}

func New(db *storage.Storage, cfg *config.Settings, log *slog.Logger) *Service {
	return &Service{db: db, cfg: cfg, log: log}
}

// Scan rebuilds the index for one side. Existing hashes survive when
// the (relpath, size, mtime_ns) triple is unchanged; anything else is
// treated as new content and loses its cached digest.
func (s *Service) Scan(ctx context.Context, side string) (int, error) {
	root := s.cfg.Root(side)

	// An unreadable root (unmounted share, revoked config) must fail the
	// scan outright. Treating it as an empty walk would replace the side
	// with zero records and lose every cached hash.
	if info, err := os.Stat(root); err != nil {
		return 0, fmt.Errorf("%s root unavailable: %w", side, err)
	} else if !info.IsDir() {
		return 0, fmt.Errorf("%s root %s is not a directory", side, root)
	}

	prev, err := s.db.ListFiles(side, "", "")
	if err != nil {
		return 0, err
	}
	prevByPath := make(map[string]*storage.FileRecord, len(prev))
	for i := range prev {
		prevByPath[prev[i].Relpath] = &prev[i]
	}

	now := storage.NowISO()
	var records []storage.FileRecord

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Only individual entries may be skipped. The root failing
			// mid-walk aborts the scan for the same reason as above.
			if path == root {
				return err
			}
			s.log.Warn("walk error", "side", side, "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			s.log.Warn("stat failed", "side", side, "path", path, "error", err)
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = paths.Normalize(rel)

		rec := storage.FileRecord{
			Side:      side,
			Relpath:   rel,
			Size:      info.Size(),
			MtimeNs:   info.ModTime().UnixNano(),
			IndexedAt: now,
		}
		if old, ok := prevByPath[rel]; ok && old.Hash != nil &&
			old.Size == rec.Size && old.MtimeNs == rec.MtimeNs {
			rec.Hash = old.Hash
			rec.HashComputedAt = old.HashComputedAt
		}
		records = append(records, rec)
		return nil
	})
	if walkErr != nil {
		return 0, walkErr
	}

	if err := s.db.ReplaceSide(side, records); err != nil {
		return 0, err
	}
	s.log.Info("index rebuilt", "side", side, "files", len(records))
	return len(records), nil
}

// ScanAll refreshes both sides in parallel.
func (s *Service) ScanAll(ctx context.Context) (map[string]int, error) {
	var mu sync.Mutex
	counts := map[string]int{}
	var g errgroup.Group
	for _, side := range []string{storage.SideLocal, storage.SideLake} {
		side := side
		g.Go(func() error {
			n, err := s.Scan(ctx, side)
			if err != nil {
				return err
			}
			mu.Lock()
			counts[side] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Folders lists the distinct directory prefixes present on one side,
// derived from indexed relpaths.
func (s *Service) Folders(side string) ([]string, error) {
	files, err := s.db.ListFiles(side, "", "")
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, f := range files {
		parts := strings.Split(f.Relpath, "/")
		for i := 1; i < len(parts); i++ {
			seen[strings.Join(parts[:i], "/")] = struct{}{}
		}
	}
	folders := make([]string, 0, len(seen))
	for dir := range seen {
		folders = append(folders, dir)
	}
	sort.Strings(folders)
	return folders, nil
}

// StatFile reports whether a relpath currently exists under its root.
func (s *Service) StatFile(side, relpath string) (os.FileInfo, error) {
	abs, err := paths.Under(s.cfg.Root(side), relpath)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}
