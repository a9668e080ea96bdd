// Package hasher computes content digests for indexed files, with a
// cache keyed by (side, relpath, size, mtime) stored in the file index.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"modelvault/internal/config"
	"modelvault/internal/paths"
	"modelvault/internal/storage"
)

// Mode selects how much of the file feeds the digest.
type Mode string

const (
	ModeFull Mode = "full"
	ModeFast Mode = "fast"
)

// FastPrefix marks a digest computed over the head and tail of a file
// rather than its full contents.
const FastPrefix = "fast:"

const (
	chunkSize = 1 << 20 // 1 MiB streaming reads
	fastSpan  = 4 << 20 // head and tail window for fast digests
)

// Satisfies reports whether a stored digest is acceptable for the
// requested mode. Fast mode accepts anything; full mode rejects
// partial digests.
func Satisfies(hash string, mode Mode) bool {
	if mode == ModeFull {
		return !strings.HasPrefix(hash, FastPrefix)
	}
	return true
}

type Service struct {
	db  *storage.Storage
	cfg *config.Settings
	log *slog.Logger
	sem chan struct{}
}

func New(db *storage.Storage, cfg *config.Settings, log *slog.Logger) *Service {
	workers := cfg.HashWorkers
	if workers < 1 {
		workers = 1
	}
	return &Service{
		db:  db,
		cfg: cfg,
		log: log,
		sem: make(chan struct{}, workers),
	}
}

// GetHash returns the digest for one indexed file, computing and
// persisting it when the cache misses. The cache hits only when the
// stored (size, mtime_ns) still matches the file on disk and the
// stored digest satisfies the requested mode.
func (s *Service) GetHash(ctx context.Context, side, relpath string, mode Mode) (string, error) {
	rel, err := paths.Clean(relpath)
	if err != nil {
		return "", err
	}
	abs, err := paths.Under(s.cfg.Root(side), rel)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", rel, err)
	}
	size := info.Size()
	mtimeNs := info.ModTime().UnixNano()

	rec, err := s.db.GetFile(side, rel)
	if err != nil {
		return "", err
	}
	if rec != nil && rec.Hash != nil && rec.Size == size && rec.MtimeNs == mtimeNs && Satisfies(*rec.Hash, mode) {
		return *rec.Hash, nil
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-s.sem }()

	hash, err := ComputeFile(abs, size, mode)
	if err != nil {
		return "", err
	}

	now := storage.NowISO()
	if err := s.db.UpsertFile(storage.FileRecord{
		Side:           side,
		Relpath:        rel,
		Size:           size,
		MtimeNs:        mtimeNs,
		Hash:           &hash,
		HashComputedAt: &now,
		IndexedAt:      now,
	}); err != nil {
		return "", err
	}
	return hash, nil
}

// HashMany computes digests for a set of relpaths concurrently, bounded
// by the worker pool. Individual failures are logged and skipped; the
// returned map holds only successes.
func (s *Service) HashMany(ctx context.Context, side string, relpaths []string, mode Mode) (map[string]string, error) {
	results := make(map[string]string, len(relpaths))
	var g errgroup.Group
	g.SetLimit(cap(s.sem))

	type pair struct {
		relpath, hash string
	}
	ch := make(chan pair, len(relpaths))

	for _, rel := range relpaths {
		rel := rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := s.GetHash(ctx, side, rel, mode)
			if err != nil {
				s.log.Warn("hash failed", "side", side, "relpath", rel, "error", err)
				return nil
			}
			ch <- pair{rel, h}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(ch)
	for p := range ch {
		results[p.relpath] = p.hash
	}
	return results, nil
}

// ComputeFile digests an absolute path in the given mode. Fast digests
// over files no larger than the window fall back to a full digest with
// the fast prefix still applied.
func ComputeFile(abs string, size int64, mode Mode) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if mode == ModeFast && size > 2*fastSpan {
		return fastDigest(f, size)
	}

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, chunkSize)); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if mode == ModeFast {
		return FastPrefix + sum, nil
	}
	return sum, nil
}

func fastDigest(f *os.File, size int64) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)

	if _, err := io.CopyBuffer(h, io.LimitReader(f, fastSpan), buf); err != nil {
		return "", err
	}
	if _, err := f.Seek(size-fastSpan, io.SeekStart); err != nil {
		return "", err
	}
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return FastPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
