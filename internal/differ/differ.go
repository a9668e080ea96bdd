// Package differ compares the two sides of the index and classifies
// every relpath into a sync status.
package differ

import (
	"sort"
	"strings"

	"modelvault/internal/hasher"
	"modelvault/internal/storage"
)

const (
	StatusOnlyLocal    = "only_local"
	StatusOnlyLake     = "only_lake"
	StatusSame         = "same"
	StatusConflict     = "conflict"
	StatusProbableSame = "probable_same"
)

type Entry struct {
	Relpath   string  `json:"relpath"`
	Status    string  `json:"status"`
	LocalSize *int64  `json:"local_size,omitempty"`
	LakeSize  *int64  `json:"lake_size,omitempty"`
	LocalHash *string `json:"local_hash,omitempty"`
	LakeHash  *string `json:"lake_hash,omitempty"`
}

type Summary struct {
	OnlyLocal    int `json:"only_local"`
	OnlyLake     int `json:"only_lake"`
	Same         int `json:"same"`
	Conflict     int `json:"conflict"`
	ProbableSame int `json:"probable_same"`
}

type Result struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

type Service struct {
	db *storage.Storage
}

func New(db *storage.Storage) *Service {
	return &Service{db: db}
}

// Diff joins both sides on relpath. Folder restricts to a prefix;
// query is a case-insensitive substring match.
func (s *Service) Diff(folder, query string) (*Result, error) {
	local, err := s.db.ListFiles(storage.SideLocal, folder, query)
	if err != nil {
		return nil, err
	}
	lake, err := s.db.ListFiles(storage.SideLake, folder, query)
	if err != nil {
		return nil, err
	}

	lakeByPath := make(map[string]*storage.FileRecord, len(lake))
	for i := range lake {
		lakeByPath[lake[i].Relpath] = &lake[i]
	}

	res := &Result{}
	seen := make(map[string]struct{}, len(local))

	for i := range local {
		l := &local[i]
		seen[l.Relpath] = struct{}{}
		r, ok := lakeByPath[l.Relpath]
		if !ok {
			res.add(Entry{Relpath: l.Relpath, Status: StatusOnlyLocal, LocalSize: &l.Size, LocalHash: l.Hash})
			continue
		}
		res.add(Entry{
			Relpath:   l.Relpath,
			Status:    classify(l, r),
			LocalSize: &l.Size,
			LakeSize:  &r.Size,
			LocalHash: l.Hash,
			LakeHash:  r.Hash,
		})
	}
	for i := range lake {
		r := &lake[i]
		if _, ok := seen[r.Relpath]; ok {
			continue
		}
		res.add(Entry{Relpath: r.Relpath, Status: StatusOnlyLake, LakeSize: &r.Size, LakeHash: r.Hash})
	}

	sort.Slice(res.Entries, func(i, j int) bool {
		return res.Entries[i].Relpath < res.Entries[j].Relpath
	})
	return res, nil
}

// classify applies the status matrix. A fast digest on one side against
// a full digest on the other is not comparable, so the pair falls back
// to the size comparison.
func classify(l, r *storage.FileRecord) string {
	if l.Hash != nil && r.Hash != nil && comparable(*l.Hash, *r.Hash) {
		if *l.Hash == *r.Hash {
			return StatusSame
		}
		return StatusConflict
	}
	if l.Size == r.Size {
		return StatusProbableSame
	}
	return StatusConflict
}

func comparable(a, b string) bool {
	return strings.HasPrefix(a, hasher.FastPrefix) == strings.HasPrefix(b, hasher.FastPrefix)
}

func (r *Result) add(e Entry) {
	r.Entries = append(r.Entries, e)
	switch e.Status {
	case StatusOnlyLocal:
		r.Summary.OnlyLocal++
	case StatusOnlyLake:
		r.Summary.OnlyLake++
	case StatusSame:
		r.Summary.Same++
	case StatusConflict:
		r.Summary.Conflict++
	case StatusProbableSame:
		r.Summary.ProbableSame++
	}
}
