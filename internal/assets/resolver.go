// Package assets composes download sources for the remote agent from
// the source registry and the file index.
package assets

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"modelvault/internal/config"
	"modelvault/internal/storage"
)

const (
	TypeWeb   = "web"
	TypeLocal = "local"
	TypeLake  = "lake"
)

type Source struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
}

type Resolution struct {
	Hash    string   `json:"hash,omitempty"`
	Relpath string   `json:"relpath,omitempty"`
	Sources []Source `json:"sources"`
}

type Resolver struct {
	db  *storage.Storage
	cfg *config.Settings
}

func NewResolver(db *storage.Storage, cfg *config.Settings) *Resolver {
	return &Resolver{db: db, cfg: cfg}
}

// Resolve orders candidates: registered web sources first (hash key
// before relpath key), then the local stream, then the lake stream.
func (r *Resolver) Resolve(hash, relpath string) (*Resolution, error) {
	res := &Resolution{Hash: hash, Relpath: relpath, Sources: []Source{}}
	prio := 0

	if hash != "" {
		src, err := r.db.GetSource(hash)
		if err != nil {
			return nil, err
		}
		if src != nil {
			res.Sources = append(res.Sources, Source{URL: src.URL, Type: TypeWeb, Priority: prio})
			prio++
		}
	}
	if relpath != "" {
		src, err := r.db.GetSource(storage.RelpathKeyPrefix + relpath)
		if err != nil {
			return nil, err
		}
		if src != nil {
			res.Sources = append(res.Sources, Source{URL: src.URL, Type: TypeWeb, Priority: prio})
			prio++
		}
	}

	if relpath != "" && r.cfg.RemoteBaseURL != "" {
		for _, side := range []string{storage.SideLocal, storage.SideLake} {
			rec, err := r.db.GetFile(side, relpath)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				continue
			}
			t := TypeLocal
			if side == storage.SideLake {
				t = TypeLake
			}
			res.Sources = append(res.Sources, Source{URL: r.streamURL(side, relpath), Type: t, Priority: prio})
			prio++
		}
	}
	return res, nil
}

func (r *Resolver) streamURL(side, relpath string) string {
	return fmt.Sprintf("%s/api/remote/assets/file?side=%s&relpath=%s",
		strings.TrimRight(r.cfg.RemoteBaseURL, "/"), side, url.QueryEscape(relpath))
}

// BundleItem is one resolved member of a bundle with its chosen source.
type BundleItem struct {
	Relpath string   `json:"relpath"`
	Size    int64    `json:"size"`
	Sources []Source `json:"sources"`
}

// ResolveBundle resolves every asset of a named bundle. Items that
// have both a public URL and a local stream are split by ascending
// size: the smaller half streams from this machine, the larger half
// goes to the public URL to cut egress.
func (r *Resolver) ResolveBundle(name string) ([]BundleItem, error) {
	bundle, err := r.db.GetBundle(name)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("unknown bundle %q", name)
	}
	assets, err := r.db.ListBundleAssets(bundle.ID)
	if err != nil {
		return nil, err
	}

	items := make([]BundleItem, 0, len(assets))
	both := []int{} // indexes with a web and a stream source
	for _, a := range assets {
		hash := ""
		if a.Hash != nil {
			hash = *a.Hash
		}
		res, err := r.Resolve(hash, a.Relpath)
		if err != nil {
			return nil, err
		}
		if a.SourceURLOverride != nil && *a.SourceURLOverride != "" {
			res.Sources = append([]Source{{URL: *a.SourceURLOverride, Type: TypeWeb, Priority: -1}}, res.Sources...)
		}

		item := BundleItem{Relpath: a.Relpath, Sources: res.Sources}
		if rec, err := r.db.GetFile(storage.SideLocal, a.Relpath); err == nil && rec != nil {
			item.Size = rec.Size
		} else if rec, err := r.db.GetFile(storage.SideLake, a.Relpath); err == nil && rec != nil {
			item.Size = rec.Size
		}
		if hasType(res.Sources, TypeWeb) && (hasType(res.Sources, TypeLocal) || hasType(res.Sources, TypeLake)) {
			both = append(both, len(items))
		}
		items = append(items, item)
	}

	// Split the dual-source items: small half local-first, large half
	// web-first.
	sort.SliceStable(both, func(i, j int) bool {
		return items[both[i]].Size < items[both[j]].Size
	})
	half := len(both) / 2
	for n, idx := range both {
		if n < half || len(both) == 1 {
			preferType(items[idx].Sources, TypeLocal, TypeLake)
		} else {
			preferType(items[idx].Sources, TypeWeb)
		}
	}
	return items, nil
}

func hasType(sources []Source, t string) bool {
	for _, s := range sources {
		if s.Type == t {
			return true
		}
	}
	return false
}

// preferType reorders sources so the preferred types come first, then
// renumbers priorities.
func preferType(sources []Source, preferred ...string) {
	rank := func(t string) int {
		for i, p := range preferred {
			if t == p {
				return i
			}
		}
		return len(preferred)
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return rank(sources[i].Type) < rank(sources[j].Type)
	})
	for i := range sources {
		sources[i].Priority = i
	}
}
