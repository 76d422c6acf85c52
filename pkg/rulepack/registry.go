package rulepack

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/clauseguard/clauseguard/pkg/analysis"
)

// Registry caches validated rulepacks by (id, version). It is read-mostly:
// lookups take a shared lock, (re)loading is an explicit exclusive
// operation.
type Registry struct {
	mu    sync.RWMutex
	packs map[string]map[string]*Rulepack // id -> version -> pack
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{packs: map[string]map[string]*Rulepack{}}
}

// Add registers a pack, replacing any cached pack with the same
// (id, version). Replacement only happens on explicit reload.
func (r *Registry) Add(rp *Rulepack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.packs[rp.Meta.ID]
	if !ok {
		byVersion = map[string]*Rulepack{}
		r.packs[rp.Meta.ID] = byVersion
	}
	byVersion[rp.Meta.Version] = rp
}

// LoadPath loads a file or directory of rulepacks into the registry.
func (r *Registry) LoadPath(path string) error {
	packs, err := Load(path)
	if err != nil {
		return err
	}
	for _, rp := range packs {
		r.Add(rp)
	}
	return nil
}

// ListVersions returns the known versions of a rulepack id, sorted
// descending by semver.
func (r *Registry) ListVersions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion := r.packs[id]
	versions := make([]*semver.Version, 0, len(byVersion))
	for v := range byVersion {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue // non-semver versions are rejected at parse time
		}
		versions = append(versions, sv)
	}
	sort.Sort(sort.Reverse(semver.Collection(versions)))
	out := make([]string, len(versions))
	for i, sv := range versions {
		out[i] = sv.Original()
	}
	return out
}

// Resolve returns the pack for the requested version, or the highest semver
// when version is empty or "latest". Resolution is deterministic.
func (r *Registry) Resolve(id, version string) (*Rulepack, error) {
	if version == "" || version == "latest" {
		versions := r.ListVersions(id)
		if len(versions) == 0 {
			return nil, analysis.Errorf(analysis.CodeRulepackMissing, "no versions of rulepack %q", id)
		}
		version = versions[0]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rp, ok := r.packs[id][version]
	if !ok {
		return nil, analysis.Errorf(analysis.CodeRulepackMissing, "rulepack %s@%s not found", id, version)
	}
	return rp, nil
}

// IDs returns the registered rulepack ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.packs))
	for id := range r.packs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
