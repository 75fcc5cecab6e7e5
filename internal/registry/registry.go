// Package registry persists which notebooks are protected and under which
// keystore alias. The whole mapping is one JSON object stored under a single
// preference key; every mutation rewrites it.
package registry

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/starford/sealbook/internal/checksum"
	"github.com/starford/sealbook/internal/index"
)

// PrefKey is the preference key holding the protection map.
const PrefKey = "protected_notebooks"

// Registry maps notebook paths to key aliases.
type Registry struct {
	prefs index.Prefs

	mu     sync.Mutex
	loaded bool
	byNB   map[string]string
}

// New creates a Registry over prefs. Nothing is read until first use.
func New(prefs index.Prefs) *Registry {
	return &Registry{prefs: prefs}
}

// NewAlias derives the keystore alias for nb at time t.
func NewAlias(nb string, t time.Time) string {
	return "key_" + checksum.Short(nb) + "_" + strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *Registry) loadLocked() error {
	if r.loaded {
		return nil
	}
	raw, ok, err := r.prefs.GetPref(PrefKey)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}
	m := make(map[string]string)
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return fmt.Errorf("registry: decode: %w", err)
		}
	}
	r.byNB = m
	r.loaded = true
	return nil
}

func (r *Registry) saveLocked(next map[string]string) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	if err := r.prefs.PutPref(PrefKey, string(data)); err != nil {
		return fmt.Errorf("registry: save: %w", err)
	}
	r.byNB = next
	return nil
}

// SetProtected records nb as protected under alias.
func (r *Registry) SetProtected(nb, alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	next := maps.Clone(r.byNB)
	next[nb] = alias
	return r.saveLocked(next)
}

// SetUnprotected removes nb from the registry. Removing an absent entry is a no-op.
func (r *Registry) SetUnprotected(nb string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	if _, ok := r.byNB[nb]; !ok {
		return nil
	}
	next := maps.Clone(r.byNB)
	delete(next, nb)
	return r.saveLocked(next)
}

// Rename moves the entry of from to to, keeping its alias.
func (r *Registry) Rename(from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	alias, ok := r.byNB[from]
	if !ok {
		return nil
	}
	next := maps.Clone(r.byNB)
	delete(next, from)
	next[to] = alias
	return r.saveLocked(next)
}

// KeyAliasFor returns the alias of nb and whether nb is protected.
func (r *Registry) KeyAliasFor(nb string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return "", false, err
	}
	alias, ok := r.byNB[nb]
	return alias, ok, nil
}

// IsProtected reports whether nb is protected.
func (r *Registry) IsProtected(nb string) (bool, error) {
	_, ok, err := r.KeyAliasFor(nb)
	return ok, err
}

// AllProtected returns a copy of the whole mapping.
func (r *Registry) AllProtected() (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	return maps.Clone(r.byNB), nil
}
