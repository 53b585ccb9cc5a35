// SPDX-License-Identifier: Mulan PSL v2
/*
 * Copyright (c) 2024 Huawei Technologies Co., Ltd.
 * syscared is licensed under Mulan PSL v2.
 * You can use this software according to the terms and conditions of the Mulan PSL v2.
 * You may obtain a copy of Mulan PSL v2 at:
 *         http://license.coscl.org.cn/MulanPSL2
 *
 * THIS SOFTWARE IS PROVIDED ON AN "AS IS" BASIS, WITHOUT WARRANTIES OF ANY KIND,
 * EITHER EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO NON-INFRINGEMENT,
 * MERCHANTABILITY OR FIT FOR A PARTICULAR PURPOSE.
 * See the Mulan PSL v2 for more details.
 */

package patch

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/syscare/syscared/core/patch/patcherr"
)

// Registry owns the set of installed patches, indexed by UUID and by
// human name, behind a single readers-writer lock (spec §9: "global
// mutable state for the registry" -> one owned container guarded by an
// RWMutex, passed by reference, no module-level singleton).
type Registry struct {
	mu      sync.RWMutex
	byUUID  map[uuid.UUID]*Patch
	byName  map[string]*Patch // keyed by (kind, name) composite below
}

func nameKey(kind Kind, name string) string {
	return kind.String() + "/" + name
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUUID: make(map[uuid.UUID]*Patch),
		byName: make(map[string]*Patch),
	}
}

// Add inserts a freshly resolved Patch at StatusNotApplied. Returns
// KindIntegrityMismatch-flavoured errors are not produced here; Add only
// enforces the registry's own invariants (UUID and (kind,name) uniqueness).
func (r *Registry) Add(p *Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUUID[p.UUID]; ok {
		return patcherr.New(patcherr.KindInvalidState, "patch %s already registered", p.UUID)
	}
	key := nameKey(p.Kind, p.Name)
	if _, ok := r.byName[key]; ok {
		return patcherr.New(patcherr.KindInvalidState, "patch name %q already registered for %s", p.Name, p.Kind)
	}

	p.forceStatus(StatusNotApplied)
	r.byUUID[p.UUID] = p
	r.byName[key] = p
	return nil
}

// Remove deletes a patch from memory. Callers are responsible for
// deleting its status file atomically with this call (spec §3 lifecycle).
func (r *Registry) Remove(id string) (*Patch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	delete(r.byUUID, p.UUID)
	delete(r.byName, nameKey(p.Kind, p.Name))
	return p, nil
}

// Get resolves a single identifier (UUID text or name) to a Patch.
func (r *Registry) Get(id string) (*Patch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

func (r *Registry) lookupLocked(id string) (*Patch, error) {
	id = NormalizeIdentifier(id)
	if u, err := uuid.Parse(id); err == nil {
		if p, ok := r.byUUID[u]; ok {
			return p, nil
		}
		return nil, patcherr.New(patcherr.KindNotFound, "no patch with uuid %s", id)
	}
	for _, kind := range []Kind{KernelPatch, UserPatch} {
		if p, ok := r.byName[nameKey(kind, id)]; ok {
			return p, nil
		}
	}
	return nil, patcherr.New(patcherr.KindNotFound, "no patch named %q", id)
}

// List returns every installed patch, sorted by (target package short
// name, patch short name) — the deterministic resolution order the
// Transaction Engine relies on (spec §4.2).
func (r *Registry) List() []*Patch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Patch, 0, len(r.byUUID))
	for _, p := range r.byUUID {
		out = append(out, p)
	}
	sortDeterministic(out)
	return out
}

// ResolveAll expands a set of identifiers into Patches in deterministic
// order. An identifier of the form "pkg:<short-name>" resolves to the
// wildcard "all matching patches for package X" described in spec §4.2.
func (r *Registry) ResolveAll(ids []string) ([]*Patch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	var out []*Patch
	for _, id := range ids {
		if target, ok := strippedPackagePrefix(id); ok {
			matched := false
			for _, p := range r.byUUID {
				if p.Target.ShortName() == target || p.Target.Name == target {
					if !seen[p.UUID] {
						seen[p.UUID] = true
						out = append(out, p)
						matched = true
					}
				}
			}
			if !matched {
				return nil, patcherr.New(patcherr.KindNotFound, "no patches target package %q", target)
			}
			continue
		}
		p, err := r.lookupLocked(id)
		if err != nil {
			return nil, err
		}
		if !seen[p.UUID] {
			seen[p.UUID] = true
			out = append(out, p)
		}
	}
	sortDeterministic(out)
	return out, nil
}

func strippedPackagePrefix(id string) (string, bool) {
	const prefix = "pkg:"
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		return id[len(prefix):], true
	}
	return "", false
}

func sortDeterministic(patches []*Patch) {
	sort.Slice(patches, func(i, j int) bool {
		a, b := patches[i], patches[j]
		if a.Target.ShortName() != b.Target.ShortName() {
			return a.Target.ShortName() < b.Target.ShortName()
		}
		return a.ShortName() < b.ShortName()
	})
}
