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

package user

import "sync"

// Binding is the ordered set of pids currently carrying one user-patch
// entity (spec §3's ProcessBinding). Entries are dropped only when the
// pid is no longer live; membership is only ever added after the FFI
// confirms a pid, never speculatively.
type Binding struct {
	mu   sync.Mutex
	pids []int
	set  map[int]struct{}
}

func newBinding() *Binding {
	return &Binding{set: make(map[int]struct{})}
}

// Snapshot returns a copy of the current pid set, safe to range over
// without holding the lock.
func (b *Binding) Snapshot() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.pids))
	copy(out, b.pids)
	return out
}

func (b *Binding) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pids)
}

func (b *Binding) contains(pid int) bool {
	_, ok := b.set[pid]
	return ok
}

// Contains reports whether pid is currently bound.
func (b *Binding) Contains(pid int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contains(pid)
}

// union adds pids into the binding, skipping ones already present.
func (b *Binding) union(pids []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pid := range pids {
		if _, ok := b.set[pid]; !ok {
			b.set[pid] = struct{}{}
			b.pids = append(b.pids, pid)
		}
	}
}

// remove drops pids from the binding.
func (b *Binding) remove(pids []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(pids) == 0 {
		return
	}
	drop := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		drop[pid] = struct{}{}
	}
	kept := b.pids[:0]
	for _, pid := range b.pids {
		if _, gone := drop[pid]; gone {
			delete(b.set, pid)
			continue
		}
		kept = append(kept, pid)
	}
	b.pids = kept
}

// clear empties the binding entirely (used by remove(patch)).
func (b *Binding) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pids = nil
	b.set = make(map[int]struct{})
}

// intersect returns the subset of candidates already present in the
// binding, without mutating it.
func (b *Binding) intersect(candidates []int) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for _, pid := range candidates {
		if _, ok := b.set[pid]; ok {
			out = append(out, pid)
		}
	}
	return out
}

// diff returns the subset of candidates not already present in the
// binding (the "candidates minus binding" set from spec §4.4).
func (b *Binding) diff(candidates []int) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for _, pid := range candidates {
		if _, ok := b.set[pid]; !ok {
			out = append(out, pid)
		}
	}
	return out
}

// retainLive drops every pid not present in live, returning the dropped
// pids. Used exclusively by the Reaper; never calls FFI.
func (b *Binding) retainLive(live map[int]struct{}) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dropped []int
	kept := b.pids[:0]
	for _, pid := range b.pids {
		if _, ok := live[pid]; ok {
			kept = append(kept, pid)
			continue
		}
		dropped = append(dropped, pid)
		delete(b.set, pid)
	}
	b.pids = kept
	return dropped
}
