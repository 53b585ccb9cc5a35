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

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/internal/procutil"
)

// NewProcessWatcher is a source of new-process notifications (spec §4.4).
// PollingWatcher is the only implementation; there is no netlink
// process-event watcher. The interface carries only pid numbers — no
// process metadata.
type NewProcessWatcher interface {
	// Watch streams newly observed pids until ctx is cancelled or the
	// watcher itself fails; the returned channel is closed on exit.
	Watch(ctx context.Context) (<-chan int, error)
}

// PollingWatcher is the NewProcessWatcher implementation: it diffs
// /proc's pid set on a fixed interval.
type PollingWatcher struct {
	Interval time.Duration
}

func (w PollingWatcher) Watch(ctx context.Context) (<-chan int, error) {
	out := make(chan int, 64)
	go func() {
		defer close(out)
		seen, err := procutil.LivePids()
		if err != nil {
			seen = map[int]struct{}{}
		}
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				live, err := procutil.LivePids()
				if err != nil {
					continue
				}
				for pid := range live {
					if _, ok := seen[pid]; !ok {
						select {
						case out <- pid:
						case <-ctx.Done():
							return
						}
					}
				}
				seen = live
			}
		}
	}()
	return out, nil
}

// Reactor auto-activates a patch's entities in newly observed processes
// whose mappings include the entity's target ELF, for every entity
// currently in status Actived (spec §4.4). It calls the driver only
// through (patch-uuid, pid-set) — never holds a back-pointer into the
// driver's internals (spec §9's "cyclic relation" note).
type Reactor struct {
	ffi   FFI
	watch NewProcessWatcher

	mu      sync.Mutex
	tracked map[uuid.UUID]*patch.Patch
}

func NewReactor(ffi FFI, watch NewProcessWatcher) *Reactor {
	return &Reactor{ffi: ffi, watch: watch, tracked: make(map[uuid.UUID]*patch.Patch)}
}

// Track starts auto-activating p's entities in new processes. Called by
// the driver whenever a patch reaches status Actived.
func (r *Reactor) Track(p *patch.Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[p.UUID] = p
}

// Untrack stops auto-activation for p. Called whenever p leaves Actived.
func (r *Reactor) Untrack(p *patch.Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, p.UUID)
}

// Run streams new pids from the watcher and, for every tracked patch
// whose entity target matches a new pid's mappings, calls upatch_active
// for that single pid. Runs until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context, bindingOf func(p *patch.Patch, entityName string) *Binding) error {
	pids, err := r.watch.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pid, ok := <-pids:
			if !ok {
				return nil
			}
			r.handleNewPid(ctx, pid, bindingOf)
		}
	}
}

func (r *Reactor) handleNewPid(ctx context.Context, pid int, bindingOf func(p *patch.Patch, entityName string) *Binding) {
	r.mu.Lock()
	patches := make([]*patch.Patch, 0, len(r.tracked))
	for _, p := range r.tracked {
		patches = append(patches, p)
	}
	r.mu.Unlock()

	for _, p := range patches {
		for _, e := range p.Entities {
			if !procutil.MapsTarget(pid, e.TargetElf) {
				continue
			}
			binding := bindingOf(p, e.PatchName)
			if binding.Contains(pid) {
				continue
			}
			if err := r.ffi.Active(p.UUID.String(), []int{pid}); err != nil {
				log.G(ctx).WithError(err).WithField("pid", pid).WithField("patch", p.ShortName()).Warn("reactor: auto-activate failed")
				continue
			}
			binding.union([]int{pid})
			log.G(ctx).WithField("pid", pid).WithField("patch", p.ShortName()).Debug("reactor: auto-activated new process")
		}
	}
}
