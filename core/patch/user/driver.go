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

// Package user implements the User-Patch Driver: per-process activation
// tracked via ProcessBinding, mediated by the upatch FFI (spec §4.4).
package user

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/patcherr"
	"github.com/syscare/syscared/internal/procutil"
)

// Config tunes the Reaper's cadence (spec §4.4 default 5s).
type Config struct {
	ReaperInterval time.Duration
}

func DefaultConfig() Config {
	return Config{ReaperInterval: 5 * time.Second}
}

// entityKey identifies one entity within one patch for binding lookups.
type entityKey struct {
	patch uuid.UUID
	entity string // PatchEntity.PatchName
}

// Driver implements patch.Driver for patch.UserPatch.
type Driver struct {
	ffi    FFI
	config Config

	mu       sync.Mutex
	bindings map[entityKey]*Binding

	reactor *Reactor // nil unless EnableReactor was called
}

// New builds a Driver over ffi with cfg.
func New(ffi FFI, cfg Config) *Driver {
	return &Driver{
		ffi:      ffi,
		config:   cfg,
		bindings: make(map[entityKey]*Binding),
	}
}

func (d *Driver) bindingFor(p *patch.Patch, e patch.PatchEntity) *Binding {
	return d.bindingForName(p.UUID, e.PatchName)
}

func (d *Driver) bindingForName(patchUUID uuid.UUID, entityName string) *Binding {
	key := entityKey{patch: patchUUID, entity: entityName}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[key]
	if !ok {
		b = newBinding()
		d.bindings[key] = b
	}
	return b
}

// BindingForReactor exposes the same get-or-create lookup bindingFor uses
// internally, keyed only by (patch, entity name) so the Reactor — which
// does not see a patch.PatchEntity, only a pid to check against a name —
// can join a new process into the right binding without importing the
// driver's internals.
func (d *Driver) BindingForReactor(p *patch.Patch, entityName string) *Binding {
	return d.bindingForName(p.UUID, entityName)
}

// Binding exposes the current binding for (patch, entity name), or nil if
// none exists yet. Used by RPC status queries and tests.
func (d *Driver) Binding(p *patch.Patch, entityName string) *Binding {
	key := entityKey{patch: p.UUID, entity: entityName}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindings[key]
}

func (d *Driver) Check(ctx context.Context, p *patch.Patch) error {
	if p.Kind != patch.UserPatch {
		return patcherr.New(patcherr.KindInvalidState, "user driver given non-user patch %s", p.ShortName())
	}
	for _, e := range p.Entities {
		if err := d.ffi.Check(e.TargetElf, e.PatchName); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) Apply(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	if err := d.Check(ctx, p); err != nil {
		return patch.StatusUnknown, err
	}
	for _, e := range p.Entities {
		if err := d.ffi.Load(p.UUID.String(), e.TargetElf, e.PatchName, false); err != nil {
			return patch.StatusUnknown, err
		}
	}
	return patch.StatusDeactived, nil
}

// Active enumerates candidate pids for every entity, computes the delta
// against the existing binding, calls FFI only on the delta, and unions
// confirmed pids into the binding (spec §4.4, and the "binding
// monotonicity" testable property in spec §8).
func (d *Driver) Active(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	var outcomes []patcherr.PidOutcome
	anyNew := false
	anyFail := false

	for _, e := range p.Entities {
		binding := d.bindingFor(p, e)
		candidates, err := procutil.CandidatePids(e.TargetElf)
		if err != nil {
			return patch.StatusUnknown, patcherr.Wrap(patcherr.KindDriverFailure, err, "scan /proc for %s", e.TargetElf)
		}
		delta := binding.diff(candidates)
		if len(delta) == 0 {
			continue
		}
		if err := d.ffi.Active(p.UUID.String(), delta); err != nil {
			anyFail = true
			for _, pid := range delta {
				outcomes = append(outcomes, patcherr.PidOutcome{Pid: pid, Ok: false, Message: err.Error()})
			}
			log.G(ctx).WithError(err).WithField("entity", e.PatchName).Warn("upatch_active failed for delta pid set")
			continue
		}
		binding.union(delta)
		anyNew = true
		for _, pid := range delta {
			outcomes = append(outcomes, patcherr.PidOutcome{Pid: pid, Ok: true})
		}
	}

	switch {
	case anyFail && len(outcomes) > 0:
		return patch.StatusUnknown, &patcherr.Error{
			Kind:    patcherr.KindPartialFailure,
			Message: "some pids failed to activate",
			Results: outcomes,
		}
	case anyNew:
		if d.reactor != nil {
			d.reactor.Track(p)
		}
		return patch.StatusActived, nil
	default:
		// No new candidates found at all; not an error, just nothing to do.
		if d.reactor != nil {
			d.reactor.Track(p)
		}
		return patch.StatusActived, nil
	}
}

func (d *Driver) Deactive(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	for _, e := range p.Entities {
		binding := d.bindingFor(p, e)
		candidates, err := procutil.CandidatePids(e.TargetElf)
		if err != nil {
			return patch.StatusUnknown, patcherr.Wrap(patcherr.KindDriverFailure, err, "scan /proc for %s", e.TargetElf)
		}
		toDeactivate := binding.intersect(candidates)
		if len(toDeactivate) == 0 {
			continue
		}
		if err := d.ffi.Deactive(p.UUID.String(), toDeactivate); err != nil {
			return patch.StatusUnknown, err
		}
		binding.remove(toDeactivate)
	}
	if d.reactor != nil {
		d.reactor.Untrack(p)
	}
	return patch.StatusDeactived, nil
}

func (d *Driver) Remove(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	if err := d.ffi.Remove(p.UUID.String()); err != nil {
		return patch.StatusUnknown, err
	}
	for _, e := range p.Entities {
		d.bindingFor(p, e).clear()
	}
	if d.reactor != nil {
		d.reactor.Untrack(p)
	}
	return patch.StatusNotApplied, nil
}

func (d *Driver) QueryStatus(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return d.ffi.Status(p.UUID.String())
}

// EnableReactor wires an optional Reactor into this driver. Disabling an
// entity (deactive/remove) unsubscribes it from the reactor automatically
// (spec §4.4).
func (d *Driver) EnableReactor(r *Reactor) { d.reactor = r }

// RunReaper runs the background garbage-collection task on a fixed
// cadence until ctx is cancelled. It only drops pids from bindings; it
// never calls FFI (spec §4.4, and the "reaper safety" property of §8).
func (d *Driver) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(d.config.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reapOnce(ctx)
		}
	}
}

func (d *Driver) reapOnce(ctx context.Context) {
	live, err := procutil.LivePids()
	if err != nil {
		log.G(ctx).WithError(err).Warn("reaper: failed to scan /proc")
		return
	}
	d.mu.Lock()
	bindings := make([]*Binding, 0, len(d.bindings))
	keys := make([]entityKey, 0, len(d.bindings))
	for k, b := range d.bindings {
		bindings = append(bindings, b)
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for i, b := range bindings {
		dropped := b.retainLive(live)
		if len(dropped) > 0 {
			log.G(ctx).WithField("patch", keys[i].patch).WithField("entity", keys[i].entity).WithField("dropped", dropped).Debug("reaper pruned dead pids")
		}
	}
}

// String implements fmt.Stringer for entityKey, used in log fields.
func (k entityKey) String() string {
	return fmt.Sprintf("%s/%s", k.patch, k.entity)
}
