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

// Package manager ties the Registry, Transaction Engine, Persistence
// Store and Drivers together into the single facade the RPC surface
// calls into — the "Patch Manager" of spec §1.
package manager

import (
	"context"

	"github.com/containerd/log"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/patcherr"
	"github.com/syscare/syscared/core/patch/persistence"
	"github.com/syscare/syscared/core/patch/resolver"
	"github.com/syscare/syscared/core/patch/transaction"
)

// Manager is the single entry point the RPC surface uses. All
// patch-mutating calls serialise on txMu before entering the Transaction
// Engine (spec §4.7); read-only calls only take the Registry's own RWMutex.
type Manager struct {
	Registry *patch.Registry
	Engine   *transaction.Engine
	Store    *persistence.Store
	SysfsRule resolver.SysfsNameRule

	txMu chan struct{} // 1-buffered channel used as a non-reentrant mutex
}

// New builds a Manager. drivers and store are required; store may be a
// *persistence.Store pointed at an on-disk data dir.
func New(registry *patch.Registry, drivers patch.Drivers, store *persistence.Store, rule resolver.SysfsNameRule) *Manager {
	m := &Manager{
		Registry:  registry,
		Store:     store,
		SysfsRule: rule,
		txMu:      make(chan struct{}, 1),
	}
	m.Engine = transaction.New(drivers, store)
	return m
}

func (m *Manager) lockTx() func() {
	m.txMu <- struct{}{}
	return func() { <-m.txMu }
}

// ResolveAndAdd resolves a patch directory and adds it to the registry at
// StatusNotApplied.
func (m *Manager) ResolveAndAdd(ctx context.Context, dir string) (*patch.Patch, error) {
	p, err := resolver.Resolve(ctx, dir, m.SysfsRule)
	if err != nil {
		return nil, err
	}
	if err := m.Registry.Add(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Transition resolves ids and drives op over them, in deterministic
// order, under the global mutating-call lock.
func (m *Manager) Transition(ctx context.Context, ids []string, op patch.Op) ([]transaction.Result, error) {
	unlock := m.lockTx()
	defer unlock()

	patches, err := m.Registry.ResolveAll(ids)
	if err != nil {
		return nil, err
	}
	return m.Engine.Run(ctx, patches, op), nil
}

// Remove tears a patch down to NotApplied (if needed) then deletes it
// from the registry and its status file, atomically with the in-memory
// removal (spec §3 lifecycle).
func (m *Manager) Remove(ctx context.Context, ids []string) ([]transaction.Result, error) {
	results, err := m.Transition(ctx, ids, patch.OpRemove)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Err != nil || r.Status != patch.StatusNotApplied {
			continue
		}
		if _, err := m.Registry.Remove(r.Patch.UUID.String()); err != nil {
			log.G(ctx).WithError(err).WithField("patch", r.Patch.ShortName()).Warn("remove: registry removal failed after driver success")
			continue
		}
		if m.Store != nil {
			if err := m.Store.Delete(r.Patch.UUID); err != nil {
				log.G(ctx).WithError(err).WithField("patch", r.Patch.ShortName()).Error("remove: status file delete failed")
			}
		}
	}
	return results, nil
}

// Status bypasses the Transaction Engine entirely, per spec §4.2: it is
// a read-only query, so it only needs the patch's own lock.
func (m *Manager) Status(id string) (patch.Status, error) {
	p, err := m.Registry.Get(id)
	if err != nil {
		return patch.StatusUnknown, err
	}
	return p.Status(), nil
}

// Info returns the resolved Patch for display (get_patch_info).
func (m *Manager) Info(id string) (*patch.Patch, error) {
	return m.Registry.Get(id)
}

// Target resolves id to its target package descriptor (get_patch_target,
// a feature named in spec §4.7 and fleshed out in SPEC_FULL.md's
// supplemented-features section).
func (m *Manager) Target(id string) (patch.PackageInfo, error) {
	p, err := m.Registry.Get(id)
	if err != nil {
		return patch.PackageInfo{}, err
	}
	return p.Target, nil
}

// List returns every installed patch in deterministic order.
func (m *Manager) List() []*patch.Patch {
	return m.Registry.List()
}

// SaveAll persists every installed patch's status (spec §4.5).
func (m *Manager) SaveAll(ctx context.Context) error {
	if m.Store == nil {
		return patcherr.New(patcherr.KindPersistenceFailure, "no persistence store configured")
	}
	return m.Store.SaveAll(ctx, m.Registry.List())
}

// RestoreAll reconciles persisted status with the resolved-on-disk
// registry: it re-drives every recovered record to its persisted status,
// applying Deactived-target records before promoting Actived/Accepted
// ones (spec §4.5). When acceptedOnly is true, only records whose
// persisted status was Accepted are re-driven.
func (m *Manager) RestoreAll(ctx context.Context, acceptedOnly bool) error {
	if m.Store == nil {
		return patcherr.New(patcherr.KindPersistenceFailure, "no persistence store configured")
	}
	records, err := m.Store.ReadAll(ctx)
	if err != nil {
		return err
	}
	ordered := persistence.ReconciliationOrder(records)

	var firstErr error
	for _, rec := range ordered {
		if acceptedOnly && rec.Status != patch.StatusAccepted {
			continue
		}
		if err := m.restoreOne(ctx, rec); err != nil {
			log.G(ctx).WithError(err).WithField("uuid", rec.UUID).Warn("restore_all: failed to re-drive patch")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) restoreOne(ctx context.Context, rec persistence.Record) error {
	p, err := m.Registry.Get(rec.UUID.String())
	if err != nil {
		return err
	}

	ops := planToReach(rec.Status)
	for _, op := range ops {
		unlock := m.lockTx()
		results := m.Engine.Run(ctx, []*patch.Patch{p}, op)
		unlock()
		if len(results) != 1 {
			return patcherr.New(patcherr.KindDriverFailure, "unexpected result count restoring %s", p.ShortName())
		}
		if results[0].Err != nil {
			return results[0].Err
		}
	}
	return nil
}

// planToReach returns the op sequence from NotApplied to target.
func planToReach(target patch.Status) []patch.Op {
	switch target {
	case patch.StatusDeactived:
		return []patch.Op{patch.OpApply}
	case patch.StatusActived:
		return []patch.Op{patch.OpApply, patch.OpActive}
	case patch.StatusAccepted:
		return []patch.Op{patch.OpApply, patch.OpActive, patch.OpAccept}
	default:
		return nil
	}
}
