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

// Package transaction drives grouped patch status changes atomically: it
// is the only component allowed to call a Driver mutator (spec §4.2).
package transaction

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/patcherr"
)

// Persister is the subset of the Persistence Store the engine needs: a
// hook to checkpoint status after each successful per-patch transition.
// Kept as an interface so the engine package does not import persistence
// directly (dependency order in spec §2 is persistence -> ... -> engine).
type Persister interface {
	SaveOne(ctx context.Context, p *patch.Patch) error
}

// Engine executes a set of (patch, op) transitions sequentially in the
// Registry's deterministic order, rolling back everything already applied
// in this call on the first failure.
type Engine struct {
	Drivers   patch.Drivers
	Persister Persister // may be nil; engine still works without persistence
}

// New builds an Engine wired to drivers and an optional persister.
func New(drivers patch.Drivers, persister Persister) *Engine {
	return &Engine{Drivers: drivers, Persister: persister}
}

// step records what happened to one patch during a Run, so Run can roll
// it back in reverse order on a later failure.
type step struct {
	p        *patch.Patch
	preOp    patch.Status
	outcome  patch.Outcome
}

// Result is the per-patch outcome of a Run call.
type Result struct {
	Patch  *patch.Patch
	Status patch.Status
	Err    error
}

// Run drives op over patches in the order given (callers must pass them
// already sorted via Registry.ResolveAll/List — the engine does not
// re-sort, so it stays agnostic of how patches were resolved). On the
// first per-patch failure it rolls back every patch already transitioned
// in this call, in reverse order, to its pre-call status; rollback
// failures are collected but never abort the rollback loop, and the
// error returned to the caller is always the original failure, annotated
// with any rollback failures.
func (e *Engine) Run(ctx context.Context, patches []*patch.Patch, op patch.Op) []Result {
	results := make([]Result, len(patches))
	var completed []step

	for i, p := range patches {
		pre := p.Status()
		status, err := e.runOne(ctx, p, op)
		if err != nil {
			wrapped := patcherr.WithContext(err, p.ShortName(), string(op))
			log.G(ctx).WithError(wrapped).WithField("patch", p.ShortName()).WithField("op", op).Warn("transition failed, rolling back")

			rollbackErrs := e.rollback(ctx, completed)
			if len(rollbackErrs) > 0 {
				wrapped = attachRollbackErrors(wrapped, rollbackErrs)
			}
			results[i] = Result{Patch: p, Status: pre, Err: wrapped}
			for j := i + 1; j < len(patches); j++ {
				results[j] = Result{Patch: patches[j], Status: patches[j].Status(), Err: nil}
			}
			return results
		}

		results[i] = Result{Patch: p, Status: status, Err: nil}
		completed = append(completed, step{p: p, preOp: pre})
		if e.Persister != nil {
			if perr := e.Persister.SaveOne(ctx, p); perr != nil {
				log.G(ctx).WithError(perr).WithField("patch", p.ShortName()).Error("persistence failed after successful transition")
			}
		}
	}
	return results
}

// runOne dispatches op to the right driver mutator. It has no status
// case: status queries bypass the engine entirely (spec §4.2).
func (e *Engine) runOne(ctx context.Context, p *patch.Patch, op patch.Op) (patch.Status, error) {
	from := p.Status()
	to, outcome, err := patch.Next(from, op)
	if err != nil {
		return from, err
	}
	if outcome == patch.OutcomeNoop {
		return from, nil
	}

	d := e.Drivers.For(p.Kind)
	var (
		driverStatus patch.Status
		derr         error
	)
	switch op {
	case patch.OpApply:
		driverStatus, derr = d.Apply(ctx, p)
	case patch.OpActive:
		driverStatus, derr = d.Active(ctx, p)
	case patch.OpDeactive:
		driverStatus, derr = d.Deactive(ctx, p)
	case patch.OpRemove:
		driverStatus, derr = d.Remove(ctx, p)
	case patch.OpAccept:
		// accept is engine-internal: no driver call, just a status bump.
		driverStatus, derr = to, nil
	default:
		return from, patcherr.New(patcherr.KindInvalidState, "unknown op %s", op)
	}
	if derr != nil {
		return from, derr
	}
	if driverStatus != to {
		// Defensive: a driver disagreeing with the state machine's
		// prescribed destination is itself a driver bug; surface it as
		// DriverFailure rather than silently trusting either side.
		return from, patcherr.New(patcherr.KindDriverFailure, "driver returned status %s, expected %s", driverStatus, to)
	}
	p.setStatus(to, outcome)
	return to, nil
}

// rollback restores every completed step to its pre-call status, in
// reverse order, continuing past individual failures.
func (e *Engine) rollback(ctx context.Context, completed []step) []error {
	var errs []error
	for i := len(completed) - 1; i >= 0; i-- {
		s := completed[i]
		cur := s.p.Status()
		if cur == s.preOp {
			continue
		}
		if err := e.restoreStatus(ctx, s.p, s.preOp); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s to %s: %w", s.p.ShortName(), s.preOp, err))
		}
	}
	return errs
}

// restoreStatus walks the driver backwards from the patch's current
// status to target, one legal transition at a time.
func (e *Engine) restoreStatus(ctx context.Context, p *patch.Patch, target patch.Status) error {
	for p.Status() != target {
		op, ok := backOp(p.Status(), target)
		if !ok {
			return patcherr.New(patcherr.KindInvalidState, "no rollback path from %s to %s", p.Status(), target)
		}
		if _, err := e.runOne(ctx, p, op); err != nil {
			return err
		}
	}
	return nil
}

// backOp picks the single op that moves status one step toward target.
func backOp(from, target patch.Status) (patch.Op, bool) {
	if target >= from {
		return "", false
	}
	switch from {
	case patch.StatusAccepted, patch.StatusActived:
		return patch.OpDeactive, true
	case patch.StatusDeactived:
		return patch.OpRemove, true
	default:
		return "", false
	}
}

func attachRollbackErrors(err error, rollbackErrs []error) error {
	msgs := make([]string, 0, len(rollbackErrs))
	for _, e := range rollbackErrs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%w (rollback failures: %v)", err, msgs)
}
