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

import "context"

// Driver is the capability set a concrete driver exposes to the
// Transaction Engine. There is one implementation per Kind
// (core/patch/kernel, core/patch/user); the engine selects by Kind tag,
// never by type assertion or reflection (spec §9).
type Driver interface {
	// Check runs the driver's pre-apply checks on p without mutating
	// anything. It does not recheck entity digests; those are verified
	// only when the patch directory is resolved.
	Check(ctx context.Context, p *Patch) error
	// Apply loads p's entities. Returns the new status on success.
	Apply(ctx context.Context, p *Patch) (Status, error)
	// Active activates p's entities. Returns the new status on success.
	Active(ctx context.Context, p *Patch) (Status, error)
	// Deactive deactivates p's entities. Returns the new status.
	Deactive(ctx context.Context, p *Patch) (Status, error)
	// Remove unloads p's entities. Returns the new status.
	Remove(ctx context.Context, p *Patch) (Status, error)
	// QueryStatus asks the driver for the ground truth status of p,
	// independent of the in-memory Status() bookkeeping. May return
	// StatusUnknown if the truth cannot be determined; this is the one
	// path through which StatusUnknown is observable (spec §4.1).
	QueryStatus(ctx context.Context, p *Patch) (Status, error)
}

// Drivers selects the Driver implementation for a Kind. The Transaction
// Engine holds one Drivers and never imports core/patch/kernel or
// core/patch/user directly, keeping the dependency edge one-directional.
type Drivers struct {
	Kernel Driver
	User   Driver
}

// For returns the Driver registered for kind.
func (d Drivers) For(kind Kind) Driver {
	if kind == KernelPatch {
		return d.Kernel
	}
	return d.User
}
