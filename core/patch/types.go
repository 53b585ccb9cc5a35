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

// Package patch implements the patch lifecycle subsystem: the registry of
// installed patches, their status state machine, and the data types
// shared by the transaction engine, drivers and persistence store.
package patch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
)

// Kind distinguishes a KernelPatch, driven through the livepatch sysfs
// interface, from a UserPatch, driven per-process through the upatch FFI.
// Dispatch on Kind is a plain switch in the Transaction Engine — no
// virtual inheritance, no runtime type reflection (spec §9).
type Kind int

const (
	KernelPatch Kind = iota
	UserPatch
)

func (k Kind) String() string {
	if k == KernelPatch {
		return "KernelPatch"
	}
	return "UserPatch"
}

// PackageInfo describes the target RPM package a patch was built against.
type PackageInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Release    string `json:"release"`
	Arch       string `json:"arch"`
	Epoch      string `json:"epoch"`
	License    string `json:"license"`
	SourcePkg  string `json:"source_pkg"`
}

// ShortName is the "name-version-release" form used for deterministic
// sort ordering in the Transaction Engine and for display.
func (p PackageInfo) ShortName() string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.Release)
}

// PatchEntity is the concrete payload applied for one target. For a
// KernelPatch, PatchName is a .ko filename and SysfsEnableFile is derived
// from it; for a UserPatch, PatchName is the patch file and TargetElf is
// the instrumented binary.
type PatchEntity struct {
	// PatchName is the payload file name, exactly as packaged under the
	// patch directory (spec §6).
	PatchName string `json:"patch_name"`
	// TargetElf is set for UserPatch entities: the absolute path of the
	// ELF binary the patch instruments.
	TargetElf string `json:"patch_target,omitempty"`
	// SysfsEnableFile is set for KernelPatch entities: the derived path
	// under /sys/kernel/livepatch/<name>/enabled.
	SysfsEnableFile string `json:"-"`
	// Digest is the SHA-256 content digest of the payload file, checked
	// at resolve time only; the drivers do not recheck it before apply.
	Digest digest.Digest `json:"digest"`
}

// Patch is a deployable unit: a UUID, a human name, a Kind, the package it
// targets, and an ordered, non-empty list of entities that all share the
// patch's Kind.
type Patch struct {
	UUID        uuid.UUID     `json:"uuid"`
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Release     string        `json:"release"`
	Description string        `json:"description,omitempty"`
	Kind        Kind          `json:"kind"`
	Target      PackageInfo   `json:"target"`
	Entities    []PatchEntity `json:"entities"`

	mu     sync.Mutex
	status Status
	epoch  uint64
}

// ShortName is "name-version-release", used as the secondary sort key in
// the Transaction Engine's deterministic resolution order.
func (p *Patch) ShortName() string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.Release)
}

// Status returns the patch's current status under its own lock. Status
// reads bypass the Registry's lock entirely — callers only need the
// per-patch lock, matching spec §4.2's "queries bypass the engine" rule.
func (p *Patch) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Epoch returns the monotonically growing transition counter drivers must
// observe increasing to detect stale inputs (spec §4.1).
func (p *Patch) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// setStatus is called only by the Transaction Engine after a Driver
// mutator succeeds (or during a rollback restoring a pre-call status).
// It bumps the epoch only on a genuine change, never on a no-op.
func (p *Patch) setStatus(s Status, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
	if outcome == OutcomeChanged {
		p.epoch++
	}
}

// forceStatus sets status without touching the epoch; used only by
// Registry.Add to seed a newly added Patch at StatusNotApplied, before
// any transaction has run.
func (p *Patch) forceStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// NormalizeIdentifier trims surrounding whitespace from a UUID-or-name
// identifier for lookup purposes; case is left unchanged. The Registry
// applies it before its UUID-or-name lookup.
func NormalizeIdentifier(id string) string {
	return strings.TrimSpace(id)
}
