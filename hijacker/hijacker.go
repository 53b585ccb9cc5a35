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

package hijacker

import (
	"fmt"
	"sync"

	"github.com/containerd/log"

	"github.com/syscare/syscared/core/patch/patcherr"
)

// Hijacker owns the victim-to-helper mapping and tracks which victims are
// currently hijacked, so every active hijack can be released on shutdown
// even if the build CLI that requested it never calls unhook_compiler
// itself (spec §4.8).
type Hijacker struct {
	ffi     FFI
	mapping map[string]string // victim -> helper

	mu     sync.Mutex
	active map[string]bool // victim -> hijacked
}

// New initializes the FFI layer and returns a Hijacker using cfg's
// mapping. Grounded on original_source
// upatch/upatch-daemon/src/hijacker/mod.rs's Hijacker::new.
func New(ffi FFI, cfg Config) (*Hijacker, error) {
	if err := ffi.Init(); err != nil {
		return nil, err
	}
	return &Hijacker{
		ffi:     ffi,
		mapping: cfg.Mapping,
		active:  make(map[string]bool),
	}, nil
}

func (h *Hijacker) helperFor(victim string) (string, error) {
	helper, ok := h.mapping[victim]
	if !ok {
		return "", patcherr.New(patcherr.KindNotFound, "no hijack mapping for %q", victim)
	}
	return helper, nil
}

// HookCompiler redirects victim to its configured helper (hook_compiler
// RPC method).
func (h *Hijacker) HookCompiler(victim string) error {
	helper, err := h.helperFor(victim)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active[victim] {
		return nil // idempotent: already hijacked
	}
	if err := h.ffi.Register(victim, helper); err != nil {
		return err
	}
	h.active[victim] = true
	return nil
}

// UnhookCompiler restores victim (unhook_compiler RPC method).
func (h *Hijacker) UnhookCompiler(victim string) error {
	helper, err := h.helperFor(victim)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active[victim] {
		return nil // idempotent: not hijacked
	}
	if err := h.ffi.Unregister(victim, helper); err != nil {
		return err
	}
	delete(h.active, victim)
	return nil
}

// ReleaseAll unhooks every currently active victim, in no particular
// order, collecting (logging, not aborting on) individual failures. Call
// on daemon shutdown so a build CLI that crashed before unhooking never
// leaves the host's compiler binaries permanently redirected.
func (h *Hijacker) ReleaseAll() {
	h.mu.Lock()
	victims := make([]string, 0, len(h.active))
	for v := range h.active {
		victims = append(victims, v)
	}
	h.mu.Unlock()

	for _, victim := range victims {
		if err := h.UnhookCompiler(victim); err != nil {
			log.L.WithError(err).WithField("victim", victim).Warn("hijacker: failed to release on shutdown")
		}
	}
}

// String renders the current active-hijack set, used for diagnostics.
func (h *Hijacker) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("hijacker{active=%d, mapped=%d}", len(h.active), len(h.mapping))
}
