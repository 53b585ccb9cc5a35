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

// Package guard scopes the load/unload of the upatch kernel module to the
// daemon's process lifetime (spec §4.6). No other component may load or
// unload it.
package guard

import (
	"context"
	"os"
	"os/exec"

	"github.com/containerd/log"

	"github.com/syscare/syscared/core/patch/patcherr"
)

const sysModulePath = "/sys/module/upatch"

// ModuleOps abstracts modprobe/rmmod for the upatch module so tests can
// fake the loader.
type ModuleOps interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	Present() bool
}

// OSModuleOps is the real ModuleOps, backed by modprobe(8)/rmmod(8).
type OSModuleOps struct{ ModuleName string }

func (o OSModuleOps) Load(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "modprobe", o.ModuleName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return patcherr.Wrap(patcherr.KindDriverFailure, err, "modprobe %s: %s", o.ModuleName, out)
	}
	return nil
}

func (o OSModuleOps) Unload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "rmmod", o.ModuleName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return patcherr.Wrap(patcherr.KindDriverFailure, err, "rmmod %s: %s", o.ModuleName, out)
	}
	return nil
}

func (OSModuleOps) Present() bool {
	_, err := os.Stat(sysModulePath)
	return err == nil
}

// Guard is a scoped acquisition of the upatch kernel module. Construct it
// with Acquire at daemon start and call Release at daemon shutdown.
type Guard struct {
	ops      ModuleOps
	acquired bool // true only if this Guard itself loaded the module
}

// Acquire loads the upatch module if /sys/module/upatch is absent.
// Failure here is fatal and must abort daemon start (spec §4.6).
func Acquire(ctx context.Context, ops ModuleOps) (*Guard, error) {
	g := &Guard{ops: ops}
	if ops.Present() {
		log.G(ctx).Info("upatch module already present, Release will still unload it at shutdown")
		return g, nil
	}
	if err := ops.Load(ctx); err != nil {
		return nil, err
	}
	g.acquired = true
	log.G(ctx).Info("upatch module loaded")
	return g, nil
}

// Release unloads the module if this Guard loaded it, or if it is
// otherwise present. Unload failures are logged, never fatal (spec §4.6).
func (g *Guard) Release(ctx context.Context) {
	if !g.ops.Present() {
		return
	}
	if err := g.ops.Unload(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("failed to unload upatch module on shutdown")
	}
}
