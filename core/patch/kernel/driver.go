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

// Package kernel implements the Kernel-Patch Driver: translating status
// transitions into kernel module loads/unloads and livepatch sysfs writes
// (spec §4.3).
package kernel

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/containerd/log"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/patcherr"
)

// ModuleLoader abstracts insmod/rmmod so tests can fake the kernel
// module loader without root privileges.
type ModuleLoader interface {
	Load(ctx context.Context, koPath string) error
	Unload(ctx context.Context, moduleName string) error
}

// Sysfs abstracts reads/writes against /sys/kernel/livepatch so tests can
// run without a real kernel livepatch interface present.
type Sysfs interface {
	Exists(path string) bool
	ReadFile(path string) (string, error)
	WriteFile(path, value string) error
}

// UnameProvider returns `uname -r`; a field so tests can pin a kernel
// version without depending on the host.
type UnameProvider func() (string, error)

// Config tunes the driver's polling behaviour (spec §4.3 defaults).
type Config struct {
	EnablePollTimeout time.Duration // default 5s
	EnablePollStep    time.Duration // default 50ms
	TransitionTimeout time.Duration // default 30s
}

func DefaultConfig() Config {
	return Config{
		EnablePollTimeout: 5 * time.Second,
		EnablePollStep:    50 * time.Millisecond,
		TransitionTimeout: 30 * time.Second,
	}
}

// Driver implements patch.Driver for patch.KernelPatch.
type Driver struct {
	Loader ModuleLoader
	Sysfs  Sysfs
	Uname  UnameProvider
	Config Config
	// KernelObjectDir is where resolved .ko payload files live; entities
	// only carry the file name, the driver joins it against this dir to
	// find the real insmod target.
	KernelObjectDir func(p *patch.Patch) string
}

// NewOSModuleLoader returns a ModuleLoader backed by insmod(8)/rmmod(8),
// the same external tooling the spec treats as "the standard module
// loader" rather than a raw init_module(2) syscall wrapper.
func NewOSModuleLoader() ModuleLoader { return osModuleLoader{} }

type osModuleLoader struct{}

func (osModuleLoader) Load(ctx context.Context, koPath string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "insmod", koPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return patcherr.Wrap(patcherr.KindDriverFailure, err, "insmod %s: %s", koPath, stderr.String())
	}
	return nil
}

func (osModuleLoader) Unload(ctx context.Context, moduleName string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "rmmod", moduleName)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return patcherr.Wrap(patcherr.KindDriverFailure, err, "rmmod %s: %s", moduleName, stderr.String())
	}
	return nil
}

// NewOSSysfs returns a Sysfs backed by the real filesystem.
func NewOSSysfs() Sysfs { return osSysfs{} }

type osSysfs struct{}

func (osSysfs) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (osSysfs) ReadFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(bytes.TrimSpace(b)), err
}

func (osSysfs) WriteFile(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

func (d *Driver) Check(ctx context.Context, p *patch.Patch) error {
	if p.Kind != patch.KernelPatch {
		return patcherr.New(patcherr.KindInvalidState, "kernel driver given non-kernel patch %s", p.ShortName())
	}
	current, err := uname(d.Uname)
	if err != nil {
		return patcherr.Wrap(patcherr.KindDriverFailure, err, "uname -r")
	}
	if p.Target.Version != "" && p.Target.Version != current {
		return patcherr.New(patcherr.KindTargetMissing, "patch targets kernel %s, running %s", p.Target.Version, current)
	}
	return nil
}

func (d *Driver) Apply(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	if err := d.Check(ctx, p); err != nil {
		return patch.StatusUnknown, err
	}
	dir := d.KernelObjectDir(p)
	for _, e := range p.Entities {
		koPath := dir + "/" + e.PatchName
		if err := d.Loader.Load(ctx, koPath); err != nil {
			return patch.StatusUnknown, err
		}
		if err := d.waitEnableFile(ctx, e); err != nil {
			return patch.StatusUnknown, err
		}
	}
	return patch.StatusDeactived, nil
}

func (d *Driver) waitEnableFile(ctx context.Context, e patch.PatchEntity) error {
	deadline := time.Now().Add(d.Config.EnablePollTimeout)
	for {
		if d.Sysfs.Exists(e.SysfsEnableFile) {
			return nil
		}
		if time.Now().After(deadline) {
			return patcherr.New(patcherr.KindTargetMissing, "sysfs enable file %s did not appear within %s", e.SysfsEnableFile, d.Config.EnablePollTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.Config.EnablePollStep):
		}
	}
}

func (d *Driver) Active(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	for _, e := range p.Entities {
		if err := d.Sysfs.WriteFile(e.SysfsEnableFile, "1"); err != nil {
			return patch.StatusUnknown, patcherr.Wrap(patcherr.KindDriverFailure, err, "enable %s", e.SysfsEnableFile)
		}
	}
	return patch.StatusActived, nil
}

func (d *Driver) Deactive(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	for _, e := range p.Entities {
		if err := d.Sysfs.WriteFile(e.SysfsEnableFile, "0"); err != nil {
			return patch.StatusUnknown, patcherr.Wrap(patcherr.KindDriverFailure, err, "disable %s", e.SysfsEnableFile)
		}
		if err := d.waitTransitionDone(ctx, e); err != nil {
			return patch.StatusUnknown, err
		}
	}
	return patch.StatusDeactived, nil
}

func (d *Driver) waitTransitionDone(ctx context.Context, e patch.PatchEntity) error {
	transitionFile := e.SysfsEnableFile[:len(e.SysfsEnableFile)-len("enabled")] + "transition"
	deadline := time.Now().Add(d.Config.TransitionTimeout)
	for {
		val, err := d.Sysfs.ReadFile(transitionFile)
		if err == nil && val == "0" {
			return nil
		}
		if time.Now().After(deadline) {
			return patcherr.New(patcherr.KindDriverFailure, "livepatch transition on %s did not complete within %s", transitionFile, d.Config.TransitionTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.Config.EnablePollStep):
		}
	}
}

func (d *Driver) Remove(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	for _, e := range p.Entities {
		moduleName, _ := moduleNameFromEnableFile(e.SysfsEnableFile)
		if err := d.Loader.Unload(ctx, moduleName); err != nil {
			return patch.StatusUnknown, err
		}
	}
	return patch.StatusNotApplied, nil
}

func (d *Driver) QueryStatus(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	for _, e := range p.Entities {
		dir := e.SysfsEnableFile[:len(e.SysfsEnableFile)-len("/enabled")]
		if !d.Sysfs.Exists(dir) {
			return patch.StatusNotApplied, nil
		}
		val, err := d.Sysfs.ReadFile(e.SysfsEnableFile)
		if err != nil {
			log.G(ctx).WithError(err).WithField("entity", e.PatchName).Warn("cannot read enable file, status unknown")
			return patch.StatusUnknown, nil
		}
		if val != "1" {
			return patch.StatusDeactived, nil
		}
	}
	return patch.StatusActived, nil
}

func moduleNameFromEnableFile(enableFile string) (string, bool) {
	// enableFile is /sys/kernel/livepatch/<name>/enabled
	const prefix = "/sys/kernel/livepatch/"
	const suffix = "/enabled"
	if len(enableFile) <= len(prefix)+len(suffix) {
		return "", false
	}
	return enableFile[len(prefix) : len(enableFile)-len(suffix)], true
}

func uname(provider UnameProvider) (string, error) {
	if provider != nil {
		return provider()
	}
	var stdout bytes.Buffer
	cmd := exec.Command("uname", "-r")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(stdout.Bytes())), nil
}
