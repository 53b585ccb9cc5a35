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

package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/core/patch"
)

type fakeLoader struct {
	loaded, unloaded []string
	loadErr          error
}

func (f *fakeLoader) Load(ctx context.Context, koPath string) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = append(f.loaded, koPath)
	return nil
}

func (f *fakeLoader) Unload(ctx context.Context, moduleName string) error {
	f.unloaded = append(f.unloaded, moduleName)
	return nil
}

type fakeSysfs struct {
	files map[string]string
}

func newFakeSysfs() *fakeSysfs { return &fakeSysfs{files: map[string]string{}} }

func (f *fakeSysfs) Exists(path string) bool      { _, ok := f.files[path]; return ok }
func (f *fakeSysfs) ReadFile(path string) (string, error) {
	v, ok := f.files[path]
	if !ok {
		return "", assertNotFound
	}
	return v, nil
}
func (f *fakeSysfs) WriteFile(path, value string) error {
	f.files[path] = value
	return nil
}

var assertNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

func testDriver(loader *fakeLoader, sysfs *fakeSysfs) *Driver {
	return &Driver{
		Loader: loader,
		Sysfs:  sysfs,
		Uname:  func() (string, error) { return "5.10.0", nil },
		Config: Config{EnablePollTimeout: 200 * time.Millisecond, EnablePollStep: 5 * time.Millisecond, TransitionTimeout: 200 * time.Millisecond},
		KernelObjectDir: func(p *patch.Patch) string { return "/fake/kos" },
	}
}

func testKernelPatch() *patch.Patch {
	return &patch.Patch{
		Kind:   patch.KernelPatch,
		Name:   "demo",
		Target: patch.PackageInfo{Version: "5.10.0"},
		Entities: []patch.PatchEntity{
			{PatchName: "demo.ko", SysfsEnableFile: "/sys/kernel/livepatch/demo/enabled"},
		},
	}
}

func TestKernelDriverApplyLoadsModuleAndWaitsForEnableFile(t *testing.T) {
	loader := &fakeLoader{}
	sysfs := newFakeSysfs()
	d := testDriver(loader, sysfs)
	p := testKernelPatch()

	// Apply polls for the enable file to appear; simulate the kernel
	// module creating it shortly after insmod by writing it up front.
	sysfs.files["/sys/kernel/livepatch/demo/enabled"] = "0"

	status, err := d.Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, patch.StatusDeactived, status)
	assert.Equal(t, []string{"/fake/kos/demo.ko"}, loader.loaded)
}

func TestKernelDriverApplyTimesOutIfEnableFileNeverAppears(t *testing.T) {
	loader := &fakeLoader{}
	sysfs := newFakeSysfs()
	d := testDriver(loader, sysfs)
	p := testKernelPatch()

	_, err := d.Apply(context.Background(), p)
	require.Error(t, err)
}

func TestKernelDriverCheckRejectsKernelMismatch(t *testing.T) {
	loader := &fakeLoader{}
	sysfs := newFakeSysfs()
	d := testDriver(loader, sysfs)
	p := testKernelPatch()
	p.Target.Version = "6.0.0"

	err := d.Check(context.Background(), p)
	require.Error(t, err)
}

func TestKernelDriverActiveDeactiveRoundTrip(t *testing.T) {
	loader := &fakeLoader{}
	sysfs := newFakeSysfs()
	d := testDriver(loader, sysfs)
	p := testKernelPatch()

	_, err := d.Active(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "1", sysfs.files["/sys/kernel/livepatch/demo/enabled"])

	sysfs.files["/sys/kernel/livepatch/demo/transition"] = "0"
	status, err := d.Deactive(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, patch.StatusDeactived, status)
	assert.Equal(t, "0", sysfs.files["/sys/kernel/livepatch/demo/enabled"])
}

func TestKernelDriverQueryStatusNotApplied(t *testing.T) {
	loader := &fakeLoader{}
	sysfs := newFakeSysfs()
	d := testDriver(loader, sysfs)
	p := testKernelPatch()

	status, err := d.QueryStatus(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, patch.StatusNotApplied, status)
}
