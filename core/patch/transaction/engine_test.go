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

package transaction

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/core/patch"
)

// fakeDriver implements patch.Driver; failOn names a patch (by ShortName)
// whose Apply call should fail, to exercise rollback.
type fakeDriver struct {
	failOn map[string]bool
}

func (f *fakeDriver) Check(ctx context.Context, p *patch.Patch) error { return nil }

func (f *fakeDriver) Apply(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	if f.failOn[p.ShortName()] {
		return patch.StatusUnknown, assertErr
	}
	return patch.StatusDeactived, nil
}

func (f *fakeDriver) Active(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return patch.StatusActived, nil
}

func (f *fakeDriver) Deactive(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return patch.StatusDeactived, nil
}

func (f *fakeDriver) Remove(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return patch.StatusNotApplied, nil
}

func (f *fakeDriver) QueryStatus(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return p.Status(), nil
}

var assertErr = &driverErr{}

type driverErr struct{}

func (*driverErr) Error() string { return "fake driver failure" }

func newEngineTestPatch(name string) *patch.Patch {
	return &patch.Patch{UUID: uuid.New(), Name: name, Kind: patch.KernelPatch, Target: patch.PackageInfo{Name: "pkg"}}
}

func TestEngineRunAppliesInOrder(t *testing.T) {
	drivers := patch.Drivers{Kernel: &fakeDriver{failOn: map[string]bool{}}}
	e := New(drivers, nil)

	p1 := newEngineTestPatch("a")
	p2 := newEngineTestPatch("b")

	results := e.Run(context.Background(), []*patch.Patch{p1, p2}, patch.OpApply)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, patch.StatusDeactived, r.Status)
		assert.Equal(t, patch.StatusDeactived, r.Patch.Status())
	}
}

func TestEngineRunRollsBackOnFailure(t *testing.T) {
	p1 := newEngineTestPatch("a")
	p2 := newEngineTestPatch("b-fails")

	drivers := patch.Drivers{Kernel: &fakeDriver{failOn: map[string]bool{p2.ShortName(): true}}}
	e := New(drivers, nil)

	results := e.Run(context.Background(), []*patch.Patch{p1, p2}, patch.OpApply)
	require.Len(t, results, 2)

	// p1 applied successfully then rolled back to its pre-call status.
	assert.NoError(t, results[0].Err)
	assert.Equal(t, patch.StatusNotApplied, p1.Status())

	// p2 failed; its result carries the error.
	assert.Error(t, results[1].Err)
	assert.Equal(t, patch.StatusNotApplied, p2.Status())
}

func TestEngineAcceptIsEngineInternal(t *testing.T) {
	drivers := patch.Drivers{Kernel: &fakeDriver{failOn: map[string]bool{}}}
	e := New(drivers, nil)

	p := newEngineTestPatch("a")
	// Drive it to Actived first so accept is legal.
	e.Run(context.Background(), []*patch.Patch{p}, patch.OpApply)
	e.Run(context.Background(), []*patch.Patch{p}, patch.OpActive)

	results := e.Run(context.Background(), []*patch.Patch{p}, patch.OpAccept)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, patch.StatusAccepted, p.Status())
}
