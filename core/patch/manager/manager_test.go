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

package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/persistence"
	"github.com/syscare/syscared/core/patch/resolver"
)

type fakeDriver struct{}

func (fakeDriver) Check(ctx context.Context, p *patch.Patch) error { return nil }
func (fakeDriver) Apply(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return patch.StatusDeactived, nil
}
func (fakeDriver) Active(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return patch.StatusActived, nil
}
func (fakeDriver) Deactive(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return patch.StatusDeactived, nil
}
func (fakeDriver) Remove(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return patch.StatusNotApplied, nil
}
func (fakeDriver) QueryStatus(ctx context.Context, p *patch.Patch) (patch.Status, error) {
	return p.Status(), nil
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	registry := patch.NewRegistry()
	store := persistence.New(dir)
	drivers := patch.Drivers{Kernel: fakeDriver{}, User: fakeDriver{}}
	return New(registry, drivers, store, resolver.RuleDotsOnly), dir
}

func addTestPatch(t *testing.T, m *Manager, name string) *patch.Patch {
	t.Helper()
	p := &patch.Patch{UUID: uuid.New(), Name: name, Kind: patch.KernelPatch, Target: patch.PackageInfo{Name: "pkg"}}
	require.NoError(t, m.Registry.Add(p))
	return p
}

func TestManagerTransitionAndSaveRestore(t *testing.T) {
	m, _ := newTestManager(t)
	p := addTestPatch(t, m, "a")

	results, err := m.Transition(context.Background(), []string{p.UUID.String()}, patch.OpApply)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, patch.StatusDeactived, p.Status())

	require.NoError(t, m.SaveAll(context.Background()))

	// Simulate a fresh daemon start: new registry, same patch re-added at
	// NotApplied, then reconciled from the persisted status file.
	m2, _ := newTestManager(t)
	m2.Store = m.Store
	p2 := &patch.Patch{UUID: p.UUID, Name: "a", Kind: patch.KernelPatch, Target: patch.PackageInfo{Name: "pkg"}}
	require.NoError(t, m2.Registry.Add(p2))

	require.NoError(t, m2.RestoreAll(context.Background(), false))
	assert.Equal(t, patch.StatusDeactived, p2.Status())
}

func TestManagerRestoreAllAcceptedOnly(t *testing.T) {
	m, _ := newTestManager(t)
	accepted := addTestPatch(t, m, "accepted-one")
	other := addTestPatch(t, m, "other-one")

	for _, op := range []patch.Op{patch.OpApply, patch.OpActive, patch.OpAccept} {
		_, err := m.Transition(context.Background(), []string{accepted.UUID.String()}, op)
		require.NoError(t, err)
	}
	_, err := m.Transition(context.Background(), []string{other.UUID.String()}, patch.OpApply)
	require.NoError(t, err)

	require.NoError(t, m.SaveAll(context.Background()))

	m2, _ := newTestManager(t)
	m2.Store = m.Store
	a2 := &patch.Patch{UUID: accepted.UUID, Name: "accepted-one", Kind: patch.KernelPatch, Target: patch.PackageInfo{Name: "pkg"}}
	o2 := &patch.Patch{UUID: other.UUID, Name: "other-one", Kind: patch.KernelPatch, Target: patch.PackageInfo{Name: "pkg"}}
	require.NoError(t, m2.Registry.Add(a2))
	require.NoError(t, m2.Registry.Add(o2))

	require.NoError(t, m2.RestoreAll(context.Background(), true))
	assert.Equal(t, patch.StatusAccepted, a2.Status())
	assert.Equal(t, patch.StatusNotApplied, o2.Status(), "non-accepted patch must not be re-driven when acceptedOnly=true")
}

func TestManagerRemoveDeletesRegistryAndStatusFile(t *testing.T) {
	m, dir := newTestManager(t)
	p := addTestPatch(t, m, "a")

	_, err := m.Transition(context.Background(), []string{p.UUID.String()}, patch.OpApply)
	require.NoError(t, err)
	require.NoError(t, m.SaveAll(context.Background()))

	_, err = m.Remove(context.Background(), []string{p.UUID.String()})
	require.NoError(t, err)

	_, err = m.Registry.Get(p.UUID.String())
	assert.Error(t, err)

	_, err = os.Stat(filepath.Join(dir, "status", p.UUID.String()))
	assert.True(t, os.IsNotExist(err), "status file must be deleted on remove")
}
