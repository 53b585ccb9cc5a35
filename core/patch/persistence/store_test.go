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

package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/transaction"
)

// fakeDriver drives a patch through Apply/Active unconditionally, used
// only to reach a non-zero Status() for these persistence tests — Patch's
// status field is private to package patch, so the Transaction Engine is
// the only way to move it without adding test-only exports to patch.
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

func patchAt(t *testing.T, name string, ops ...patch.Op) *patch.Patch {
	t.Helper()
	r := patch.NewRegistry()
	p := &patch.Patch{UUID: uuid.New(), Name: name, Kind: patch.KernelPatch, Target: patch.PackageInfo{Name: "pkg"}}
	require.NoError(t, r.Add(p))

	e := transaction.New(patch.Drivers{Kernel: fakeDriver{}}, nil)
	for _, op := range ops {
		results := e.Run(context.Background(), []*patch.Patch{p}, op)
		require.Len(t, results, 1)
		require.NoError(t, results[0].Err)
	}
	return p
}

func TestSaveOneAndReadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	p := patchAt(t, "a", patch.OpApply, patch.OpActive)
	require.NoError(t, s.SaveOne(context.Background(), p))

	records, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, p.UUID, records[0].UUID)
	assert.Equal(t, patch.StatusActived, records[0].Status)
}

func TestSaveOneSkipsUnknownStatus(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	// A freshly constructed Patch, never added to a Registry, defaults
	// to StatusUnknown — never written to disk (spec §4.1).
	p := &patch.Patch{UUID: uuid.New(), Name: "a", Kind: patch.KernelPatch}
	require.NoError(t, s.SaveOne(context.Background(), p))

	_, err := os.Stat(filepath.Join(dir, "status", p.UUID.String()))
	assert.True(t, os.IsNotExist(err))
}

func TestReadAllSkipsCorruptMagic(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, os.MkdirAll(s.statusDir(), 0o755))

	badPath := filepath.Join(s.statusDir(), uuid.NewString())
	require.NoError(t, os.WriteFile(badPath, []byte("not a status file"), 0o644))

	good := patchAt(t, "good", patch.OpApply)
	require.NoError(t, s.SaveOne(context.Background(), good))

	records, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, good.UUID, records[0].UUID)
}

func TestReconciliationOrderSortsByStatus(t *testing.T) {
	records := []Record{
		{Status: patch.StatusAccepted},
		{Status: patch.StatusDeactived},
		{Status: patch.StatusActived},
	}
	ordered := ReconciliationOrder(records)
	require.Len(t, ordered, 3)
	assert.Equal(t, patch.StatusDeactived, ordered[0].Status)
	assert.Equal(t, patch.StatusActived, ordered[1].Status)
	assert.Equal(t, patch.StatusAccepted, ordered[2].Status)
}

func TestDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	id := uuid.New()
	assert.NoError(t, s.Delete(id))
	assert.NoError(t, s.Delete(id))
}
