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

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/core/patch/patcherr"
)

func newTestPatch(name string, kind Kind) *Patch {
	return &Patch{
		UUID:   uuid.New(),
		Name:   name,
		Kind:   kind,
		Target: PackageInfo{Name: "demo-pkg", Version: "1.0", Release: "1"},
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	p := newTestPatch("hotfix-a", KernelPatch)

	require.NoError(t, r.Add(p))
	assert.Equal(t, StatusNotApplied, p.Status())

	got, err := r.Get(p.UUID.String())
	require.NoError(t, err)
	assert.Same(t, p, got)

	got, err = r.Get("hotfix-a")
	require.NoError(t, err)
	assert.Same(t, p, got)

	removed, err := r.Remove(p.UUID.String())
	require.NoError(t, err)
	assert.Same(t, p, removed)

	_, err = r.Get(p.UUID.String())
	require.Error(t, err)
	assert.True(t, patcherr.Is(err, patcherr.KindNotFound))
}

func TestRegistryAddRejectsDuplicateUUIDAndName(t *testing.T) {
	r := NewRegistry()
	p1 := newTestPatch("hotfix-a", KernelPatch)
	require.NoError(t, r.Add(p1))

	dupUUID := newTestPatch("hotfix-b", KernelPatch)
	dupUUID.UUID = p1.UUID
	err := r.Add(dupUUID)
	require.Error(t, err)
	assert.True(t, patcherr.Is(err, patcherr.KindInvalidState))

	dupName := newTestPatch("hotfix-a", KernelPatch)
	err = r.Add(dupName)
	require.Error(t, err)
	assert.True(t, patcherr.Is(err, patcherr.KindInvalidState))

	// Same name is fine across kinds: composite key includes Kind.
	dupNameOtherKind := newTestPatch("hotfix-a", UserPatch)
	assert.NoError(t, r.Add(dupNameOtherKind))
}

func TestRegistryResolveAllPackagePrefix(t *testing.T) {
	r := NewRegistry()
	a := newTestPatch("a", KernelPatch)
	b := newTestPatch("b", KernelPatch)
	b.Target.Name = "other-pkg"
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	patches, err := r.ResolveAll([]string{"pkg:demo-pkg"})
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, a.UUID, patches[0].UUID)

	_, err = r.ResolveAll([]string{"pkg:nonexistent"})
	require.Error(t, err)
	assert.True(t, patcherr.Is(err, patcherr.KindNotFound))
}

func TestRegistryListDeterministicOrder(t *testing.T) {
	r := NewRegistry()
	b := newTestPatch("zzz", KernelPatch)
	a := newTestPatch("aaa", KernelPatch)
	a.Target.Name = "aaa-pkg"
	b.Target.Name = "bbb-pkg"
	require.NoError(t, r.Add(b))
	require.NoError(t, r.Add(a))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "aaa-pkg", list[0].Target.Name)
	assert.Equal(t, "bbb-pkg", list[1].Target.Name)
}
