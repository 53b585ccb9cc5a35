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

package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/patcherr"
)

func writeFixture(t *testing.T, dir string, rec *PatchInfo, payload map[string][]byte) {
	t.Helper()
	for name, data := range payload {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	require.NoError(t, WritePatchInfo(filepath.Join(dir, "patch_info"), rec))
}

func TestResolveKernelPatch(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("fake kernel object bytes")
	d := digest.SHA256.FromBytes(payload)

	rec := &PatchInfo{
		UUID:    "11111111-1111-1111-1111-111111111111",
		Name:    "demo-fix",
		Version: "1.0",
		Release: "1",
		Kind:    "KernelPatch",
		Target:  TargetInfo{Name: "demo-pkg"},
		Entities: []EntityInfo{
			{PatchName: "demo-fix.ko", Digest: d.String()},
		},
	}
	writeFixture(t, dir, rec, map[string][]byte{"demo-fix.ko": payload})

	p, err := Resolve(context.Background(), dir, RuleDotsOnly)
	require.NoError(t, err)
	assert.Equal(t, patch.KernelPatch, p.Kind)
	require.Len(t, p.Entities, 1)
	assert.Equal(t, "/sys/kernel/livepatch/demo-fix/enabled", p.Entities[0].SysfsEnableFile)
}

func TestResolveRejectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("original bytes")
	wrongDigest := digest.SHA256.FromBytes([]byte("different bytes"))

	rec := &PatchInfo{
		UUID: "22222222-2222-2222-2222-222222222222",
		Name: "bad-digest",
		Kind: "KernelPatch",
		Entities: []EntityInfo{
			{PatchName: "bad.ko", Digest: wrongDigest.String()},
		},
	}
	writeFixture(t, dir, rec, map[string][]byte{"bad.ko": payload})

	_, err := Resolve(context.Background(), dir, RuleDotsOnly)
	require.Error(t, err)
	assert.True(t, patcherr.Is(err, patcherr.KindIntegrityMismatch))
}

func TestReadPatchInfoRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patch_info")
	require.NoError(t, os.WriteFile(path, []byte("not a patch info file at all"), 0o644))

	_, err := ReadPatchInfo(path)
	require.Error(t, err)
	assert.True(t, patcherr.Is(err, patcherr.KindIntegrityMismatch))
}

func TestSysfsNameRules(t *testing.T) {
	name, enable := SysfsName("syscare-abc.ko", RuleDotsOnly)
	assert.Equal(t, "syscare-abc", name)
	assert.Equal(t, "/sys/kernel/livepatch/syscare-abc/enabled", enable)

	name, _ = SysfsName("syscare-abc.ko", RuleDashesAndDots)
	assert.Equal(t, "syscare_abc", name)
}
