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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHijackerFFI struct {
	initErr                error
	registered, unregistered []string
	registerErr             error
}

func (f *fakeHijackerFFI) Init() error { return f.initErr }

func (f *fakeHijackerFFI) Register(victim, helper string) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, victim)
	return nil
}

func (f *fakeHijackerFFI) Unregister(victim, helper string) error {
	f.unregistered = append(f.unregistered, victim)
	return nil
}

func testConfig() Config {
	return Config{Mapping: map[string]string{
		"/usr/bin/cc":  "/usr/libexec/syscare/cc-helper",
		"/usr/bin/gcc": "/usr/libexec/syscare/gcc-helper",
	}}
}

func TestHijackerHookUnhookIdempotent(t *testing.T) {
	ffi := &fakeHijackerFFI{}
	h, err := New(ffi, testConfig())
	require.NoError(t, err)

	require.NoError(t, h.HookCompiler("/usr/bin/cc"))
	require.NoError(t, h.HookCompiler("/usr/bin/cc")) // idempotent: already hijacked
	assert.Equal(t, []string{"/usr/bin/cc"}, ffi.registered, "second hook must not call FFI again")

	require.NoError(t, h.UnhookCompiler("/usr/bin/cc"))
	require.NoError(t, h.UnhookCompiler("/usr/bin/cc")) // idempotent: not hijacked
	assert.Equal(t, []string{"/usr/bin/cc"}, ffi.unregistered, "second unhook must not call FFI again")
}

func TestHijackerRejectsUnmappedVictim(t *testing.T) {
	ffi := &fakeHijackerFFI{}
	h, err := New(ffi, testConfig())
	require.NoError(t, err)

	err = h.HookCompiler("/usr/bin/clang")
	require.Error(t, err)
	assert.Empty(t, ffi.registered)
}

func TestHijackerReleaseAllUnhooksEveryActiveVictim(t *testing.T) {
	ffi := &fakeHijackerFFI{}
	h, err := New(ffi, testConfig())
	require.NoError(t, err)

	require.NoError(t, h.HookCompiler("/usr/bin/cc"))
	require.NoError(t, h.HookCompiler("/usr/bin/gcc"))

	h.ReleaseAll()
	assert.ElementsMatch(t, []string{"/usr/bin/cc", "/usr/bin/gcc"}, ffi.unregistered)

	// Calling ReleaseAll again is a no-op: nothing left active.
	h.ReleaseAll()
	assert.Len(t, ffi.unregistered, 2)
}
