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

// Package hijacker implements the compiler-hijacking subsystem that the
// build daemon uses to transparently redirect compiler/assembler
// invocations to helper binaries for the duration of a build (spec §4.8).
package hijacker

/*
#cgo LDFLAGS: -lupatch_hijacker
#include <stdlib.h>

// Mirrors upatch's hijacker FFI (original_source:
// upatch/upatch-build/src/ffi/hijacker.rs). init() must run once before
// any register/unregister call.
int upatch_hijacker_init(void);
int upatch_hijacker_register(const char *prey_name, const char *hijacker_name);
int upatch_hijacker_unregister(const char *prey_name, const char *hijacker_name);
*/
import "C"

import (
	"unsafe"

	"github.com/syscare/syscared/core/patch/patcherr"
)

// FFI is the safe Go-side wrapper around the upatch hijacker C library.
type FFI interface {
	Init() error
	Register(victim, helper string) error
	Unregister(victim, helper string) error
}

// CFFI is the real FFI backed by libupatch_hijacker.so, via cgo.
type CFFI struct{}

func NewCFFI() FFI { return CFFI{} }

func (CFFI) Init() error {
	if rc := C.upatch_hijacker_init(); rc != 0 {
		return patcherr.New(patcherr.KindDriverFailure, "upatch_hijacker_init failed with code %d", int(rc))
	}
	return nil
}

func (CFFI) Register(victim, helper string) error {
	cvictim := C.CString(victim)
	defer C.free(unsafe.Pointer(cvictim))
	chelper := C.CString(helper)
	defer C.free(unsafe.Pointer(chelper))

	if rc := C.upatch_hijacker_register(cvictim, chelper); rc != 0 {
		return patcherr.New(patcherr.KindDriverFailure, "upatch_hijacker_register(%s, %s) failed with code %d", victim, helper, int(rc))
	}
	return nil
}

func (CFFI) Unregister(victim, helper string) error {
	cvictim := C.CString(victim)
	defer C.free(unsafe.Pointer(cvictim))
	chelper := C.CString(helper)
	defer C.free(unsafe.Pointer(chelper))

	if rc := C.upatch_hijacker_unregister(cvictim, chelper); rc != 0 {
		return patcherr.New(patcherr.KindDriverFailure, "upatch_hijacker_unregister(%s, %s) failed with code %d", victim, helper, int(rc))
	}
	return nil
}
