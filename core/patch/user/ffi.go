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

package user

/*
#cgo LDFLAGS: -lupatch
#include <stdlib.h>
#include <sys/types.h>

// Mirrors the upatch kernel module's userspace ABI. The daemon treats
// this as a pure C FFI surface (spec §9): every function below is wrapped
// exactly once, in this file, and no *C.char / C pointer is allowed to
// leak above it.
typedef enum {
	UPATCH_STATUS_NOT_APPLIED = 1,
	UPATCH_STATUS_DEACTIVED   = 2,
	UPATCH_STATUS_ACTIVE      = 3,
	UPATCH_STATUS_INVALID     = 4,
} upatch_status_t;

upatch_status_t upatch_status(const char *uuid);
int upatch_check(const char *target_elf, const char *patch_file, char *err_msg, size_t max_len);
int upatch_load(const char *uuid, const char *target_elf, const char *patch_file, int force);
int upatch_remove(const char *uuid);
int upatch_active(const char *uuid, const pid_t *pid_list, size_t list_len);
int upatch_deactive(const char *uuid, const pid_t *pid_list, size_t list_len);
*/
import "C"

import (
	"unsafe"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/patcherr"
)

const errMsgBufLen = 512

// FFI is the safe Go-side wrapper around the upatch C library. Every
// method owns its NUL-terminated path conversion and translates non-zero
// C return codes into *patcherr.Error (spec §9's FFI boundary note).
type FFI interface {
	Status(uuid string) (patch.Status, error)
	Check(targetElf, patchFile string) error
	Load(uuid, targetElf, patchFile string, force bool) error
	Remove(uuid string) error
	Active(uuid string, pids []int) error
	Deactive(uuid string, pids []int) error
}

// CFFI is the real FFI backed by libupatch.so, via cgo.
type CFFI struct{}

func NewCFFI() FFI { return CFFI{} }

func (CFFI) Status(uuid string) (patch.Status, error) {
	cuuid := C.CString(uuid)
	defer C.free(unsafe.Pointer(cuuid))

	switch C.upatch_status(cuuid) {
	case C.UPATCH_STATUS_NOT_APPLIED:
		return patch.StatusNotApplied, nil
	case C.UPATCH_STATUS_DEACTIVED:
		return patch.StatusDeactived, nil
	case C.UPATCH_STATUS_ACTIVE:
		return patch.StatusActived, nil
	default:
		return patch.StatusUnknown, nil
	}
}

func (CFFI) Check(targetElf, patchFile string) error {
	ctarget := C.CString(targetElf)
	defer C.free(unsafe.Pointer(ctarget))
	cpatch := C.CString(patchFile)
	defer C.free(unsafe.Pointer(cpatch))

	errBuf := make([]C.char, errMsgBufLen)
	rc := C.upatch_check(ctarget, cpatch, &errBuf[0], C.size_t(errMsgBufLen))
	if rc != 0 {
		return patcherr.New(patcherr.KindDriverFailure, "upatch_check(%s, %s): %s", targetElf, patchFile, C.GoString(&errBuf[0]))
	}
	return nil
}

func (CFFI) Load(uuid, targetElf, patchFile string, force bool) error {
	cuuid := C.CString(uuid)
	defer C.free(unsafe.Pointer(cuuid))
	ctarget := C.CString(targetElf)
	defer C.free(unsafe.Pointer(ctarget))
	cpatch := C.CString(patchFile)
	defer C.free(unsafe.Pointer(cpatch))

	var cforce C.int
	if force {
		cforce = 1
	}
	if rc := C.upatch_load(cuuid, ctarget, cpatch, cforce); rc != 0 {
		return patcherr.New(patcherr.KindDriverFailure, "upatch_load(%s, %s, %s) failed with code %d", uuid, targetElf, patchFile, int(rc))
	}
	return nil
}

func (CFFI) Remove(uuid string) error {
	cuuid := C.CString(uuid)
	defer C.free(unsafe.Pointer(cuuid))
	if rc := C.upatch_remove(cuuid); rc != 0 {
		return patcherr.New(patcherr.KindDriverFailure, "upatch_remove(%s) failed with code %d", uuid, int(rc))
	}
	return nil
}

func (CFFI) Active(uuid string, pids []int) error {
	return pidCall(uuid, pids, func(cuuid *C.char, list *C.pid_t, n C.size_t) C.int {
		return C.upatch_active(cuuid, list, n)
	})
}

func (CFFI) Deactive(uuid string, pids []int) error {
	return pidCall(uuid, pids, func(cuuid *C.char, list *C.pid_t, n C.size_t) C.int {
		return C.upatch_deactive(cuuid, list, n)
	})
}

func pidCall(uuid string, pids []int, call func(*C.char, *C.pid_t, C.size_t) C.int) error {
	cuuid := C.CString(uuid)
	defer C.free(unsafe.Pointer(cuuid))

	if len(pids) == 0 {
		return nil
	}
	list := make([]C.pid_t, len(pids))
	for i, pid := range pids {
		list[i] = C.pid_t(pid)
	}
	if rc := call(cuuid, &list[0], C.size_t(len(list))); rc != 0 {
		return patcherr.New(patcherr.KindDriverFailure, "upatch pid call on %s failed with code %d", uuid, int(rc))
	}
	return nil
}
