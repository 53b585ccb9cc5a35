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

// Package extern names the external collaborators this repository treats
// as out of scope (SPEC_FULL.md §1): RPM spec generation/package assembly
// and the fast-reboot subsystem. They are declared as interfaces only, so
// callers (the RPC surface's reserved method names, a future packaging
// command) have somewhere to point without this repository building out
// their implementations.
package extern

import "context"

// Packager builds an RPM package from a resolved patch directory. Real
// implementations shell out to rpmbuild; none ships here.
type Packager interface {
	BuildPackage(ctx context.Context, patchDir, specPath string) (packagePath string, err error)
}

// FastReboot triggers a kexec-based fast reboot carrying forward the
// currently accepted patch set. Real implementations are out of scope
// (spec.md §1); core/rpc's "fast_reboot"/"reboot" methods return
// Unavailable rather than calling into this interface.
type FastReboot interface {
	Reboot(ctx context.Context) error
}
