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

// Command upatch-helper is the replacement binary the hijacker FFI
// redirects a victim compiler/assembler invocation to (spec §4.8). It
// re-execs the real tool so the build proceeds unmodified; the actual
// instrumentation (recording the real path, resolving ELF dependencies)
// is performed by the upatch kernel module's hijack machinery before this
// process is exec'd, not by this binary itself (original_source
// upatch/upatch-daemon/src/hijacker/elf_resolver.rs).
package main

import (
	"fmt"
	"os"
	"syscall"
)

// realPathEnv names the real victim binary path the kernel hijack layer
// passes down so this helper knows what to re-exec, since its own argv[0]
// is the helper's own path, not the victim's.
const realPathEnv = "UPATCH_HIJACKER_REAL_PATH"

func main() {
	real := os.Getenv(realPathEnv)
	if real == "" {
		fmt.Fprintln(os.Stderr, "upatch-helper: missing "+realPathEnv+", refusing to guess the real tool")
		os.Exit(1)
	}

	argv := append([]string{real}, os.Args[1:]...)
	if err := syscall.Exec(real, argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "upatch-helper: exec %s: %v\n", real, err)
		os.Exit(1)
	}
}
