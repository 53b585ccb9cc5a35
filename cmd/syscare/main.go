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

// Command syscare is the unprivileged operator CLI. It never touches
// /sys/kernel/livepatch or the upatch FFI directly; every subcommand is a
// JSON-RPC call to syscared over the socket named by --socket (spec §4.7).
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/syscare/syscared/cmd/syscare/commands"
)

func main() {
	app := &cli.App{
		Name:  "syscare",
		Usage: "SysCare live-patching operator CLI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "socket", Aliases: []string{"s"}, Value: "/var/run/syscared.sock", Usage: "syscared RPC socket path"},
		},
		Commands: commands.Commands(),
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "syscare:", err)
		os.Exit(1)
	}
}
