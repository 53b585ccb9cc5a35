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

// Package commands implements the operator CLI's urfave/cli/v2 command
// tree, each command a thin proxy over a core/rpc.Client call (spec
// §4.7).
package commands

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/syscare/syscared/core/rpc"
)

func dial(cliCtx *cli.Context) (*rpc.Client, error) {
	return rpc.Dial(cliCtx.String("socket"))
}

// idsFromArgs turns positional arguments into an rpc.IdentifierParams.
func idsFromArgs(cliCtx *cli.Context) rpc.IdentifierParams {
	return rpc.IdentifierParams{Ids: cliCtx.Args().Slice()}
}

func callTransition(cliCtx *cli.Context, method string) error {
	c, err := dial(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	if cliCtx.NArg() == 0 {
		return fmt.Errorf("usage: syscare %s <id|pkg:name> [...]", method)
	}

	var results []map[string]interface{}
	if err := c.Call(method, idsFromArgs(cliCtx), &results); err != nil {
		return asExitError(err)
	}
	for _, r := range results {
		fmt.Printf("%s: %s\n", r["patch"], r["status"])
		if msg, ok := r["error"]; ok {
			fmt.Printf("  error: %v\n", msg)
		}
	}
	return nil
}

func asExitError(err error) error {
	if rerr, ok := err.(*rpc.RPCError); ok {
		return fmt.Errorf("%s: %s", rerr.Kind(), rerr.Error())
	}
	return err
}

// Commands returns every spec §4.7 method mapped onto a CLI subcommand,
// plus the reserved fast_reboot/reboot names.
func Commands() []*cli.Command {
	return []*cli.Command{
		{Name: "apply", Usage: "apply one or more patches", Action: func(c *cli.Context) error { return callTransition(c, "apply_patch") }},
		{Name: "remove", Usage: "remove one or more patches", Action: func(c *cli.Context) error { return callTransition(c, "remove_patch") }},
		{Name: "active", Usage: "activate one or more patches", Action: func(c *cli.Context) error { return callTransition(c, "active_patch") }},
		{Name: "deactive", Usage: "deactivate one or more patches", Action: func(c *cli.Context) error { return callTransition(c, "deactive_patch") }},
		{Name: "accept", Usage: "accept one or more patches", Action: func(c *cli.Context) error { return callTransition(c, "accept_patch") }},
		{Name: "list", Usage: "list installed patches", Action: cmdList},
		{Name: "status", Usage: "show patch status", Action: cmdStatus},
		{Name: "info", Usage: "show patch info", Action: cmdInfo},
		{Name: "target", Usage: "show a patch's target package", Action: cmdTarget},
		{Name: "save", Usage: "persist current patch status", Action: cmdSave},
		{Name: "restore", Usage: "restore persisted patch status", Flags: []cli.Flag{
			&cli.BoolFlag{Name: "accepted-only"},
		}, Action: cmdRestore},
		{Name: "fast-reboot", Usage: "reserved, not implemented by this build", Action: func(c *cli.Context) error { return callReserved(c, "fast_reboot") }},
		{Name: "reboot", Usage: "reserved, not implemented by this build", Action: func(c *cli.Context) error { return callReserved(c, "reboot") }},
		{
			Name:  "build",
			Usage: "compiler-hijacking controls, talk to syscare-build instead of syscared",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "build-socket", Value: "/var/run/syscare-build.sock", Usage: "syscare-build RPC socket path"},
			},
			Subcommands: []*cli.Command{
				{Name: "hook", Usage: "hook-compiler <victim-path>", Action: cmdHookCompiler},
				{Name: "unhook", Usage: "unhook-compiler <victim-path>", Action: cmdUnhookCompiler},
			},
		},
	}
}

func dialBuild(cliCtx *cli.Context) (*rpc.Client, error) {
	return rpc.Dial(cliCtx.String("build-socket"))
}

func cmdHookCompiler(cliCtx *cli.Context) error {
	c, err := dialBuild(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()
	if cliCtx.NArg() == 0 {
		return fmt.Errorf("usage: syscare build hook <victim-path>")
	}
	return asExitError(c.Call("hook_compiler", map[string]string{"path": cliCtx.Args().First()}, nil))
}

func cmdUnhookCompiler(cliCtx *cli.Context) error {
	c, err := dialBuild(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()
	if cliCtx.NArg() == 0 {
		return fmt.Errorf("usage: syscare build unhook <victim-path>")
	}
	return asExitError(c.Call("unhook_compiler", map[string]string{"path": cliCtx.Args().First()}, nil))
}

func cmdList(cliCtx *cli.Context) error {
	c, err := dial(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	var list []map[string]interface{}
	if err := c.Call("get_patch_list", nil, &list); err != nil {
		return asExitError(err)
	}
	for _, p := range list {
		fmt.Printf("%s\t%s\t%s\t%s\n", p["uuid"], p["name"], p["kind"], p["status"])
	}
	return nil
}

func cmdStatus(cliCtx *cli.Context) error {
	c, err := dial(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	var out map[string]string
	if err := c.Call("get_patch_status", idsFromArgs(cliCtx), &out); err != nil {
		return asExitError(err)
	}
	for id, status := range out {
		fmt.Printf("%s: %s\n", id, status)
	}
	return nil
}

func cmdInfo(cliCtx *cli.Context) error {
	c, err := dial(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	var out json.RawMessage
	if err := c.Call("get_patch_info", map[string]string{"id": cliCtx.Args().First()}, &out); err != nil {
		return asExitError(err)
	}
	fmt.Println(string(out))
	return nil
}

func cmdTarget(cliCtx *cli.Context) error {
	c, err := dial(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	var out json.RawMessage
	if err := c.Call("get_patch_target", map[string]string{"id": cliCtx.Args().First()}, &out); err != nil {
		return asExitError(err)
	}
	fmt.Println(string(out))
	return nil
}

func cmdSave(cliCtx *cli.Context) error {
	c, err := dial(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Call("save_patch_status", nil, nil); err != nil {
		return asExitError(err)
	}
	return nil
}

func cmdRestore(cliCtx *cli.Context) error {
	c, err := dial(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()
	params := map[string]bool{"accepted_only": cliCtx.Bool("accepted-only")}
	if err := c.Call("restore_patch_status", params, nil); err != nil {
		return asExitError(err)
	}
	return nil
}

func callReserved(cliCtx *cli.Context, method string) error {
	c, err := dial(cliCtx)
	if err != nil {
		return err
	}
	defer c.Close()
	return asExitError(c.Call(method, nil, nil))
}
