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

// Command syscare-build is the privileged build-side daemon owning the
// compiler-hijacking subsystem for the duration of one package build
// (spec §4.8). Its lifetime is scoped to the build: every hijack it
// installs is released on exit, whether that exit is a clean
// unhook_compiler sequence from the build CLI or a SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/syscare/syscared/cmd/syscare-build/config"
	"github.com/syscare/syscared/core/rpc"
	"github.com/syscare/syscared/hijacker"
)

func main() {
	app := &cli.App{
		Name:  "syscare-build",
		Usage: "SysCare compiler-hijacking build daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "/etc/syscare/syscare-build.toml", Usage: "path to the daemon config file"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "syscare-build:", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg := config.Default()
	if err := config.Load(cliCtx.String("config"), cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load config: %w", err)
	}

	hijackCfg, err := hijacker.LoadConfig(cfg.HijackConfigPath)
	if err != nil {
		return fmt.Errorf("load hijacker config: %w", err)
	}
	h, err := hijacker.New(hijacker.NewCFFI(), hijackCfg)
	if err != nil {
		return fmt.Errorf("initialize hijacker: %w", err)
	}
	// Release every active hijack when the daemon returns, even if the
	// build CLI never calls unhook_compiler itself.
	defer h.ReleaseAll()

	server := rpc.NewServer(cfg.SocketPath)
	hijacker.RegisterRPC(server, h)

	if err := server.Listen(); err != nil {
		return fmt.Errorf("listen on rpc socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		server.Drain()
		log.L.Info("syscare-build: shutting down, releasing any active hijacks")
	}()

	log.L.WithField("socket", cfg.SocketPath).Info("syscare-build: ready")
	return server.Serve(ctx)
}
