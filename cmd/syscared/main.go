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

// Command syscared is the privileged host daemon owning the patch
// lifecycle subsystem (spec §1). It wires the Status State Machine's
// Registry, the Persistence Store, the Kernel Module Guard, the two
// Drivers, the Transaction Engine and the RPC Surface together in the
// dependency order spec §2 describes (SPEC_FULL.md §5), the same
// single-binary main-wires-everything shape as the teacher's
// cmd/containerd/command/main.go, scaled to this daemon's much smaller
// plugin graph — manual wiring instead of containerd's generic plugin
// registry (see DESIGN.md).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/containerd/log"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"

	"github.com/syscare/syscared/cmd/syscared/config"
	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/guard"
	kerneldriver "github.com/syscare/syscared/core/patch/kernel"
	"github.com/syscare/syscared/core/patch/manager"
	"github.com/syscare/syscared/core/patch/persistence"
	userdriver "github.com/syscare/syscared/core/patch/user"
	"github.com/syscare/syscared/core/rpc"
)

func main() {
	app := &cli.App{
		Name:  "syscared",
		Usage: "SysCare live-patching host daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "/etc/syscare/syscared.toml", Usage: "path to the daemon config file"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "syscared:", err)
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

	// Kernel Module Guard first: its failure to load upatch is fatal and
	// must abort daemon start before anything else is wired (spec §4.6).
	g, err := guard.Acquire(ctx, guard.OSModuleOps{ModuleName: cfg.UpatchModuleName})
	if err != nil {
		return fmt.Errorf("acquire upatch module guard: %w", err)
	}
	defer g.Release(context.Background())

	store := persistence.New(cfg.DataDir)
	registry := patch.NewRegistry()

	enablePollTimeout, enablePollStep, transitionTimeout, reaperInterval := cfg.Durations()
	kDriver := &kerneldriver.Driver{
		Loader: kerneldriver.NewOSModuleLoader(),
		Sysfs:  kerneldriver.NewOSSysfs(),
		Config: kerneldriver.Config{
			EnablePollTimeout: enablePollTimeout,
			EnablePollStep:    enablePollStep,
			TransitionTimeout: transitionTimeout,
		},
		KernelObjectDir: func(p *patch.Patch) string { return cfg.KernelObjectDir },
	}
	uDriver := userdriver.New(userdriver.NewCFFI(), userdriver.Config{ReaperInterval: reaperInterval})
	if cfg.EnableReactor {
		reactor := userdriver.NewReactor(userdriver.NewCFFI(), userdriver.PollingWatcher{Interval: reaperInterval})
		uDriver.EnableReactor(reactor)
		go func() {
			if err := reactor.Run(ctx, uDriver.BindingForReactor); err != nil && ctx.Err() == nil {
				log.G(ctx).WithError(err).Error("reactor stopped unexpectedly")
			}
		}()
	}

	mgr := manager.New(registry, patch.Drivers{Kernel: kDriver, User: uDriver}, store, cfg.SysfsRule())

	if err := loadPatchDirs(ctx, mgr, cfg.PatchRootDir); err != nil {
		log.G(ctx).WithError(err).Warn("failed to resolve some patch directories at start")
	}
	if err := mgr.RestoreAll(ctx, false); err != nil {
		log.G(ctx).WithError(err).Warn("restore_all at daemon start reported failures")
	}

	go uDriver.RunReaper(ctx)

	server := rpc.NewServer(cfg.SocketPath)
	rpc.RegisterManager(server, mgr)

	if err := server.Listen(); err != nil {
		return fmt.Errorf("listen on rpc socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		server.Drain()
		log.L.Info("syscared: shutting down, finishing in-flight transactions")
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.L.WithError(err).Debug("systemd readiness notify failed (not running under systemd?)")
	}

	log.L.WithField("socket", cfg.SocketPath).Info("syscared: ready")
	if err := server.Serve(ctx); err != nil {
		return err
	}
	return nil
}

// loadPatchDirs resolves every immediate subdirectory of root into the
// registry so RPC calls can address already-installed patches by name or
// uuid before restore_all re-drives their persisted status (spec §4.5).
func loadPatchDirs(ctx context.Context, mgr *manager.Manager, root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var firstErr error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := mgr.ResolveAndAdd(ctx, dir); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.G(ctx).WithError(err).WithField("dir", dir).Warn("skipping unresolvable patch directory")
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
