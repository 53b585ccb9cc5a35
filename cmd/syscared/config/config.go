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

// Package config loads the host daemon's TOML configuration (SPEC_FULL.md
// §2's ambient config concern), mirroring the teacher's
// cmd/containerd/server/config load-with-defaults shape but trimmed to
// this daemon's much smaller surface.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/syscare/syscared/core/patch/resolver"
)

// Config is syscared's on-disk configuration.
type Config struct {
	// SocketPath is the JSON-RPC Unix domain socket path (spec §4.7).
	SocketPath string `toml:"socket_path"`
	// DataDir holds the persistence store's status directory and lock file
	// (spec §4.5).
	DataDir string `toml:"data_dir"`
	// PatchRootDir is where resolved patch directories live, addressed by
	// name from the registry.
	PatchRootDir string `toml:"patch_root_dir"`
	// KernelObjectDir is where KernelPatch .ko payload files are looked up.
	KernelObjectDir string `toml:"kernel_object_dir"`
	// UpatchModuleName is the module name the Kernel Module Guard loads.
	UpatchModuleName string `toml:"upatch_module_name"`

	// SysfsNameRule resolves spec §9's Open Question: "dots-only" (default)
	// or "dashes-and-dots".
	SysfsNameRule string `toml:"sysfs_name_rule"`

	EnablePollTimeout string `toml:"enable_poll_timeout"`
	EnablePollStep    string `toml:"enable_poll_step"`
	TransitionTimeout string `toml:"transition_timeout"`
	ReaperInterval    string `toml:"reaper_interval"`

	// EnableReactor turns on automatic activation of new child processes
	// of an already-patched binary (spec §4.4, optional mode).
	EnableReactor bool `toml:"enable_reactor"`
}

// Default returns syscared's built-in defaults, used as the starting
// point before loading a config file.
func Default() *Config {
	return &Config{
		SocketPath:        "/var/run/syscared.sock",
		DataDir:           "/var/lib/syscare",
		PatchRootDir:      "/usr/lib/syscare/patches",
		KernelObjectDir:   "/usr/lib/syscare/patches",
		UpatchModuleName:  "upatch",
		SysfsNameRule:     "dots-only",
		EnablePollTimeout: "5s",
		EnablePollStep:    "50ms",
		TransitionTimeout: "30s",
		ReaperInterval:    "5s",
		EnableReactor:     false,
	}
}

// Load reads path into cfg, leaving cfg's existing fields untouched for
// any key the file omits (toml.Decoder's default merge-over-zero-value
// behaviour, matching the teacher's srvconfig.LoadConfig contract).
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return toml.Unmarshal(data, cfg)
}

// SysfsRule parses the configured rule name into a resolver.SysfsNameRule,
// defaulting to RuleDotsOnly for an empty or unrecognised value.
func (c *Config) SysfsRule() resolver.SysfsNameRule {
	if c.SysfsNameRule == "dashes-and-dots" {
		return resolver.RuleDashesAndDots
	}
	return resolver.RuleDotsOnly
}

func (c *Config) durations() (enablePollTimeout, enablePollStep, transitionTimeout, reaperInterval time.Duration) {
	enablePollTimeout = parseOr(c.EnablePollTimeout, 5*time.Second)
	enablePollStep = parseOr(c.EnablePollStep, 50*time.Millisecond)
	transitionTimeout = parseOr(c.TransitionTimeout, 30*time.Second)
	reaperInterval = parseOr(c.ReaperInterval, 5*time.Second)
	return
}

func parseOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Durations exposes the parsed timing knobs to main's wiring code.
func (c *Config) Durations() (enablePollTimeout, enablePollStep, transitionTimeout, reaperInterval time.Duration) {
	return c.durations()
}
