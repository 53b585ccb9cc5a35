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

// Package config loads syscare-build's TOML configuration.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is syscare-build's on-disk configuration.
type Config struct {
	// SocketPath is the JSON-RPC Unix domain socket path the build CLI
	// talks to for the duration of one build (spec §4.8). The default is
	// a single host-wide path, not one under the build's work directory.
	SocketPath string `toml:"socket_path"`
	// HijackConfigPath is the YAML victim-to-helper mapping (spec §4.8).
	HijackConfigPath string `toml:"hijack_config_path"`
}

// Default returns syscare-build's built-in defaults.
func Default() *Config {
	return &Config{
		SocketPath:       "/var/run/syscare-build.sock",
		HijackConfigPath: "/etc/syscare/hijacker.yaml",
	}
}

// Load reads path into cfg, leaving fields the file omits untouched.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return toml.Unmarshal(data, cfg)
}
