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

package hijacker

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/syscare/syscared/core/patch/patcherr"
)

// Config is the on-disk victim-to-helper mapping, loaded at build-daemon
// start (spec §4.8). Grounded on original_source
// upatchd/src/helper/config.rs's UpatchHelperConfig, translated from
// IndexMap + serde to a YAML map (SPEC_FULL.md §6).
type Config struct {
	Mapping map[string]string `yaml:"mapping"`
}

// DefaultConfig reproduces the original's hard-coded default mapping:
// the common GNU toolchain binaries redirected to their syscare helpers
// under /usr/libexec/syscare.
func DefaultConfig() Config {
	const helperDir = "/usr/libexec/syscare"
	return Config{
		Mapping: map[string]string{
			"/usr/bin/cc":  helperDir + "/cc-helper",
			"/usr/bin/c++": helperDir + "/c++-helper",
			"/usr/bin/gcc": helperDir + "/gcc-helper",
			"/usr/bin/g++": helperDir + "/g++-helper",
			"/usr/bin/as":  helperDir + "/as-helper",
		},
	}
}

// LoadConfig reads path if it exists, or writes and returns DefaultConfig
// otherwise (spec §4.8: "defaults cover the common compiler/assembler
// tool-chains").
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, patcherr.Wrap(patcherr.KindPersistenceFailure, err, "read hijacker config %s", path)
		}
		cfg := DefaultConfig()
		if werr := cfg.writeTo(path); werr != nil {
			return Config{}, werr
		}
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "parse hijacker config %s", path)
	}
	return cfg, nil
}

func (c Config) writeTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return patcherr.Wrap(patcherr.KindDriverFailure, err, "marshal default hijacker config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return patcherr.Wrap(patcherr.KindPersistenceFailure, err, "write hijacker config %s", path)
	}
	return nil
}
