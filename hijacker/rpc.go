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
	"context"
	"encoding/json"

	"github.com/syscare/syscared/core/rpc"
	"github.com/syscare/syscared/core/patch/patcherr"
)

type victimParams struct {
	Path string `json:"path"`
}

// RegisterRPC binds hook_compiler/unhook_compiler on s to h (spec §4.8).
func RegisterRPC(s *rpc.Server, h *Hijacker) {
	s.Register("hook_compiler", hookCompiler(h))
	s.Register("unhook_compiler", unhookCompiler(h))
}

func decodeVictim(params json.RawMessage) (string, error) {
	var p victimParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", patcherr.Wrap(patcherr.KindInvalidState, err, "decode params")
	}
	if p.Path == "" {
		return "", patcherr.New(patcherr.KindInvalidState, "path must be non-empty")
	}
	return p.Path, nil
}

func hookCompiler(h *Hijacker) rpc.Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		victim, err := decodeVictim(params)
		if err != nil {
			return nil, err
		}
		return nil, h.HookCompiler(victim)
	}
}

func unhookCompiler(h *Hijacker) rpc.Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		victim, err := decodeVictim(params)
		if err != nil {
			return nil, err
		}
		return nil, h.UnhookCompiler(victim)
	}
}
