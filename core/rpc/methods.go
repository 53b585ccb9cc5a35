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

package rpc

import (
	"context"
	"encoding/json"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/manager"
	"github.com/syscare/syscared/core/patch/patcherr"
	"github.com/syscare/syscared/core/patch/transaction"
)

// IdentifierParams is the argument shape shared by every method that
// mutates or queries a set of existing patches (spec §4.7: "identifier is
// UUID or name"). Ids may also each be the wildcard form "pkg:<name>".
//
// apply_patch additionally accepts a filesystem directory in place of an
// already-registered identifier: the first apply of a freshly built patch
// resolves and registers it before driving the transition, since spec.md
// names no separate "register" RPC method (see DESIGN.md).
type IdentifierParams struct {
	Ids []string `json:"ids"`
}

type acceptedOnlyParams struct {
	AcceptedOnly bool `json:"accepted_only"`
}

// RegisterManager binds every spec §4.7 method name to mgr.
func RegisterManager(s *Server, mgr *manager.Manager) {
	s.Register("apply_patch", applyPatch(mgr))
	s.Register("remove_patch", transitionMethod(mgr, patch.OpRemove))
	s.Register("active_patch", transitionMethod(mgr, patch.OpActive))
	s.Register("deactive_patch", transitionMethod(mgr, patch.OpDeactive))
	s.Register("accept_patch", transitionMethod(mgr, patch.OpAccept))

	s.Register("get_patch_list", getPatchList(mgr))
	s.Register("get_patch_status", getPatchStatus(mgr))
	s.Register("get_patch_info", getPatchInfo(mgr))
	s.Register("get_patch_target", getPatchTarget(mgr))

	s.Register("save_patch_status", savePatchStatus(mgr))
	s.Register("restore_patch_status", restorePatchStatus(mgr))

	// Reserved method names: spec.md §1 puts fast-reboot integration out
	// of scope, but the transport still names the methods rather than
	// 404ing them, so CLI commands fail with a clear Unavailable instead
	// of an unknown-method error.
	s.Register("fast_reboot", unavailable("fast_reboot is not implemented by this build"))
	s.Register("reboot", unavailable("reboot is not implemented by this build"))
}

func unavailable(msg string) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, patcherr.New(patcherr.KindUnavailable, "%s", msg)
	}
}

func decodeIdentifiers(params json.RawMessage) ([]string, error) {
	var p IdentifierParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, patcherr.Wrap(patcherr.KindInvalidState, err, "decode params")
	}
	if len(p.Ids) == 0 {
		return nil, patcherr.New(patcherr.KindInvalidState, "ids must be non-empty")
	}
	return p.Ids, nil
}

// transitionResult is the wire shape of one patch's outcome within a
// transition RPC reply.
type transitionResult struct {
	Patch  string `json:"patch"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func transitionMethod(mgr *manager.Manager, op patch.Op) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		ids, err := decodeIdentifiers(params)
		if err != nil {
			return nil, err
		}
		results, err := mgr.Transition(ctx, ids, op)
		if err != nil {
			return nil, err
		}
		return transitionResultsToWire(results), nil
	}
}

func transitionResultsToWire(results []transaction.Result) []transitionResult {
	out := make([]transitionResult, len(results))
	for i, r := range results {
		out[i] = transitionResult{Patch: r.Patch.ShortName(), Status: r.Status.String()}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

// applyPatch resolves each id: if it already names a registered patch, it
// transitions straight to apply; if it names a directory on disk instead,
// it resolves and registers the patch there first (see IdentifierParams).
func applyPatch(mgr *manager.Manager) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		ids, err := decodeIdentifiers(params)
		if err != nil {
			return nil, err
		}

		resolved := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, err := mgr.Registry.ResolveAll([]string{id}); err == nil {
				resolved = append(resolved, id)
				continue
			}
			p, err := mgr.ResolveAndAdd(ctx, id)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, p.UUID.String())
		}

		results, err := mgr.Transition(ctx, resolved, patch.OpApply)
		if err != nil {
			return nil, err
		}
		return transitionResultsToWire(results), nil
	}
}

func getPatchList(mgr *manager.Manager) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		list := mgr.List()
		out := make([]patchInfoWire, 0, len(list))
		for _, p := range list {
			out = append(out, toPatchInfoWire(p))
		}
		return out, nil
	}
}

func getPatchStatus(mgr *manager.Manager) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		ids, err := decodeIdentifiers(params)
		if err != nil {
			return nil, err
		}
		out := make(map[string]string, len(ids))
		for _, id := range ids {
			st, err := mgr.Status(id)
			if err != nil {
				return nil, err
			}
			out[id] = st.String()
		}
		return out, nil
	}
}

func getPatchInfo(mgr *manager.Manager) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			Id string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, patcherr.Wrap(patcherr.KindInvalidState, err, "decode params")
		}
		info, err := mgr.Info(p.Id)
		if err != nil {
			return nil, err
		}
		return toPatchInfoWire(info), nil
	}
}

func getPatchTarget(mgr *manager.Manager) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			Id string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, patcherr.Wrap(patcherr.KindInvalidState, err, "decode params")
		}
		target, err := mgr.Target(p.Id)
		if err != nil {
			return nil, err
		}
		return target, nil
	}
}

func savePatchStatus(mgr *manager.Manager) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, mgr.SaveAll(ctx)
	}
}

func restorePatchStatus(mgr *manager.Manager) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p acceptedOnlyParams
		// accepted_only defaults to false when params is empty/omitted.
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, patcherr.Wrap(patcherr.KindInvalidState, err, "decode params")
			}
		}
		return nil, mgr.RestoreAll(ctx, p.AcceptedOnly)
	}
}

// patchInfoWire is the JSON shape of get_patch_list/get_patch_info,
// carrying the description field spec.md's terse data model dropped but
// the original abi::PatchInfo record names (SPEC_FULL.md §4).
type patchInfoWire struct {
	UUID        string             `json:"uuid"`
	Name        string             `json:"name"`
	Version     string             `json:"version"`
	Release     string             `json:"release"`
	Description string             `json:"description,omitempty"`
	Kind        string             `json:"kind"`
	Status      string             `json:"status"`
	Target      patch.PackageInfo  `json:"target"`
	Entities    []patch.PatchEntity `json:"entities"`
}

func toPatchInfoWire(p *patch.Patch) patchInfoWire {
	return patchInfoWire{
		UUID:        p.UUID.String(),
		Name:        p.Name,
		Version:     p.Version,
		Release:     p.Release,
		Description: p.Description,
		Kind:        p.Kind.String(),
		Status:      p.Status().String(),
		Target:      p.Target,
		Entities:    p.Entities,
	}
}
