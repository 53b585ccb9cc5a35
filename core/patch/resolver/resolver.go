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

// Package resolver turns an on-disk patch directory into a *patch.Patch,
// enforcing the patch_info binary format and the per-entity digest
// invariants from spec §3 and §6.
package resolver

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/patcherr"
)

// Magic is the 8-byte little-endian magic prefix of a patch_info file
// (spec §6). Go encodes it as a fixed byte string rather than an integer
// to keep the on-disk bytes identical to the literal "SYSPATCH" the spec
// names.
var Magic = [8]byte{'S', 'Y', 'S', 'P', 'A', 'T', 'C', 'H'}

// EntityInfo is the wire shape of one PatchEntity inside patch_info.
type EntityInfo struct {
	PatchName string `json:"patch_name"`
	PatchTarget string `json:"patch_target,omitempty"`
	Digest    string `json:"digest"`
}

// PatchInfo is the wire shape of the serialised patch_info record: UUID,
// name, version, release, arch, kind, description, target package,
// entities. The original Rust implementation bincode-encodes this record
// directly after the magic+length header; this port keeps the same
// magic-prefixed, length-prefixed envelope but serialises the payload as
// JSON.
type PatchInfo struct {
	UUID        string       `json:"uuid"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Release     string       `json:"release"`
	Arch        string       `json:"arch"`
	Kind        string       `json:"kind"`
	Description string       `json:"description,omitempty"`
	Target      TargetInfo   `json:"target"`
	Entities    []EntityInfo `json:"entities"`
}

type TargetInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Release   string `json:"release"`
	Arch      string `json:"arch"`
	Epoch     string `json:"epoch"`
	License   string `json:"license"`
	SourcePkg string `json:"source_pkg"`
}

// ReadPatchInfo reads and validates the magic-prefixed patch_info file at
// path, returning patcherr.KindIntegrityMismatch if the first 8 bytes
// mismatch (spec §8's "Magic rejection" property).
func ReadPatchInfo(path string) (*PatchInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.KindTargetMissing, err, "open %s", path)
	}
	defer f.Close()

	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "read magic from %s", path)
	}
	if magic != Magic {
		return nil, patcherr.New(patcherr.KindIntegrityMismatch, "bad magic in %s: got %x", path, magic)
	}

	var length uint32
	if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
		return nil, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "read length from %s", path)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "read payload from %s", path)
	}

	var rec PatchInfo
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "decode patch_info %s", path)
	}
	return &rec, nil
}

// WritePatchInfo is the counterpart used by tests and by fixture
// generation; the build pipeline (out of scope) is the real producer.
func WritePatchInfo(path string, rec *PatchInfo) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(Magic[:])
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	buf.Write(payload)
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// SysfsNameRule selects how a kernel object file name is turned into the
// livepatch sysfs directory name. Two generations of the original
// implementation disagree here (spec §9 Open Question); this port surfaces
// the choice instead of picking silently.
type SysfsNameRule int

const (
	// RuleDotsOnly replaces "." with "_" and leaves "-" untouched. This
	// is the default: RPM-style kernel object names such as
	// "syscare-abc.ko" keep their hyphens and become "syscare-abc".
	RuleDotsOnly SysfsNameRule = iota
	// RuleDashesAndDots replaces both "-" and "." with "_", matching the
	// literal wording of spec.md §3 ("replace - and . with _").
	RuleDashesAndDots
)

// SysfsName derives the livepatch module name from a .ko file name
// according to rule, then returns the full enable-file path under
// /sys/kernel/livepatch.
func SysfsName(koFileName string, rule SysfsNameRule) (moduleName, enableFile string) {
	name := strings.TrimSuffix(koFileName, filepath.Ext(koFileName))
	switch rule {
	case RuleDashesAndDots:
		name = strings.NewReplacer("-", "_", ".", "_").Replace(name)
	default:
		name = strings.ReplaceAll(name, ".", "_")
	}
	return name, filepath.Join("/sys/kernel/livepatch", name, "enabled")
}

// Resolve reads dir/patch_info, validates every entity's digest and
// presence, and returns a *patch.Patch ready for Registry.Add. The
// returned Patch carries no status; the caller (Registry.Add) assigns
// StatusNotApplied.
func Resolve(ctx context.Context, dir string, rule SysfsNameRule) (*patch.Patch, error) {
	infoPath := filepath.Join(dir, "patch_info")
	rec, err := ReadPatchInfo(infoPath)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(rec.UUID)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "invalid uuid %q in %s", rec.UUID, infoPath)
	}

	kind := patch.KernelPatch
	if strings.EqualFold(rec.Kind, "UserPatch") {
		kind = patch.UserPatch
	}

	if len(rec.Entities) == 0 {
		return nil, patcherr.New(patcherr.KindIntegrityMismatch, "patch %s has no entities", rec.Name)
	}

	entities := make([]patch.PatchEntity, 0, len(rec.Entities))
	for _, e := range rec.Entities {
		payloadPath := filepath.Join(dir, e.PatchName)
		got, err := digestFile(payloadPath)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.KindTargetMissing, err, "stat entity payload %s", payloadPath)
		}
		want := digest.Digest(e.Digest)
		if err := want.Validate(); err != nil {
			return nil, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "invalid digest for entity %s", e.PatchName)
		}
		if got != want {
			return nil, patcherr.New(patcherr.KindIntegrityMismatch, "entity %s digest mismatch: want %s got %s", e.PatchName, want, got)
		}

		pe := patch.PatchEntity{PatchName: e.PatchName, Digest: got}
		switch kind {
		case patch.KernelPatch:
			_, enableFile := SysfsName(e.PatchName, rule)
			pe.SysfsEnableFile = enableFile
		case patch.UserPatch:
			pe.TargetElf = e.PatchTarget
		}
		entities = append(entities, pe)
	}

	log.G(ctx).WithField("patch", rec.Name).WithField("kind", kind).Debug("resolved patch directory")

	p := &patch.Patch{
		UUID:        id,
		Name:        rec.Name,
		Version:     rec.Version,
		Release:     rec.Release,
		Description: rec.Description,
		Kind:        kind,
		Target: patch.PackageInfo{
			Name:      rec.Target.Name,
			Version:   rec.Target.Version,
			Release:   rec.Target.Release,
			Arch:      rec.Target.Arch,
			Epoch:     rec.Target.Epoch,
			License:   rec.Target.License,
			SourcePkg: rec.Target.SourcePkg,
		},
		Entities: entities,
	}
	return p, nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.SHA256.FromReader(f)
}
