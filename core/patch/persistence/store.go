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

// Package persistence checkpoints per-patch status to disk and restores
// it on daemon start (spec §4.5).
package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/syscare/syscared/core/patch"
	"github.com/syscare/syscared/core/patch/patcherr"
	"github.com/syscare/syscared/internal/lockfile"
)

// Magic is the 7-byte magic prefix of a persisted status file (spec §6).
var Magic = [7]byte{'S', 'Y', 'S', 'S', 'T', 'A', 'T'}

// Record is the decoded payload of one status file: (uuid, status, epoch).
type Record struct {
	UUID   uuid.UUID
	Status patch.Status
	Epoch  uint64
}

// Store owns the <data-dir>/status directory and the <data-dir>/.lock
// advisory lock used to serialise concurrent save_all calls.
type Store struct {
	dataDir string
}

// New returns a Store rooted at dataDir. The status subdirectory is
// created lazily by SaveOne/SaveAll.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) statusDir() string   { return filepath.Join(s.dataDir, "status") }
func (s *Store) lockPath() string    { return filepath.Join(s.dataDir, ".lock") }
func (s *Store) pathFor(id uuid.UUID) string {
	return filepath.Join(s.statusDir(), id.String())
}

// SaveOne writes the status file for p. Used by the Transaction Engine
// after every successful per-patch transition. StatusUnknown is never
// written (spec §4.1).
func (s *Store) SaveOne(ctx context.Context, p *patch.Patch) error {
	status := p.Status()
	if status == patch.StatusUnknown {
		return nil
	}
	if err := os.MkdirAll(s.statusDir(), 0o755); err != nil {
		return patcherr.Wrap(patcherr.KindPersistenceFailure, err, "create status dir")
	}

	rec := Record{UUID: p.UUID, Status: status, Epoch: p.Epoch()}
	payload := encode(rec)

	final := s.pathFor(p.UUID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return patcherr.Wrap(patcherr.KindPersistenceFailure, err, "write %s", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		return patcherr.Wrap(patcherr.KindPersistenceFailure, err, "rename %s to %s", tmp, final)
	}
	return nil
}

// Delete removes the status file for id, as part of the atomic in-memory
// + on-disk removal Manager.Remove performs when an operator removes a
// patch (spec §3 lifecycle).
func (s *Store) Delete(id uuid.UUID) error {
	err := os.Remove(s.pathFor(id))
	if err != nil && !os.IsNotExist(err) {
		return patcherr.Wrap(patcherr.KindPersistenceFailure, err, "delete status file for %s", id)
	}
	return nil
}

// SaveAll checkpoints every patch in patches under the exclusive advisory
// lock on <data-dir>/.lock, held only for the duration of this call
// (spec §4.5, §5).
func (s *Store) SaveAll(ctx context.Context, patches []*patch.Patch) error {
	lock, err := lockfile.Acquire(s.lockPath())
	if err != nil {
		return patcherr.Wrap(patcherr.KindPersistenceFailure, err, "acquire persistence lock")
	}
	defer lock.Close()

	var firstErr error
	for _, p := range patches {
		if err := s.SaveOne(ctx, p); err != nil {
			log.G(ctx).WithError(err).WithField("patch", p.ShortName()).Error("save_all: failed to persist patch status")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ReadAll reads every status file under <data-dir>/status, skipping (and
// logging) any file whose magic mismatches rather than aborting restore
// entirely for one corrupt record.
func (s *Store) ReadAll(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.statusDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, patcherr.Wrap(patcherr.KindPersistenceFailure, err, "list status dir")
	}

	var records []Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.statusDir(), e.Name())
		rec, err := readOne(path)
		if err != nil {
			log.G(ctx).WithError(err).WithField("file", path).Warn("skipping unreadable status file")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReconciliationOrder sorts recovered records so that all Deactived-target
// records are re-driven before any also marked Actived/Accepted are
// promoted further (spec §4.5).
func ReconciliationOrder(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Status < out[j].Status
	})
	return out
}

func encode(rec Record) []byte {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	idBytes, _ := rec.UUID.MarshalBinary()
	buf.Write(idBytes)
	buf.WriteByte(byte(rec.Status))
	_ = binary.Write(&buf, binary.LittleEndian, rec.Epoch)
	return buf.Bytes()
}

func readOne(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()

	var magic [7]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return Record{}, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "read magic")
	}
	if magic != Magic {
		return Record{}, patcherr.New(patcherr.KindIntegrityMismatch, "bad magic in %s", path)
	}

	var idBytes [16]byte
	if _, err := io.ReadFull(f, idBytes[:]); err != nil {
		return Record{}, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "read uuid")
	}
	id, err := uuid.FromBytes(idBytes[:])
	if err != nil {
		return Record{}, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "decode uuid")
	}

	var statusByte [1]byte
	if _, err := io.ReadFull(f, statusByte[:]); err != nil {
		return Record{}, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "read status")
	}

	var epoch uint64
	if err := binary.Read(f, binary.LittleEndian, &epoch); err != nil {
		return Record{}, patcherr.Wrap(patcherr.KindIntegrityMismatch, err, "read epoch")
	}

	return Record{UUID: id, Status: patch.Status(statusByte[0]), Epoch: epoch}, nil
}
