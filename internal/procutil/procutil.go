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

// Package procutil scans /proc for live pids and their memory mappings.
// Shared by the User-Patch Driver, its Reaper and its Reactor.
package procutil

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// LivePids returns the set of currently live process ids, read directly
// from /proc. Staleness is expected and tolerated by callers (spec §5).
func LivePids() (map[int]struct{}, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	live := make(map[int]struct{}, len(entries))
	for _, e := range entries {
		if pid, err := strconv.Atoi(e.Name()); err == nil {
			live[pid] = struct{}{}
		}
	}
	return live, nil
}

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Address    string
	Permission string
	Offset     string
	Dev        string
	Inode      string
	PathName   string
	raw        string
}

// ReadMaps parses /proc/<pid>/maps for pid. Returns (nil, nil) if the
// process exited between enumeration and read — this is a normal race,
// not an error callers should propagate.
func ReadMaps(pid int) ([]Mapping, error) {
	f, err := os.Open("/proc/" + strconv.Itoa(pid) + "/maps")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		m := Mapping{raw: line}
		if len(fields) > 0 {
			m.Address = fields[0]
		}
		if len(fields) > 1 {
			m.Permission = fields[1]
		}
		if len(fields) > 2 {
			m.Offset = fields[2]
		}
		if len(fields) > 3 {
			m.Dev = fields[3]
		}
		if len(fields) > 4 {
			m.Inode = fields[4]
		}
		if len(fields) > 5 {
			m.PathName = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	return out, scanner.Err()
}

// MapsTarget reports whether pid currently maps targetElf with a live
// (non-"(deleted)") mapping — the exact candidate-selection rule from
// spec §4.4's active().
func MapsTarget(pid int, targetElf string) bool {
	mappings, err := ReadMaps(pid)
	if err != nil {
		return false
	}
	for _, m := range mappings {
		if m.PathName == targetElf && !strings.Contains(m.raw, "(deleted)") {
			return true
		}
	}
	return false
}

// CandidatePids returns every live pid whose mappings include targetElf.
func CandidatePids(targetElf string) ([]int, error) {
	live, err := LivePids()
	if err != nil {
		return nil, err
	}
	var candidates []int
	for pid := range live {
		if MapsTarget(pid, targetElf) {
			candidates = append(candidates, pid)
		}
	}
	return candidates, nil
}
