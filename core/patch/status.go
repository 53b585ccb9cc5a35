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

package patch

import (
	"fmt"

	"github.com/syscare/syscared/core/patch/patcherr"
)

// Status is the totally ordered patch lifecycle enumeration from
// Unknown (unresolved sentinel) through Accepted (operator-asserted
// "keep across restores" marker). Ordering is significant: the
// persistence store's reconciliation pass re-drives recovered patches in
// increasing Status order.
type Status byte

const (
	StatusUnknown Status = iota
	StatusNotApplied
	StatusDeactived
	StatusActived
	StatusAccepted
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusNotApplied:
		return "NOT-APPLIED"
	case StatusDeactived:
		return "DEACTIVED"
	case StatusActived:
		return "ACTIVED"
	case StatusAccepted:
		return "ACCEPTED"
	default:
		return fmt.Sprintf("STATUS(%d)", byte(s))
	}
}

// Op names an operator-visible transition.
type Op string

const (
	OpApply    Op = "apply"
	OpActive   Op = "active"
	OpDeactive Op = "deactive"
	OpRemove   Op = "remove"
	OpAccept   Op = "accept"
)

// Outcome classifies how a transition resolved, distinguishing a genuine
// status change from an idempotent no-op so callers (and tests asserting
// the idempotence property) can tell them apart without re-deriving it
// from before/after status alone.
type Outcome int

const (
	OutcomeChanged Outcome = iota
	OutcomeNoop
)

// transitions enumerates every legal (from, op) -> to pair from spec §4.1.
// Anything absent from this table is InvalidState.
var transitions = map[Status]map[Op]Status{
	StatusNotApplied: {
		OpApply: StatusDeactived,
	},
	StatusDeactived: {
		OpActive: StatusActived,
		OpRemove: StatusNotApplied,
		// deactive while already Deactived is idempotent, handled below.
	},
	StatusActived: {
		OpDeactive: StatusDeactived,
		OpAccept:   StatusAccepted,
		// apply/active while Actived are no-op successes, handled below.
	},
	StatusAccepted: {
		OpDeactive: StatusDeactived,
		// accept while Accepted is idempotent, handled below.
	},
}

// Next computes the post-transition status for (from, op), or an
// *patcherr.Error of KindInvalidState if the transition is illegal.
//
// This function is pure and side-effect free: it is the single source of
// truth for legality, consulted by the Transaction Engine before any
// Driver mutator runs, and directly by the test suite to verify the
// state-machine-legality property.
func Next(from Status, op Op) (Status, Outcome, error) {
	switch op {
	case OpApply:
		if from >= StatusDeactived {
			return from, OutcomeNoop, nil
		}
	case OpActive:
		if from == StatusActived {
			return from, OutcomeNoop, nil
		}
	case OpAccept:
		if from == StatusAccepted {
			return from, OutcomeNoop, nil
		}
	case OpDeactive:
		if from == StatusDeactived {
			return from, OutcomeNoop, nil
		}
	case OpRemove:
		if from == StatusNotApplied {
			return from, OutcomeNoop, nil
		}
	}

	if byOp, ok := transitions[from]; ok {
		if to, ok := byOp[op]; ok {
			return to, OutcomeChanged, nil
		}
	}
	return StatusUnknown, OutcomeChanged, patcherr.New(
		patcherr.KindInvalidState,
		"cannot %s from status %s", op, from,
	)
}
