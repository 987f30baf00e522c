// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lowered

import (
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// LoopFusion merges adjacent loops iterating the same dimension.
//
// For every expression whose loop ids differ from the previous expression,
// each loop from the first differing level inward first absorbs compatible
// producer loops ("upper" fusion) and then compatible consumer loops
// ("lower" fusion), until no further merge applies to it.
type LoopFusion struct{}

// Name implements Pass.
func (*LoopFusion) Name() string { return "LoopFusion" }

// canBeFused: work amounts must match unless one of them is a pure
// broadcast (1), and increments must be identical.
func canBeFused(current, target *LoopInfo) bool {
	workAmountOK := current.WorkAmount == target.WorkAmount || current.WorkAmount == 1 || target.WorkAmount == 1
	return workAmountOK && current.Increment == target.Increment
}

// Run implements Pass.
func (f *LoopFusion) Run(ir *LinearIR) bool {
	if ir.Empty() {
		return false
	}
	lm := ir.LoopManager()
	modified := false
	var prevLoops []LoopID
	for e := ir.Front(); e != nil; e = e.Next() {
		if e.isIO() {
			continue
		}
		loopDepth := len(e.LoopIDs)
		diffIdx := 0
		if prevLoops != nil {
			if loopDepth != len(prevLoops) {
				exceptions.Panicf("expressions in a LinearIR must have the same number of loop ids: #%d has %d, previous has %d",
					e.ID, loopDepth, len(prevLoops))
			}
			for diffIdx < loopDepth && e.LoopIDs[diffIdx] == prevLoops[diffIdx] {
				diffIdx++
			}
		}
		for dim := diffIdx; dim < loopDepth; dim++ {
			id := e.LoopIDs[dim]
			if id.IsSentinel() {
				continue
			}
			if f.fuseAround(ir, lm, id, dim, loopDepth) {
				modified = true
			}
		}
		prevLoops = slices.Clone(e.LoopIDs)
	}
	if modified {
		klog.V(2).Infof("LoopFusion: %d loops left", lm.Len())
	}
	return modified
}

// fuseAround merges loops into loop id at nesting level dim until a fixed
// point is reached.
func (f *LoopFusion) fuseAround(ir *LinearIR, lm *LoopManager, id LoopID, dim, loopDepth int) bool {
	info := lm.Info(id)
	begin, end := ir.LoopBounds(id)
	modified := false
	for {
		// Loop_up feeding Loop_current: Loop_up + Loop_current => Loop_current.
		entries := slices.Clone(info.Entries)
		fusedUp := false
		for _, entry := range entries {
			parent, ok := ir.ExprByOutput(entry.Desc())
			if !ok {
				continue
			}
			switch parent.Expr.Kind {
			case OpKindConstant, OpKindParameter, OpKindBuffer:
				continue
			}
			if len(parent.Expr.LoopIDs) != loopDepth {
				exceptions.Panicf("expressions in a LinearIR must have the same number of loop ids: #%d has %d, want %d",
					parent.Expr.ID, len(parent.Expr.LoopIDs), loopDepth)
			}
			targetID := parent.Expr.LoopIDs[dim]
			if targetID == id {
				exceptions.Panicf("loop %s: entry %s is produced inside the same loop", id, entry)
			}
			if targetID.IsSentinel() {
				continue
			}
			if f.fuseUpper(ir, entry, id, targetID, dim, info, lm.Info(targetID), &begin, &end) {
				debugPrint("upper loop %s fused into %s at level %d", targetID, id, dim)
				lm.Remove(targetID)
				fusedUp = true
				modified = true
				break
			}
		}
		if fusedUp && !slices.Equal(entries, info.Entries) {
			continue
		}

		// Loop_current feeding Loop_down: Loop_current + Loop_down => Loop_current.
		fusedDown := false
	exits:
		for _, exit := range slices.Clone(info.Exits) {
			for _, consumer := range slices.Clone(ir.ExprsByInput(exit.Desc())) {
				c := consumer.Expr
				if c.Kind == OpKindResult || c.Kind == OpKindBuffer || c.Kind.IsLoopMarker() {
					continue
				}
				if len(c.LoopIDs) != loopDepth {
					exceptions.Panicf("expressions in a LinearIR must have the same number of loop ids: #%d has %d, want %d",
						c.ID, len(c.LoopIDs), loopDepth)
				}
				// An exit can also feed expressions of the same loop.
				targetID := c.LoopIDs[dim]
				if targetID == id || targetID.IsSentinel() {
					continue
				}
				if f.fuseLower(ir, exit, id, targetID, dim, info, lm.Info(targetID), &begin, &end) {
					debugPrint("lower loop %s fused into %s at level %d", targetID, id, dim)
					lm.Remove(targetID)
					fusedDown = true
					modified = true
					break exits
				}
			}
		}
		if !fusedDown {
			return modified
		}
	}
}

// fuseUpper moves the producer loop target in front of the current loop and
// merges it. It returns false, leaving the IR untouched, when the loops are
// incompatible or when a consumer of target must run before the current
// loop finishes.
func (f *LoopFusion) fuseUpper(ir *LinearIR, currentEntry ExpressionPort, currentID, targetID LoopID, dim int,
	current, target *LoopInfo, begin, end **Expression) bool {
	if !canBeFused(current, target) {
		return false
	}
	targetBegin, targetEnd := ir.LoopBounds(targetID)

	for _, exit := range target.Exits {
		for _, consumer := range ir.ExprsByInput(exit.Desc()) {
			c := consumer.Expr
			if c.Kind == OpKindResult || c == currentEntry.Expr {
				continue
			}
			id := c.LoopIDs[dim]
			if id == targetID || id == currentID || ir.InRange(*end, nil, c) {
				continue
			}
			debugPrint("upper loop %s not fused into %s: #%d consumes it before the end", targetID, currentID, c.ID)
			return false
		}
	}

	currentEntries := slices.Clone(current.Entries)
	currentExits := slices.Clone(current.Exits)
	targetEntries := slices.Clone(target.Entries)
	targetExits := slices.Clone(target.Exits)
	targetExits, currentEntries = fusePoints(ir, targetExits, currentEntries, targetBegin, targetEnd)

	insertion := *begin
	moveNeeded := targetEnd != insertion
	for e := targetBegin; e != targetEnd; {
		next := e.Next()
		e.SetLoopID(currentID, dim)
		if moveNeeded {
			ir.Move(e, insertion)
		}
		e = next
	}
	*begin = targetBegin

	current.WorkAmount = max(current.WorkAmount, target.WorkAmount)
	current.Entries = append(targetEntries, currentEntries...)
	current.Exits = append(targetExits, currentExits...)
	return true
}

// fuseLower moves the consumer loop target right after the current loop and
// merges it. Every other producer feeding target must already be computed
// before the current loop starts.
func (f *LoopFusion) fuseLower(ir *LinearIR, currentExit ExpressionPort, currentID, targetID LoopID, dim int,
	current, target *LoopInfo, begin, end **Expression) bool {
	if !canBeFused(current, target) {
		return false
	}

	for _, entry := range target.Entries {
		parent, ok := ir.ExprByOutput(entry.Desc())
		if !ok {
			continue
		}
		p := parent.Expr
		if p.Kind == OpKindParameter || p.Kind == OpKindConstant || p == currentExit.Expr {
			continue
		}
		if p.LoopIDs[dim] == currentID || ir.InRange(ir.Front(), *begin, p) {
			continue
		}
		debugPrint("lower loop %s not fused into %s: #%d is computed after it starts", targetID, currentID, p.ID)
		return false
	}

	targetBegin, targetEnd := ir.LoopBounds(targetID)

	currentEntries := slices.Clone(current.Entries)
	currentExits := slices.Clone(current.Exits)
	targetEntries := slices.Clone(target.Entries)
	targetExits := slices.Clone(target.Exits)
	currentExits, targetEntries = fusePoints(ir, currentExits, targetEntries, *begin, *end)

	insertion := *end
	moveNeeded := insertion != targetBegin
	for e := targetBegin; e != targetEnd; {
		next := e.Next()
		e.SetLoopID(currentID, dim)
		if moveNeeded {
			ir.Move(e, insertion)
		}
		e = next
	}
	if !moveNeeded {
		*end = targetEnd
	}

	current.WorkAmount = max(current.WorkAmount, target.WorkAmount)
	current.Entries = append(currentEntries, targetEntries...)
	current.Exits = append(currentExits, targetExits...)
	return true
}

// fusePoints drops the connections that become internal once the loop
// ranged [begin, end) owning exits is merged with the loop owning entries:
// entries fed by one of exits are removed, and an exit is kept only while
// it still has a consumer outside both loops.
func fusePoints(ir *LinearIR, exits, entries []ExpressionPort, begin, end *Expression) (newExits, newEntries []ExpressionPort) {
	newEntries = entries
	for _, exit := range exits {
		hasOutside := false
		for _, consumer := range ir.ExprsByInput(exit.Desc()) {
			if idx := slices.Index(newEntries, consumer); idx >= 0 {
				newEntries = slices.Delete(slices.Clone(newEntries), idx, idx+1)
				continue
			}
			if !ir.InRange(begin, end, consumer.Expr) {
				hasOutside = true
			}
		}
		if hasOutside {
			newExits = append(newExits, exit)
		}
	}
	return newExits, newEntries
}
