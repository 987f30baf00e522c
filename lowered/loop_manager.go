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
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// LoopInfo describes one abstract loop before and after it is materialized.
type LoopInfo struct {
	// WorkAmount is the total iteration count along the loop's dimension.
	WorkAmount int64

	// Increment is the number of iterations processed per body execution.
	Increment int64

	// Entries are the input ports consuming tensors produced outside the loop.
	Entries []ExpressionPort

	// Exits are the output ports producing tensors consumed outside the loop.
	Exits []ExpressionPort

	// DimIdx is the iterated dimension, counted from the innermost one.
	DimIdx int

	// OuterSplitLoop marks a loop whose dimension was split with an inner
	// loop iterating the same dimension. Such inner loops are rescaled
	// together with the outer tail.
	OuterSplitLoop bool
}

// Clone returns a copy with independent port slices.
func (li *LoopInfo) Clone() *LoopInfo {
	c := *li
	c.Entries = slices.Clone(li.Entries)
	c.Exits = slices.Clone(li.Exits)
	return &c
}

// String implements fmt.Stringer.
func (li *LoopInfo) String() string {
	ports := func(ps []ExpressionPort) string {
		parts := make([]string, len(ps))
		for i, p := range ps {
			parts[i] = p.String()
		}
		return strings.Join(parts, ",")
	}
	s := fmt.Sprintf("wa=%d inc=%d dim=%d entries=[%s] exits=[%s]",
		li.WorkAmount, li.Increment, li.DimIdx, ports(li.Entries), ports(li.Exits))
	if li.OuterSplitLoop {
		s += " split"
	}
	return s
}

// LoopManager owns the LoopInfo table of a LinearIR.
type LoopManager struct {
	loops  map[LoopID]*LoopInfo
	nextID LoopID
}

// NewLoopManager creates an empty table.
func NewLoopManager() *LoopManager {
	return &LoopManager{loops: make(map[LoopID]*LoopInfo)}
}

// AddLoop registers info under a fresh id.
func (m *LoopManager) AddLoop(info *LoopInfo) LoopID {
	id := m.nextID
	m.nextID++
	m.loops[id] = info
	return id
}

// Info returns the LoopInfo for id. It panics if id is unknown.
func (m *LoopManager) Info(id LoopID) *LoopInfo {
	info, ok := m.loops[id]
	if !ok {
		exceptions.Panicf("loop %s is not registered in the LoopManager", id)
	}
	return info
}

// Has reports whether id is registered.
func (m *LoopManager) Has(id LoopID) bool {
	_, ok := m.loops[id]
	return ok
}

// Remove drops id from the table.
func (m *LoopManager) Remove(id LoopID) {
	delete(m.loops, id)
}

// IDs returns the registered ids in increasing order.
func (m *LoopManager) IDs() []LoopID {
	return slices.Sorted(maps.Keys(m.loops))
}

// Len returns the number of registered loops.
func (m *LoopManager) Len() int {
	return len(m.loops)
}

// LoopBounds returns the half-open range [begin, end) of the expressions
// forming loop id. end is nil when the loop reaches the end of the IR.
//
// The range starts at the earliest boundary expression and finishes after
// the latest one, then grows over neighbours tagged with the same id
// (scalars or inner markers placed before the first entry).
func (ir *LinearIR) LoopBounds(id LoopID) (begin, end *Expression) {
	info := ir.loops.Info(id)
	if len(info.Entries) == 0 && len(info.Exits) == 0 {
		exceptions.Panicf("loop %s has no entry or exit ports", id)
	}
	boundary := make(map[*Expression]bool, len(info.Entries)+len(info.Exits))
	for _, p := range info.Entries {
		boundary[p.Expr] = true
	}
	for _, p := range info.Exits {
		boundary[p.Expr] = true
	}
	var last *Expression
	for e := ir.front; e != nil; e = e.next {
		if boundary[e] {
			if begin == nil {
				begin = e
			}
			last = e
		}
	}
	if begin == nil {
		exceptions.Panicf("loop %s: boundary expressions not found in the LinearIR", id)
	}
	for begin.prev != nil && begin.prev.InLoop(id) {
		begin = begin.prev
	}
	for last.next != nil && last.next.InLoop(id) {
		last = last.next
	}
	return begin, last.next
}

// MarkLoop tags every expression of [begin, end) with a new loop at depth
// and registers it. Entries and exits are derived from the data flow: an
// input whose producer is outside the range is an entry, an output with a
// consumer outside the range is an exit. An output nobody consumes yet is
// also an exit: loops are usually marked before their consumers exist.
func (ir *LinearIR) MarkLoop(begin, end *Expression, depth int, workAmount, increment int64, dimIdx int) LoopID {
	inside := make(map[*Expression]bool)
	for e := begin; e != end; e = e.next {
		if e == nil {
			exceptions.Panicf("MarkLoop: end is not reachable from begin")
		}
		inside[e] = true
	}
	info := &LoopInfo{WorkAmount: workAmount, Increment: increment, DimIdx: dimIdx}
	for e := begin; e != end; e = e.next {
		for i, in := range e.Inputs {
			port, ok := ir.ExprByOutput(in)
			if !ok || !inside[port.Expr] {
				info.Entries = append(info.Entries, e.InputPort(i))
			}
		}
		for i, out := range e.Outputs {
			if len(ir.consumers[out]) == 0 && !e.Kind.IsLoopMarker() {
				info.Exits = append(info.Exits, e.OutputPort(i))
				continue
			}
			for _, consumer := range ir.consumers[out] {
				if !inside[consumer.Expr] {
					info.Exits = append(info.Exits, e.OutputPort(i))
					break
				}
			}
		}
	}
	id := ir.loops.AddLoop(info)
	for e := begin; e != end; e = e.next {
		e.SetLoopID(id, depth)
	}
	return id
}
