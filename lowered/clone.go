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
	"github.com/gomlx/exceptions"
)

// RangeCopy is a detached deep copy of an expression range.
type RangeCopy struct {
	// Exprs are the copies, in the order of the source range.
	Exprs []*Expression

	// ExprMap maps each source expression to its copy.
	ExprMap map[*Expression]*Expression

	// DescMap maps each descriptor private to the range to its copy.
	DescMap map[*TensorDesc]*TensorDesc
}

// DeepCopyRange copies [begin, end) without inserting the copies.
//
// A descriptor produced inside the range and consumed only inside it is
// private to the range and gets a fresh copy. Descriptors produced outside,
// or consumed outside, are shared with the source so the copy reads and
// writes the same tensors. Loop ids, register bindings and LoopEnd
// parameters are copied verbatim; use CopyLoops to give the copy its own
// loops.
func (ir *LinearIR) DeepCopyRange(begin, end *Expression) *RangeCopy {
	inside := make(map[*Expression]bool)
	for e := begin; e != end; e = e.next {
		if e == nil {
			exceptions.Panicf("DeepCopyRange: end is not reachable from begin")
		}
		inside[e] = true
	}
	rc := &RangeCopy{
		ExprMap: make(map[*Expression]*Expression, len(inside)),
		DescMap: make(map[*TensorDesc]*TensorDesc),
	}
	for e := begin; e != end; e = e.next {
		for _, out := range e.Outputs {
			private := true
			for _, consumer := range ir.consumers[out] {
				if !inside[consumer.Expr] {
					private = false
					break
				}
			}
			if private {
				rc.DescMap[out] = out.Clone()
			}
		}
	}
	remap := func(descs []*TensorDesc) {
		for i, d := range descs {
			if c, ok := rc.DescMap[d]; ok {
				descs[i] = c
			}
		}
	}
	for e := begin; e != end; e = e.next {
		c := e.clone()
		c.ID = ir.newID()
		remap(c.Inputs)
		remap(c.Outputs)
		rc.Exprs = append(rc.Exprs, c)
		rc.ExprMap[e] = c
	}
	return rc
}

// InsertCopy inserts the copies of rc before mark, keeping their order.
// A nil mark appends at the end.
func (ir *LinearIR) InsertCopy(rc *RangeCopy, mark *Expression) {
	for _, c := range rc.Exprs {
		ir.InsertBefore(c, mark)
	}
}

// CopyLoops registers a new LoopInfo for each of ids, with boundary ports
// moved onto the copies of rc, and retags the copies with the new ids. It
// returns the old-to-new id mapping.
func (ir *LinearIR) CopyLoops(rc *RangeCopy, ids []LoopID) map[LoopID]LoopID {
	mapping := make(map[LoopID]LoopID, len(ids))
	for _, id := range ids {
		info := ir.loops.Info(id).Clone()
		movePorts(info.Entries, rc.ExprMap)
		movePorts(info.Exits, rc.ExprMap)
		mapping[id] = ir.loops.AddLoop(info)
	}
	for _, c := range rc.Exprs {
		for depth, id := range c.LoopIDs {
			if newID, ok := mapping[id]; ok {
				c.LoopIDs[depth] = newID
			}
		}
		if c.Loop != nil {
			if newID, ok := mapping[c.Loop.ID]; ok {
				c.Loop.ID = newID
			}
		}
	}
	return mapping
}

func movePorts(ports []ExpressionPort, exprMap map[*Expression]*Expression) {
	for i, p := range ports {
		if c, ok := exprMap[p.Expr]; ok {
			ports[i].Expr = c
		}
	}
}
