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
	"golang.org/x/tools/container/intsets"
	"k8s.io/klog/v2"
)

// BufferIdentification assigns storage colors to scratch Buffers: two
// Buffers may share a color, and hence memory, unless some loop steps them
// differently.
type BufferIdentification struct{}

// Name implements Pass.
func (*BufferIdentification) Name() string { return "BufferIdentification" }

// Run implements Pass.
func (p *BufferIdentification) Run(ir *LinearIR) bool {
	buffers := ir.Buffers()
	if len(buffers) == 0 {
		return false
	}
	graph := BuildBufferGraph(ir, buffers)
	colors := graph.Color()
	for i, buffer := range buffers {
		buffer.BufferID = colors[i]
	}
	klog.V(2).Infof("BufferIdentification: %d buffers, %d colors", len(buffers), graph.NumColors(colors))
	return true
}

// BufferGraph is the conflict graph of the Buffers of one kernel. Row i
// holds the indices of the Buffers adjacent to Buffers[i], itself included.
type BufferGraph struct {
	Buffers []*Expression
	rows    []*intsets.Sparse
}

// NewBufferGraph creates a graph without edges over buffers.
func NewBufferGraph(buffers []*Expression) *BufferGraph {
	g := &BufferGraph{
		Buffers: buffers,
		rows:    make([]*intsets.Sparse, len(buffers)),
	}
	for i := range g.rows {
		g.rows[i] = &intsets.Sparse{}
		g.rows[i].Insert(i)
	}
	return g
}

// BuildBufferGraph connects the Buffers stepped by each loop of ir.
//
// Loops are the only place where Buffer pointers move, so a loop is where
// conflicts show up: within one loop, Buffers stepped by different
// increments, or by the same non-zero increment over elements of different
// sizes, cannot share memory. A Buffer declared inside a loop body counts
// as stepped by 0 in that loop.
func BuildBufferGraph(ir *LinearIR, buffers []*Expression) *BufferGraph {
	g := NewBufferGraph(buffers)
	for e := ir.Front(); e != nil; e = e.Next() {
		if e.Kind != OpKindLoopEnd {
			continue
		}
		neighbours := loopBufferIncrements(ir, e)
		for i := range neighbours {
			for j := i + 1; j < len(neighbours); j++ {
				a, b := neighbours[i], neighbours[j]
				if a.increment != b.increment ||
					(a.increment != 0 && a.buffer.Outputs[0].ElemSize() != b.buffer.Outputs[0].ElemSize()) {
					g.Connect(g.Index(a.buffer), g.Index(b.buffer))
				}
			}
		}
	}
	return g
}

type bufferIncrement struct {
	buffer    *Expression
	increment int64
}

// loopBufferIncrements returns the Buffers seen by the loop ending at
// loopEnd, in first-seen order, with the pointer increment they get there.
func loopBufferIncrements(ir *LinearIR, loopEnd *Expression) []bufferIncrement {
	var result []bufferIncrement
	set := func(buffer *Expression, increment int64) {
		for i := range result {
			if result[i].buffer == buffer {
				result[i].increment = increment
				return
			}
		}
		result = append(result, bufferIncrement{buffer, increment})
	}

	loop := loopEnd.Loop
	for i := 0; i < loop.NumEntries; i++ {
		if port, ok := ir.ExprByOutput(loopEnd.Inputs[i]); ok && port.Expr.Kind == OpKindBuffer {
			set(port.Expr, loop.PtrIncrements[i])
		}
	}
	for i := loop.NumEntries; i < loop.NumOperands(); i++ {
		for _, consumer := range ir.ExprsByInput(loopEnd.Inputs[i]) {
			if consumer.Expr.Kind.IsLoopMarker() {
				continue
			}
			if consumer.Expr.Kind == OpKindBuffer {
				set(consumer.Expr, loop.PtrIncrements[i])
			}
			break
		}
	}
	// Nested loops were already analysed on their own LoopEnd.
	for e := ir.LoopBeginOf(loopEnd).Next(); e != loopEnd; e = e.Next() {
		switch e.Kind {
		case OpKindBuffer:
			set(e, 0)
		case OpKindLoopBegin:
			e = ir.LoopEndOf(e)
		}
	}
	return result
}

// Index returns the position of buffer in the graph.
func (g *BufferGraph) Index(buffer *Expression) int {
	for i, b := range g.Buffers {
		if b == buffer {
			return i
		}
	}
	exceptions.Panicf("Buffer #%d is not part of the buffer graph", buffer.ID)
	return -1
}

// Connect marks Buffers i and j as adjacent.
func (g *BufferGraph) Connect(i, j int) {
	g.rows[i].Insert(j)
	g.rows[j].Insert(i)
}

// Adjacent reports whether Buffers i and j conflict.
func (g *BufferGraph) Adjacent(i, j int) bool {
	return g.rows[i].Has(j)
}

// Complete reports whether every pair of Buffers conflicts.
func (g *BufferGraph) Complete() bool {
	for _, row := range g.rows {
		if row.Len() != len(g.rows) {
			return false
		}
	}
	return true
}

// Color returns one color per Buffer such that adjacent Buffers never share
// one.
//
// Colors are handed out greedily in Buffer order. A color grows with the
// first uncolored Buffer that conflicts with none of its members, whose
// conflicts then join the group. The growth stops at the first uncolored
// Buffer in conflict: a slot used once is never reused further down the
// sequence, since its pointer is not reset between uses.
func (g *BufferGraph) Color() []int {
	n := len(g.Buffers)
	colors := make([]int, n)
	if g.Complete() {
		for i := range colors {
			colors[i] = i
		}
		return colors
	}

	colored := make([]bool, n)
	color := 0
	for i := range n {
		if colored[i] {
			continue
		}
		colors[i] = color
		colored[i] = true
		group := &intsets.Sparse{}
		group.Copy(g.rows[i])
		for group.Len() < n {
			j := i + 1
			forceBreak := false
			for ; j < n; j++ {
				if colored[j] {
					continue
				}
				forceBreak = group.Has(j)
				break
			}
			if forceBreak || j == n {
				break
			}
			colors[j] = color
			colored[j] = true
			group.UnionWith(g.rows[j])
		}
		color++
	}
	return colors
}

// NumColors returns the number of distinct colors in colors.
func (g *BufferGraph) NumColors(colors []int) int {
	seen := &intsets.Sparse{}
	for _, c := range colors {
		seen.Insert(c)
	}
	return seen.Len()
}
