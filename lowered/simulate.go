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

// Access is one memory access of a simulated run: Count elements starting
// at element Offset of a tensor.
type Access struct {
	Offset int64
	Count  int
}

// Trace is the outcome of Simulate.
type Trace struct {
	// Accesses lists, per memory tensor, every Load/Store access in
	// execution order.
	Accesses map[*TensorDesc][]Access

	// Final is the pointer position of each stepped tensor after the run.
	Final map[*TensorDesc]int64
}

// Covered returns the distinct elements of desc touched by the run.
func (t *Trace) Covered(desc *TensorDesc) map[int64]int {
	covered := make(map[int64]int)
	for _, a := range t.Accesses[desc] {
		for k := range int64(a.Count) {
			covered[a.Offset+k]++
		}
	}
	return covered
}

// Simulate executes the loop structure of a lowered IR on pointer offsets
// only: every memory tensor starts at element 0, LoopEnds step their
// operands and apply finalization offsets, and memory accesses are recorded.
//
// A regular loop runs WorkAmount/Increment bodies, advancing operand i by
// PtrIncrements[i]*Increment after each. An evaluate-once loop runs its body
// once without advancing. Both apply FinalizationOffsets on exit.
func Simulate(ir *LinearIR) *Trace {
	s := &simulator{
		ir: ir,
		trace: &Trace{
			Accesses: make(map[*TensorDesc][]Access),
			Final:    make(map[*TensorDesc]int64),
		},
	}
	s.run(ir.Front(), nil)
	return s.trace
}

type simulator struct {
	ir    *LinearIR
	trace *Trace
}

func (s *simulator) run(begin, end *Expression) {
	for e := begin; e != end; e = e.Next() {
		switch e.Kind {
		case OpKindLoopBegin:
			loopEnd := s.ir.LoopEndOf(e)
			s.loop(e, loopEnd)
			e = loopEnd
		case OpKindLoad, OpKindBroadcastLoad:
			s.access(e.Inputs[0], e.Count)
		case OpKindStore:
			s.access(e.Outputs[0], e.Count)
		case OpKindBrgemm:
			for _, in := range e.Inputs {
				s.access(in, e.Count)
			}
			s.access(e.Outputs[0], e.Count)
		case OpKindLoopEnd:
			exceptions.Panicf("LoopEnd #%d reached without its LoopBegin", e.ID)
		}
	}
}

func (s *simulator) loop(begin, end *Expression) {
	l := end.Loop
	if IsDynamic(l.WorkAmount) || IsDynamic(l.Increment) {
		exceptions.Panicf("cannot simulate loop %s with dynamic parameters", l.ID)
	}
	if l.EvaluateOnce {
		s.run(begin.Next(), end)
	} else if l.Increment > 0 {
		for range l.WorkAmount / l.Increment {
			s.run(begin.Next(), end)
			for i := range l.NumOperands() {
				s.trace.Final[end.Inputs[i]] += l.PtrIncrements[i] * l.Increment
			}
		}
	}
	for i := range l.NumOperands() {
		s.trace.Final[end.Inputs[i]] += l.FinalizationOffsets[i]
	}
}

func (s *simulator) access(desc *TensorDesc, count int) {
	s.trace.Accesses[desc] = append(s.trace.Accesses[desc], Access{Offset: s.trace.Final[desc], Count: count})
}

// StepLoop simulates one operand of a single loop and returns the pointer
// position at the start of each body execution and after the loop, relative
// to start.
func StepLoop(loop *LoopEnd, operand int, start int64) (bodies []int64, final int64) {
	ptr := start
	if loop.EvaluateOnce {
		bodies = append(bodies, ptr)
	} else if loop.Increment > 0 {
		for range loop.WorkAmount / loop.Increment {
			bodies = append(bodies, ptr)
			ptr += loop.PtrIncrements[operand] * loop.Increment
		}
	}
	return bodies, ptr + loop.FinalizationOffsets[operand]
}
