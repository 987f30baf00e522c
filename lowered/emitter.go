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
	"bytes"
	"fmt"
	"strings"
)

// Emitter prints a lowered IR as indented pseudo-code, one statement per
// expression and one block per loop.
type Emitter struct {
	buf    *bytes.Buffer
	indent int

	// names tracks the variable name given to each tensor.
	names map[*TensorDesc]string
	count map[string]int
}

// NewEmitter creates a new pseudo-code emitter.
func NewEmitter() *Emitter {
	return &Emitter{buf: &bytes.Buffer{}}
}

// Emit returns the pseudo-code of kernel name.
func (e *Emitter) Emit(name string, ir *LinearIR) string {
	e.buf.Reset()
	e.names = make(map[*TensorDesc]string)
	e.count = make(map[string]int)
	e.indent = 0

	var params []string
	for x := ir.Front(); x != nil; x = x.Next() {
		if x.Kind == OpKindParameter {
			params = append(params, fmt.Sprintf("%s %s", e.name(x.Outputs[0], "arg"), x.Outputs[0]))
		}
	}
	e.writef("kernel %s(%s)", name, strings.Join(params, ", "))
	if ir.ScratchSize > 0 {
		fmt.Fprintf(e.buf, " scratch[%d]", ir.ScratchSize)
	}
	fmt.Fprintf(e.buf, " {\n")
	e.indent = 1
	for x := ir.Front(); x != nil; x = x.Next() {
		e.emitExpr(ir, x)
	}
	e.indent = 0
	e.writef("}\n")
	return e.buf.String()
}

func (e *Emitter) emitExpr(ir *LinearIR, x *Expression) {
	switch x.Kind {
	case OpKindParameter:
		return
	case OpKindLoopBegin:
		loopEnd := ir.LoopEndOf(x)
		l := loopEnd.Loop
		e.writef("loop %s wa=%d inc=%d ptr=%s fin=%s", l.ID, l.WorkAmount, l.Increment,
			joinInts(l.PtrIncrements), joinInts(l.FinalizationOffsets))
		if l.EvaluateOnce {
			fmt.Fprintf(e.buf, " once")
		}
		if loopEnd == ir.ParallelLoop {
			fmt.Fprintf(e.buf, " parallel")
		}
		fmt.Fprintf(e.buf, " {\n")
		e.indent++
	case OpKindLoopEnd:
		e.indent--
		e.writef("}\n")
	case OpKindConstant:
		e.writef("%s = Constant %s\n", e.name(x.Outputs[0], "c"), x.Outputs[0])
	case OpKindScalar:
		e.writef("%s = Scalar\n", e.name(x.Outputs[0], "v"))
	case OpKindLoad, OpKindBroadcastLoad:
		e.writef("%s = %s(%s) x%d\n", e.name(x.Outputs[0], "v"), x.Kind, e.name(x.Inputs[0], "m"), x.Count)
	case OpKindStore:
		e.writef("%s(%s, %s) x%d\n", x.Kind, e.name(x.Outputs[0], "m"), e.name(x.Inputs[0], "v"), x.Count)
	case OpKindBuffer:
		e.writef("%s = Buffer(%s) id=%d offset=%d bytes=%d\n", e.name(x.Outputs[0], "buf"), e.name(x.Inputs[0], "m"),
			x.BufferID, x.BufferOffset, x.ByteSize())
	case OpKindFill:
		e.writef("%s = Fill(%s, %#x) lanes>=%d\n", e.name(x.Outputs[0], "v"), e.name(x.Inputs[0], "v"), x.FillValue, x.Count)
	case OpKindBrgemm:
		e.writef("Brgemm(%s, %s, %s) rows=%d\n", e.name(x.Outputs[0], "m"), e.name(x.Inputs[0], "m"),
			e.name(x.Inputs[1], "m"), x.Count)
	case OpKindResult:
		e.writef("return %s\n", e.name(x.Inputs[0], "m"))
	default:
		args := make([]string, len(x.Inputs))
		for i, in := range x.Inputs {
			args[i] = e.name(in, "v")
		}
		e.writef("%s = %s(%s)\n", e.name(x.Outputs[0], "v"), x.Op, strings.Join(args, ", "))
	}
}

// name returns the variable of desc, allocating one with prefix on first
// use.
func (e *Emitter) name(desc *TensorDesc, prefix string) string {
	if n, ok := e.names[desc]; ok {
		return n
	}
	n := fmt.Sprintf("%s%d", prefix, e.count[prefix])
	e.count[prefix]++
	e.names[desc] = n
	return n
}

func (e *Emitter) writef(format string, args ...any) {
	for i := 0; i < e.indent; i++ {
		e.buf.WriteString("\t")
	}
	fmt.Fprintf(e.buf, format, args...)
}
