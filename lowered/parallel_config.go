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
	"github.com/pkg/errors"

	"github.com/ajroetker/go-snippets/parallel"
)

// MarkParallelLoop selects the loop dispatched over threads at run time:
// the first outermost LoopEnd with static parameters and at least two
// chunks of work. Tail and evaluate-once loops never qualify.
type MarkParallelLoop struct{}

// Name implements Pass.
func (*MarkParallelLoop) Name() string { return "MarkParallelLoop" }

// Run implements Pass.
func (p *MarkParallelLoop) Run(ir *LinearIR) bool {
	ir.ParallelLoop = nil
	for e := ir.Front(); e != nil; e = e.Next() {
		if e.Kind != OpKindLoopEnd || !isOutermost(e) {
			continue
		}
		loop := e.Loop
		if loop.EvaluateOnce || IsDynamic(loop.WorkAmount) || IsDynamic(loop.Increment) {
			continue
		}
		if loop.WorkAmount/loop.Increment < 2 {
			continue
		}
		ir.ParallelLoop = e
		debugPrint("loop %s selected for parallel dispatch", loop.ID)
		return true
	}
	return false
}

func isOutermost(loopEnd *Expression) bool {
	for _, id := range loopEnd.LoopIDs {
		if !id.IsSentinel() {
			return false
		}
	}
	return true
}

// ParallelLoopConfigFor builds the runtime description of a LoopEnd.
// Dynamic parameters are rejected.
func ParallelLoopConfigFor(loopEnd *Expression) (*parallel.LoopConfig, error) {
	if loopEnd == nil || loopEnd.Kind != OpKindLoopEnd {
		return nil, errors.New("parallel loop config requires a LoopEnd expression")
	}
	loop := loopEnd.Loop
	if loop == nil {
		exceptions.Panicf("LoopEnd #%d has no loop parameters", loopEnd.ID)
	}
	cfg, err := parallel.NewLoopConfig(loop.WorkAmount, loop.Increment,
		loop.PtrIncrements, loop.FinalizationOffsets, loop.ElementSizes)
	if err != nil {
		return nil, errors.WithMessagef(err, "loop %s", loop.ID)
	}
	return cfg, nil
}
