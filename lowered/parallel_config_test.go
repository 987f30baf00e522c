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
	"strings"
	"testing"
)

func TestMarkParallelLoop(t *testing.T) {
	k := newUnaryKernel(2, 17, 8)
	runPasses(t, k.ir, DefaultPipeline().Passes()...)
	if !(&MarkParallelLoop{}).Run(k.ir) {
		t.Fatalf("no loop selected:\n%s", k.ir)
	}
	selected := k.ir.ParallelLoop
	if selected == nil || selected.Loop.ID != k.outer {
		t.Fatalf("selected %v, want the outer loop %s", selected, k.outer)
	}

	cfg, err := ParallelLoopConfigFor(selected)
	if err != nil {
		t.Fatalf("ParallelLoopConfigFor() failed: %+v", err)
	}
	if cfg.WorkAmount != 2 || cfg.Increment != 1 || cfg.NumPointers() != 2 || cfg.NumChunks() != 2 {
		t.Errorf("loop config: %s", cfg)
	}
}

func TestMarkParallelLoopNoCandidate(t *testing.T) {
	// A single row: the outer loop runs once and becomes evaluate-once,
	// with its finalization offsets kept since nothing encloses it.
	k := newUnaryKernel(1, 17, 8)
	runPasses(t, k.ir, DefaultPipeline().Passes()...)
	for _, e := range k.ir.LoopEnds() {
		if e.Loop.ID != k.outer {
			continue
		}
		if !e.Loop.EvaluateOnce || !slices.Equal(e.Loop.FinalizationOffsets, []int64{-17, -17}) {
			t.Errorf("outer loop of a single row: %s", e.Loop)
		}
	}
	if (&MarkParallelLoop{}).Run(k.ir) || k.ir.ParallelLoop != nil {
		t.Errorf("selected %v for a single chunk of work", k.ir.ParallelLoop)
	}
}

func TestParallelLoopConfigForErrors(t *testing.T) {
	if _, err := ParallelLoopConfigFor(nil); err == nil {
		t.Errorf("nil LoopEnd accepted")
	}

	k := newUnaryKernel(2, 17, 8)
	runPasses(t, k.ir, &LoopInit{})
	outer := k.ir.LoopEnds()[1]
	outer.Loop.WorkAmount = DynamicValue
	_, err := ParallelLoopConfigFor(outer)
	if err == nil {
		t.Fatalf("dynamic work amount accepted")
	}
	if !strings.Contains(err.Error(), "loop "+k.outer.String()) {
		t.Errorf("error %q does not name the loop", err)
	}
}
