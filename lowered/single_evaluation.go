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

// OptimizeSingleEvaluation marks a loop whose body runs at most once
// (WorkAmount < 2*Increment) as EvaluateOnce, which drops the trip counter
// and the per-iteration pointer increments.
//
// When the pointers must still end up where a regular iteration would leave
// them, because an enclosing loop runs this one again or because force is
// set, each skipped increment is folded into the finalization offset.
// It reports whether the loop was changed.
func OptimizeSingleEvaluation(loop *LoopEnd, force bool) bool {
	if loop.EvaluateOnce || IsDynamic(loop.WorkAmount) || IsDynamic(loop.Increment) {
		return false
	}
	if loop.WorkAmount >= 2*loop.Increment {
		return false
	}
	if loop.HasOuterLoop || force {
		for i := range loop.FinalizationOffsets {
			loop.FinalizationOffsets[i] += loop.PtrIncrements[i] * loop.Increment
		}
	}
	loop.EvaluateOnce = true
	return true
}
