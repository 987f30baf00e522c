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
	"github.com/xyproto/env/v2"
)

// Config controls optional lowering behavior.
type Config struct {
	// NeedFillTailRegister makes tail loops fill the unused lanes of
	// Maximum and Add operands with neutral values, as required by
	// horizontal reductions following the loop.
	NeedFillTailRegister bool

	// OptimizeSingleEvaluation enables the evaluate-once rewrite of loops
	// that run their body at most once.
	OptimizeSingleEvaluation bool

	// BufferAlignment is the byte alignment of every scratch buffer slot.
	BufferAlignment int64
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		OptimizeSingleEvaluation: true,
		BufferAlignment:          64,
	}
}

// ConfigFromEnv returns DefaultConfig with environment overrides:
//
//   - SNIPPETS_FILL_TAIL=1 sets NeedFillTailRegister.
//   - SNIPPETS_NO_SINGLE_EVAL=1 clears OptimizeSingleEvaluation.
//   - SNIPPETS_BUFFER_ALIGN=<bytes> sets BufferAlignment.
func ConfigFromEnv() Config {
	env.Load()
	cfg := DefaultConfig()
	if env.Bool("SNIPPETS_FILL_TAIL") {
		cfg.NeedFillTailRegister = true
	}
	if env.Bool("SNIPPETS_NO_SINGLE_EVAL") {
		cfg.OptimizeSingleEvaluation = false
	}
	if align := env.Int("SNIPPETS_BUFFER_ALIGN", int(cfg.BufferAlignment)); align > 0 {
		cfg.BufferAlignment = int64(align)
	}
	return cfg
}
