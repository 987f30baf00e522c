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
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass is one whole-IR transformation.
//
// Run reports whether it modified the IR. Violated preconditions are raised
// as panics carrying an error (see exceptions.Panicf).
type Pass interface {
	Name() string
	Run(ir *LinearIR) bool
}

// Pipeline runs passes in registration order.
type Pipeline struct {
	passes []Pass
}

// NewPipeline creates a pipeline running passes in order.
func NewPipeline(passes ...Pass) *Pipeline {
	return &Pipeline{passes: passes}
}

// DefaultPipeline returns the standard lowering order: fusion, loop
// materialization, tail splitting, buffer coloring and buffer placement.
func DefaultPipeline() *Pipeline {
	return NewPipeline(
		&LoopFusion{},
		&LoopInit{},
		&InsertTailLoop{},
		&BufferIdentification{},
		&BufferAllocation{},
	)
}

// Register appends pass to the pipeline.
func (p *Pipeline) Register(pass Pass) {
	if pass == nil {
		exceptions.Panicf("Pipeline cannot register a nil pass")
	}
	p.passes = append(p.passes, pass)
}

// Passes returns the registered passes.
func (p *Pipeline) Passes() []Pass {
	return p.passes
}

// Run applies every pass to ir. It returns the names of the passes that
// modified the IR. A precondition violation inside a pass aborts the
// pipeline and is returned as an error naming the pass.
func (p *Pipeline) Run(ir *LinearIR) (modified []string, err error) {
	for _, pass := range p.passes {
		start := time.Now()
		var changed bool
		err = exceptions.TryCatch[error](func() { changed = pass.Run(ir) })
		if err != nil {
			return modified, errors.WithMessagef(err, "pass %s", pass.Name())
		}
		if changed {
			modified = append(modified, pass.Name())
			klog.V(2).Infof("pass %s modified the IR:\n%s", pass.Name(), ir)
		}
		klog.V(1).Infof("pass %s: %s", pass.Name(), time.Since(start))
	}
	return modified, nil
}
