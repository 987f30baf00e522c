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
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/google/go-cmp/cmp"
)

type failingPass struct{}

func (failingPass) Name() string { return "Failing" }

func (failingPass) Run(*LinearIR) bool {
	exceptions.Panicf("invariant broken")
	return false
}

type countingPass struct{ runs *[]string }

func (p countingPass) Name() string { return "Counting" }

func (p countingPass) Run(*LinearIR) bool {
	*p.runs = append(*p.runs, p.Name())
	return false
}

func TestPipeline(t *testing.T) {
	k := newUnaryKernel(2, 17, 8)
	modified, err := DefaultPipeline().Run(k.ir)
	if err != nil {
		t.Fatalf("DefaultPipeline().Run() failed: %+v", err)
	}
	if diff := cmp.Diff([]string{"LoopInit", "InsertTailLoop"}, modified); diff != "" {
		t.Errorf("modifying passes (-want +got):\n%s", diff)
	}

	var names []string
	for _, pass := range DefaultPipeline().Passes() {
		names = append(names, pass.Name())
	}
	want := []string{"LoopFusion", "LoopInit", "InsertTailLoop", "BufferIdentification", "BufferAllocation"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("default pass order (-want +got):\n%s", diff)
	}
}

func TestPipelineError(t *testing.T) {
	var runs []string
	p := NewPipeline(countingPass{&runs})
	p.Register(failingPass{})
	p.Register(countingPass{&runs})

	_, err := p.Run(NewLinearIR(DefaultConfig()))
	if err == nil {
		t.Fatalf("pipeline swallowed a pass failure")
	}
	if msg := err.Error(); !strings.Contains(msg, "pass Failing") || !strings.Contains(msg, "invariant broken") {
		t.Errorf("error %q does not name the pass and the cause", msg)
	}
	if len(runs) != 1 {
		t.Errorf("passes after the failure ran: %v", runs)
	}

	if exceptions.TryCatch[error](func() { p.Register(nil) }) == nil {
		t.Errorf("registering a nil pass should panic")
	}
}

func TestPipelineEmptyIR(t *testing.T) {
	ir := NewLinearIR(DefaultConfig())
	modified, err := DefaultPipeline().Run(ir)
	if err != nil || len(modified) != 0 {
		t.Errorf("empty IR: modified=%v err=%v", modified, err)
	}
}
