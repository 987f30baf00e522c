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
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SNIPPETS_FILL_TAIL", "1")
	t.Setenv("SNIPPETS_NO_SINGLE_EVAL", "true")
	t.Setenv("SNIPPETS_BUFFER_ALIGN", "32")
	cfg := ConfigFromEnv()
	if !cfg.NeedFillTailRegister || cfg.OptimizeSingleEvaluation || cfg.BufferAlignment != 32 {
		t.Errorf("ConfigFromEnv() = %+v", cfg)
	}
}

func TestConfigFromEnvReload(t *testing.T) {
	t.Setenv("SNIPPETS_FILL_TAIL", "")
	if cfg := ConfigFromEnv(); cfg.NeedFillTailRegister {
		t.Fatalf("ConfigFromEnv() = %+v before SNIPPETS_FILL_TAIL is set", cfg)
	}
	// Variables set after the first read still apply.
	t.Setenv("SNIPPETS_FILL_TAIL", "1")
	if cfg := ConfigFromEnv(); !cfg.NeedFillTailRegister {
		t.Errorf("ConfigFromEnv() = %+v after SNIPPETS_FILL_TAIL=1", cfg)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("SNIPPETS_FILL_TAIL", "")
	t.Setenv("SNIPPETS_NO_SINGLE_EVAL", "")
	t.Setenv("SNIPPETS_BUFFER_ALIGN", "")
	if cfg := ConfigFromEnv(); cfg != DefaultConfig() {
		t.Errorf("ConfigFromEnv() = %+v, want %+v", cfg, DefaultConfig())
	}
}
