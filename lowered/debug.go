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
	"k8s.io/klog/v2"
)

// debugLowering enables tracing of the fusion and tail-loop decisions.
var debugLowering = env.Bool("DEBUG_LOWERING")

func debugPrint(format string, args ...any) {
	if debugLowering {
		klog.InfofDepth(1, "[lowering] "+format, args...)
	}
}
