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
	"maps"
	"slices"

	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// BufferAllocation turns Buffer colors into byte offsets of the kernel
// scratch area. Each color gets a slot as large as its largest Buffer,
// aligned to Config.BufferAlignment.
type BufferAllocation struct{}

// Name implements Pass.
func (*BufferAllocation) Name() string { return "BufferAllocation" }

// Run implements Pass.
func (p *BufferAllocation) Run(ir *LinearIR) bool {
	buffers := ir.Buffers()
	if len(buffers) == 0 {
		ir.ScratchSize = 0
		return false
	}
	alignment := max(ir.Config.BufferAlignment, 1)
	groups := lo.GroupBy(buffers, func(b *Expression) int { return b.BufferID })
	var offset int64
	for _, color := range slices.Sorted(maps.Keys(groups)) {
		group := groups[color]
		size := lo.Max(lo.Map(group, func(b *Expression, _ int) int64 { return b.ByteSize() }))
		for _, b := range group {
			b.BufferOffset = offset
		}
		offset += alignUp(size, alignment)
	}
	ir.ScratchSize = offset
	klog.V(2).Infof("BufferAllocation: %d bytes of scratch for %d buffers", offset, len(buffers))
	return true
}

func alignUp(n, alignment int64) int64 {
	return (n + alignment - 1) / alignment * alignment
}
