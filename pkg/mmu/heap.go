/*
Copyright © 2022 - 2025 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mmu

import (
	"github.com/docker/go-units"
)

// Heap is the staging area the loader builds the kernel arguments in.
// It is a single region allocated up front.
type Heap struct {
	alloc  *Allocator
	region Region
	live   bool
}

// NewHeap allocates a heap of size bytes
func NewHeap(alloc *Allocator, size uint64) (*Heap, error) {
	r, err := alloc.AllocateRegion(size)
	if err != nil {
		return nil, err
	}
	alloc.logger.Infof("Staging heap of %s at %#x", units.BytesSize(float64(r.Size)), r.PhysicalStart)
	return &Heap{alloc: alloc, region: r, live: true}, nil
}

// Region returns the memory backing the heap
func (h *Heap) Region() Region {
	return h.region
}

// Release gives the heap back to firmware. Releasing twice is a no-op.
func (h *Heap) Release() error {
	if !h.live {
		return nil
	}
	h.live = false
	return h.alloc.FreeRegion(h.region.PhysicalStart, h.region.Size)
}
