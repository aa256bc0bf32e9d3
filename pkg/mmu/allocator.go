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

// Package mmu tracks the memory the loader hands to the kernel and builds
// the page tables the kernel starts with. Loader code runs identity mapped,
// so every allocation has a physical address usable right away and a
// kernel virtual address that is only handed out when first asked for.
package mmu

import (
	"fmt"

	"github.com/docker/go-units"

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/kernelargs"
	"github.com/rancher/elemental-loader/pkg/types"
)

// RegionState is the lifecycle of an allocated region
type RegionState int

const (
	// Unassigned regions have no kernel virtual address yet
	Unassigned RegionState = iota
	// Assigned regions own a slice of the kernel address space
	Assigned
	// Released regions went back to firmware and must not be translated
	Released
)

func (s RegionState) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case Assigned:
		return "assigned"
	case Released:
		return "released"
	}
	return fmt.Sprintf("RegionState(%d)", int(s))
}

// Region is a page aligned allocation
type Region struct {
	ID            int
	PhysicalStart uint64
	Size          uint64
	VirtualStart  uint64
	State         RegionState
}

func (r *Region) containsPhysical(addr uint64) bool {
	return addr >= r.PhysicalStart && addr-r.PhysicalStart < r.Size
}

func (r *Region) containsVirtual(addr uint64) bool {
	return r.State == Assigned && addr >= r.VirtualStart && addr-r.VirtualStart < r.Size
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d [%#x-%#x) %s", r.ID, r.PhysicalStart, r.PhysicalStart+r.Size, r.State)
}

// Allocator hands out loader memory and maps it into the kernel address
// space on demand. Regions are kept in an arena and never removed so their
// IDs stay valid.
type Allocator struct {
	boot        efi.BootServices
	logger      types.Logger
	regions     []Region
	nextVirtual uint64
}

// NewAllocator returns an allocator assigning virtual addresses from
// constants.KernelLoadBase
func NewAllocator(boot efi.BootServices, logger types.Logger) *Allocator {
	return &Allocator{boot: boot, logger: logger, nextVirtual: constants.KernelLoadBase}
}

// PageAlign rounds size up to a whole number of pages
func PageAlign(size uint64) uint64 {
	return (size + constants.PageSize - 1) &^ (constants.PageSize - 1)
}

// Regions returns a snapshot of every region ever allocated
func (a *Allocator) Regions() []Region {
	out := make([]Region, len(a.regions))
	copy(out, a.regions)
	return out
}

// AllocateRegion gets size bytes of page aligned loader data memory from
// firmware. Memory ending above constants.PhysicalCeiling is given back
// and reported as exhausted, the physical map cannot reach it.
func (a *Allocator) AllocateRegion(size uint64) (Region, error) {
	if size == 0 {
		return Region{}, eleErr.New("cannot allocate an empty region", eleErr.InvalidInput)
	}
	size = PageAlign(size)
	pages := size >> constants.PageShift

	phys, err := a.boot.AllocatePages(efi.AllocateAnyPages, efi.LoaderData, pages, 0)
	if err != nil {
		return Region{}, eleErr.Wrapf(err, eleErr.ResourceExhausted, "allocating %s", units.BytesSize(float64(size)))
	}
	if phys+size > constants.PhysicalCeiling || phys+size < phys {
		if err := a.boot.FreePages(phys, pages); err != nil {
			a.logger.Warnf("Could not return pages at %#x: %s", phys, err)
		}
		return Region{}, eleErr.New(
			fmt.Sprintf("allocation at %#x ends above the %s physical ceiling", phys, units.BytesSize(float64(constants.PhysicalCeiling))),
			eleErr.ResourceExhausted,
		)
	}

	a.regions = append(a.regions, Region{ID: len(a.regions), PhysicalStart: phys, Size: size})
	r := a.regions[len(a.regions)-1]
	a.logger.Debugf("Allocated %s at %#x", units.BytesSize(float64(size)), phys)
	return r, nil
}

// BootloaderToKernel translates a loader physical address. The owning
// region gets the next free slice of kernel address space on its first
// translation and keeps it afterwards.
func (a *Allocator) BootloaderToKernel(phys uint64) (uint64, error) {
	released := false
	for i := range a.regions {
		r := &a.regions[i]
		if !r.containsPhysical(phys) {
			continue
		}
		if r.State == Released {
			released = true
			continue
		}
		if r.State == Unassigned {
			r.VirtualStart = a.nextVirtual
			r.State = Assigned
			a.nextVirtual += r.Size
			a.logger.Debugf("Assigned %#x to %s", r.VirtualStart, r)
		}
		return r.VirtualStart + (phys - r.PhysicalStart), nil
	}
	if released {
		return 0, eleErr.New(fmt.Sprintf("address %#x belongs to a released region", phys), eleErr.InvalidRegion)
	}
	return 0, eleErr.New(fmt.Sprintf("address %#x is not in any loader region", phys), eleErr.InvalidRegion)
}

// KernelToBootloader translates a kernel virtual address back to the
// physical memory backing it
func (a *Allocator) KernelToBootloader(virt uint64) (uint64, error) {
	for i := range a.regions {
		r := &a.regions[i]
		if r.containsVirtual(virt) {
			return r.PhysicalStart + (virt - r.VirtualStart), nil
		}
	}
	return 0, eleErr.New(fmt.Sprintf("virtual address %#x is not backed by a loader region", virt), eleErr.InvalidRegion)
}

// FreeRegion returns a region to firmware. Only exact regions handed out by
// AllocateRegion can be freed.
func (a *Allocator) FreeRegion(phys, size uint64) error {
	size = PageAlign(size)
	for i := range a.regions {
		r := &a.regions[i]
		if r.State == Released || r.PhysicalStart != phys || r.Size != size {
			continue
		}
		r.State = Released
		if err := a.boot.FreePages(phys, size>>constants.PageShift); err != nil {
			return eleErr.Wrapf(err, eleErr.ProtocolViolation, "freeing %s", r)
		}
		a.logger.Debugf("Released %s", r)
		return nil
	}
	return eleErr.New(fmt.Sprintf("no region of %d bytes at %#x", size, phys), eleErr.InvalidRegion)
}

// VirtualRange is the kernel address space handed out so far
func (a *Allocator) VirtualRange() kernelargs.AddrRange {
	return kernelargs.AddrRange{Start: constants.KernelLoadBase, Size: a.nextVirtual - constants.KernelLoadBase}
}

// PhysicalRanges lists the regions still owned by the loader
func (a *Allocator) PhysicalRanges() []kernelargs.AddrRange {
	var out []kernelargs.AddrRange
	for _, r := range a.regions {
		if r.State != Released {
			out = append(out, kernelargs.AddrRange{Start: r.PhysicalStart, Size: r.Size})
		}
	}
	return out
}
