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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/docker/go-units"

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/types"
)

const (
	tableFlags  = FlagPresent | FlagRW
	largeFlags  = FlagPresent | FlagRW | FlagHugePage | FlagGlobal
	kernelFlags = FlagPresent | FlagRW | FlagGlobal
)

// Builder writes the kernel's initial page tables into physical memory.
// Tables are allocated through the region allocator.
type Builder struct {
	alloc  *Allocator
	mem    efi.PhysicalMemory
	logger types.Logger
	mapped uint64
}

// NewBuilder returns a builder writing to mem
func NewBuilder(alloc *Allocator, mem efi.PhysicalMemory, logger types.Logger) *Builder {
	return &Builder{alloc: alloc, mem: mem, logger: logger}
}

// Mapped returns how much physical memory the last Build mapped
func (b *Builder) Mapped() uint64 {
	return b.mapped
}

// PhysicalMapLimit returns the end of the physical map the tables for m
// would cover: the highest usable address, at least 4 GiB, rounded up to
// a whole GiB
func PhysicalMapLimit(m *efi.MemoryMap) uint64 {
	max := m.MaxUsableAddress()
	if max < constants.MinPhysicalMax {
		max = constants.MinPhysicalMax
	}
	return (max + constants.GiB - 1) &^ (constants.GiB - 1)
}

// Build creates the tables for m and returns the physical address of the
// top level table. All physical memory is mapped with 2 MiB pages both at
// address 0 and at constants.PhysicalMapBase, through the same directory
// pointer table. The kernel address space handed out by the allocator so
// far is mapped with 4 KiB pages.
func (b *Builder) Build(m *efi.MemoryMap) (uint64, error) {
	limit := PhysicalMapLimit(m)
	if limit > constants.PhysicalCeiling {
		return 0, eleErr.New(
			fmt.Sprintf("physical memory up to %#x does not fit the %s physical map", limit, units.BytesSize(float64(constants.PhysicalCeiling))),
			eleErr.ResourceExhausted,
		)
	}
	kernel := b.alloc.VirtualRange()

	root, err := b.newTable()
	if err != nil {
		return 0, err
	}

	pdpt, err := b.newTable()
	if err != nil {
		return 0, err
	}
	gigs := int(limit / constants.GiB)
	pdptEntries := make([]pageTableEntry, gigs)
	for i := 0; i < gigs; i++ {
		pd, err := b.newTable()
		if err != nil {
			return 0, err
		}
		var entries [constants.TableEntries]pageTableEntry
		base := uint64(i) * constants.GiB
		for j := range entries {
			entries[j] = newEntry(base+uint64(j)*constants.LargePageSize, largeFlags)
		}
		if err := b.writeTable(pd, entries[:]); err != nil {
			return 0, err
		}
		pdptEntries[i] = newEntry(pd, tableFlags)
	}
	if err := b.writeTable(pdpt, pdptEntries); err != nil {
		return 0, err
	}
	link := newEntry(pdpt, tableFlags)
	if err := b.writeEntry(root, 0, link); err != nil {
		return 0, err
	}
	if err := b.writeEntry(root, TableIndex(constants.PhysicalMapBase, 0), link); err != nil {
		return 0, err
	}
	b.mapped = limit
	b.logger.Debugf("Mapped %s of physical memory at 0 and %#x", units.BytesSize(float64(limit)), constants.PhysicalMapBase)

	var holes int
	for virt := kernel.Start; virt < kernel.End(); virt += constants.PageSize {
		phys, err := b.alloc.KernelToBootloader(virt)
		if err != nil {
			holes++
			continue
		}
		if err := b.mapPage(root, virt, phys); err != nil {
			return 0, err
		}
	}
	if holes > 0 {
		b.logger.Debugf("Left %d unbacked kernel pages unmapped", holes)
	}
	b.logger.Infof("Page tables built, root at %#x", root)
	return root, nil
}

// mapPage maps a single 4 KiB page, creating intermediate tables
func (b *Builder) mapPage(root, virt, phys uint64) error {
	table := root
	for level := 0; level < pageLevels-1; level++ {
		idx := TableIndex(virt, level)
		pte, err := b.readEntry(table, idx)
		if err != nil {
			return err
		}
		switch {
		case pte.HasFlags(FlagPresent | FlagHugePage):
			return eleErr.New(fmt.Sprintf("kernel address %#x overlaps a large page", virt), eleErr.InvalidRegion)
		case pte.HasFlags(FlagPresent):
			table = pte.Address()
		default:
			next, err := b.newTable()
			if err != nil {
				return err
			}
			if err := b.writeEntry(table, idx, newEntry(next, tableFlags)); err != nil {
				return err
			}
			table = next
		}
	}
	return b.writeEntry(table, TableIndex(virt, pageLevels-1), newEntry(phys, kernelFlags))
}

// newTable allocates a zeroed table
func (b *Builder) newTable() (uint64, error) {
	r, err := b.alloc.AllocateRegion(constants.PageSize)
	if err != nil {
		return 0, eleErr.Wrapf(err, eleErr.ResourceExhausted, "allocating page table")
	}
	zero := make([]byte, constants.PageSize)
	if _, err := b.mem.WriteAt(zero, int64(r.PhysicalStart)); err != nil {
		return 0, eleErr.Wrapf(err, eleErr.ResourceExhausted, "clearing page table at %#x", r.PhysicalStart)
	}
	return r.PhysicalStart, nil
}

func (b *Builder) writeTable(table uint64, entries []pageTableEntry) error {
	buf := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[i*entrySize:], uint64(e))
	}
	_, err := b.mem.WriteAt(buf, int64(table))
	return err
}

func (b *Builder) writeEntry(table uint64, idx int, pte pageTableEntry) error {
	return b.writeTable(table+uint64(idx*entrySize), []pageTableEntry{pte})
}

func (b *Builder) readEntry(table uint64, idx int) (pageTableEntry, error) {
	return readEntry(b.mem, table, idx)
}

func readEntry(mem io.ReaderAt, table uint64, idx int) (pageTableEntry, error) {
	buf := make([]byte, entrySize)
	if _, err := mem.ReadAt(buf, int64(table)+int64(idx*entrySize)); err != nil {
		return 0, err
	}
	return pageTableEntry(binary.LittleEndian.Uint64(buf)), nil
}

// Walk translates virt through the tables rooted at root the way the MMU
// would
func Walk(mem io.ReaderAt, root, virt uint64) (uint64, error) {
	table := root
	for level := 0; level < pageLevels; level++ {
		pte, err := readEntry(mem, table, TableIndex(virt, level))
		if err != nil {
			return 0, err
		}
		if !pte.HasFlags(FlagPresent) {
			return 0, eleErr.New(fmt.Sprintf("no mapping for %#x at level %d", virt, level), eleErr.NotFound)
		}
		if level == pageLevels-1 || (level > 0 && pte.HasFlags(FlagHugePage)) {
			size := levelSize(level)
			return pte.Address()&^(size-1) + virt&(size-1), nil
		}
		table = pte.Address()
	}
	return 0, eleErr.New(fmt.Sprintf("no mapping for %#x", virt), eleErr.NotFound)
}
