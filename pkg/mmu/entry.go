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
	"github.com/rancher/elemental-loader/pkg/constants"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the entry is valid.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user mode can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on directory entries mapping a 2 MiB or 1 GiB page.
	FlagHugePage

	// FlagGlobal keeps the translation cached across page table switches.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

const (
	pageLevels = 4

	// bits 12-51 hold the physical address
	ptePhysPageMask = uint64(0x000ffffffffff000)

	entrySize = 8
)

// pageLevelShifts is the virtual address shift of each level, top first
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) &^ uint64(flags))
}

// Address returns the physical address this entry points to.
func (pte pageTableEntry) Address() uint64 {
	return uint64(pte) & ptePhysPageMask
}

// SetAddress points the entry at the given page aligned physical address.
func (pte *pageTableEntry) SetAddress(addr uint64) {
	*pte = pageTableEntry((uint64(*pte) &^ ptePhysPageMask) | (addr & ptePhysPageMask))
}

func newEntry(addr uint64, flags PageTableEntryFlag) pageTableEntry {
	var pte pageTableEntry
	pte.SetAddress(addr)
	pte.SetFlags(flags)
	return pte
}

// TableIndex returns the entry index of virt in the table of the given
// level, 0 being the top level table.
func TableIndex(virt uint64, level int) int {
	return int(virt>>pageLevelShifts[level]) & (constants.TableEntries - 1)
}

// levelSize is the span of memory a single entry of the level covers
func levelSize(level int) uint64 {
	return uint64(1) << pageLevelShifts[level]
}
