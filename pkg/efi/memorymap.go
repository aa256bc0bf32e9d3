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

package efi

import (
	"encoding/binary"
	"fmt"

	"github.com/rancher/elemental-loader/pkg/constants"
)

// MemoryType is EFI_MEMORY_TYPE
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

var memoryTypeNames = [...]string{
	"Reserved", "LoaderCode", "LoaderData", "BootServicesCode", "BootServicesData",
	"RuntimeServicesCode", "RuntimeServicesData", "Conventional", "Unusable",
	"ACPIReclaim", "ACPINVS", "MMIO", "MMIOPortSpace", "PalCode", "Persistent",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("MemoryType(%d)", uint32(t))
}

// ParseMemoryType is the inverse of MemoryType.String
func ParseMemoryType(s string) (MemoryType, error) {
	for i, n := range memoryTypeNames {
		if n == s {
			return MemoryType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown memory type '%s'", s)
}

// Memory attribute bits
const (
	MemoryUC      uint64 = 0x1
	MemoryWC      uint64 = 0x2
	MemoryWT      uint64 = 0x4
	MemoryWB      uint64 = 0x8
	MemoryRuntime uint64 = 0x8000000000000000
)

const (
	// DescriptorSize is the stride this firmware reports. Consumers must use
	// the stride from MapInfo, which may be larger.
	DescriptorSize    = 48
	DescriptorVersion = 1
)

// MemoryDescriptor is EFI_MEMORY_DESCRIPTOR
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// Size returns the region size in bytes
func (d MemoryDescriptor) Size() uint64 {
	return d.NumberOfPages << constants.PageShift
}

// PhysicalEnd returns the first address past the region
func (d MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.Size()
}

// IsRuntime reports whether firmware needs the region mapped after exit
func (d MemoryDescriptor) IsRuntime() bool {
	return d.Attribute&MemoryRuntime != 0
}

// IsUsable reports whether the region is RAM the kernel may take over
// once boot services are gone
func (d MemoryDescriptor) IsUsable() bool {
	switch d.Type {
	case LoaderCode, LoaderData, BootServicesCode, BootServicesData, ConventionalMemory, ACPIReclaimMemory:
		return true
	}
	return false
}

// PutDescriptor encodes d at the start of b, which must hold DescriptorSize bytes
func PutDescriptor(b []byte, d MemoryDescriptor) {
	binary.LittleEndian.PutUint32(b[0:], uint32(d.Type))
	binary.LittleEndian.PutUint32(b[4:], 0)
	binary.LittleEndian.PutUint64(b[8:], d.PhysicalStart)
	binary.LittleEndian.PutUint64(b[16:], d.VirtualStart)
	binary.LittleEndian.PutUint64(b[24:], d.NumberOfPages)
	binary.LittleEndian.PutUint64(b[32:], d.Attribute)
}

func readDescriptor(b []byte) MemoryDescriptor {
	return MemoryDescriptor{
		Type:          MemoryType(binary.LittleEndian.Uint32(b[0:])),
		PhysicalStart: binary.LittleEndian.Uint64(b[8:]),
		VirtualStart:  binary.LittleEndian.Uint64(b[16:]),
		NumberOfPages: binary.LittleEndian.Uint64(b[24:]),
		Attribute:     binary.LittleEndian.Uint64(b[32:]),
	}
}

// MemoryMap is a GetMemoryMap snapshot. Buffer is owned by whoever fetched
// the map, the descriptors are decoded on access.
type MemoryMap struct {
	Buffer []byte
	MapInfo
}

// Len returns the number of descriptors in the snapshot
func (m *MemoryMap) Len() int {
	if m.DescriptorSize == 0 {
		return 0
	}
	n := m.Size / m.DescriptorSize
	if max := len(m.Buffer) / m.DescriptorSize; n > max {
		n = max
	}
	return n
}

// Descriptor decodes the i-th descriptor
func (m *MemoryMap) Descriptor(i int) MemoryDescriptor {
	off := i * m.DescriptorSize
	return readDescriptor(m.Buffer[off : off+m.DescriptorSize])
}

// Descriptors decodes the whole snapshot
func (m *MemoryMap) Descriptors() []MemoryDescriptor {
	out := make([]MemoryDescriptor, 0, m.Len())
	for i := 0; i < m.Len(); i++ {
		out = append(out, m.Descriptor(i))
	}
	return out
}

// SetVirtualStart rewrites the virtual address of the i-th descriptor, the
// only field the loader is allowed to change
func (m *MemoryMap) SetVirtualStart(i int, virt uint64) {
	off := i*m.DescriptorSize + 16
	binary.LittleEndian.PutUint64(m.Buffer[off:], virt)
}

// MaxUsableAddress returns the highest end address of a usable region. The
// map is not assumed to be sorted.
func (m *MemoryMap) MaxUsableAddress() uint64 {
	var max uint64
	for i := 0; i < m.Len(); i++ {
		d := m.Descriptor(i)
		if d.IsUsable() && d.PhysicalEnd() > max {
			max = d.PhysicalEnd()
		}
	}
	return max
}
