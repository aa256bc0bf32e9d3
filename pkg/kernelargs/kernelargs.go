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

// Package kernelargs holds the structure handed to the kernel at entry and
// its little endian wire layout.
package kernelargs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	efilib "github.com/canonical/go-efilib"

	"github.com/rancher/elemental-loader/pkg/constants"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
)

// BootMethod tells the kernel how the boot volume was found
type BootMethod uint32

const (
	BootMethodHardDisk BootMethod = iota
	BootMethodCD
	BootMethodNet
)

func (m BootMethod) String() string {
	switch m {
	case BootMethodHardDisk:
		return "hard disk"
	case BootMethodCD:
		return "cd"
	case BootMethodNet:
		return "net"
	}
	return fmt.Sprintf("BootMethod(%d)", uint32(m))
}

// BusType is the bus the boot disk hangs off
type BusType uint8

const (
	BusUnknown BusType = iota
	BusLegacy
	BusPCI
	BusUSB
)

// DeviceType is the boot disk transport
type DeviceType uint8

const (
	DeviceUnknown DeviceType = iota
	DeviceATA
	DeviceATAPI
	DeviceSCSI
	DeviceUSB
	DeviceSATA
	DeviceNVMe
)

// CheckSum is the sum of the 128 little endian words of the block at Offset
type CheckSum struct {
	Offset uint64
	Sum    uint32
	_      uint32
}

// DiskIdentifier lets the kernel find the boot disk again. When UseUUID is
// unset the kernel matches the disk against CheckSums.
type DiskIdentifier struct {
	BusType    BusType
	DeviceType DeviceType
	UseUUID    bool
	_          [5]uint8
	DeviceSize uint64
	UUID       efilib.GUID
	CheckSums  [constants.DiskCheckSums]CheckSum
}

// AddrRange is a [Start, Start+Size) address range
type AddrRange struct {
	Start uint64
	Size  uint64
}

// End returns the first address past the range
func (r AddrRange) End() uint64 {
	return r.Start + r.Size
}

// Ranges is a bounded list of address ranges
type Ranges struct {
	Count  uint32
	_      uint32
	Ranges [constants.KernelArgsMaxRanges]AddrRange
}

// Add inserts r keeping the list sorted by start address. Every range r
// touches or overlaps is merged into it, whichever side it sits on, so
// firmware handing out pages top-down still fills a single slot.
func (rs *Ranges) Add(r AddrRange) error {
	if r.Size == 0 {
		return nil
	}
	start, end := r.Start, r.End()
	used := int(rs.Count)

	i := 0
	for i < used && rs.Ranges[i].End() < start {
		i++
	}
	// ranges [i, j) touch or overlap r
	j := i
	for j < used && rs.Ranges[j].Start <= end {
		start = min(start, rs.Ranges[j].Start)
		end = max(end, rs.Ranges[j].End())
		j++
	}
	merged := AddrRange{Start: start, Size: end - start}

	if i == j {
		if used == constants.KernelArgsMaxRanges {
			return eleErr.New(fmt.Sprintf("no room for range %#x-%#x", r.Start, r.End()), eleErr.ResourceExhausted)
		}
		copy(rs.Ranges[i+1:used+1], rs.Ranges[i:used])
		rs.Ranges[i] = merged
		rs.Count++
		return nil
	}

	rs.Ranges[i] = merged
	n := copy(rs.Ranges[i+1:], rs.Ranges[j:used])
	for k := i + 1 + n; k < used; k++ {
		rs.Ranges[k] = AddrRange{}
	}
	rs.Count = uint32(i + 1 + n)
	return nil
}

// List returns the used ranges
func (rs *Ranges) List() []AddrRange {
	return rs.Ranges[:rs.Count]
}

// Total returns the sum of all range sizes
func (rs *Ranges) Total() uint64 {
	var total uint64
	for _, r := range rs.List() {
		total += r.Size
	}
	return total
}

// KernelArgs is the boot information block. Field order is the wire order.
type KernelArgs struct {
	Size       uint32
	Version    uint32
	BootMethod BootMethod
	_          uint32
	BootDisk   DiskIdentifier

	PhysicalMemory    Ranges
	PhysicalAllocated Ranges
	VirtualAllocated  Ranges

	KernelImage     AddrRange
	KernelStack     AddrRange
	PageTableRoot   uint64
	PhysicalMapBase uint64
	ACPIRoot        uint64

	// Pointers into loader owned memory, rewritten by Relocate
	BootVolume  uint64
	DebugOutput uint64
}

// Translator maps loader physical addresses to kernel virtual ones
type Translator interface {
	BootloaderToKernel(phys uint64) (uint64, error)
}

// wire drops the marshaling methods so encoding/binary walks the fields
type wire KernelArgs

// Size is the encoded size of KernelArgs
var Size = uint32(binary.Size(wire{}))

// New returns kernel args with the size and version header set
func New() *KernelArgs {
	return &KernelArgs{
		Size:            Size,
		Version:         constants.KernelArgsVersion,
		PhysicalMapBase: constants.PhysicalMapBase,
	}
}

// Relocate rewrites every pointer field into the kernel address space.
// Null pointers are left alone.
func Relocate(args *KernelArgs, tr Translator) error {
	for _, p := range []*uint64{&args.BootVolume, &args.DebugOutput} {
		if *p == 0 {
			continue
		}
		v, err := tr.BootloaderToKernel(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler
func (a *KernelArgs) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, Size))
	if err := binary.Write(buf, binary.LittleEndian, (*wire)(a)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The header is
// checked the same way the kernel does before anything else is read.
func (a *KernelArgs) UnmarshalBinary(data []byte) error {
	if err := Verify(data); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(data[:Size]), binary.LittleEndian, (*wire)(a))
}

// Verify is the kernel side check of an encoded block: the size and
// version fields must match what this kernel was built with
func Verify(data []byte) error {
	if len(data) < 8 {
		return eleErr.New(fmt.Sprintf("kernel args truncated to %d bytes", len(data)), eleErr.VersionMismatch)
	}
	size := binary.LittleEndian.Uint32(data[0:])
	version := binary.LittleEndian.Uint32(data[4:])
	if size != Size || version != constants.KernelArgsVersion {
		return eleErr.New(fmt.Sprintf("kernel args mismatch: size %d version %d, expected size %d version %d",
			size, version, Size, constants.KernelArgsVersion), eleErr.VersionMismatch)
	}
	if len(data) < int(size) {
		return eleErr.New(fmt.Sprintf("kernel args truncated to %d bytes", len(data)), eleErr.VersionMismatch)
	}
	return nil
}
