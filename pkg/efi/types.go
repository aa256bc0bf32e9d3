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

// Package efi describes the firmware surface the boot stage consumes. The
// loader never reaches firmware tables directly, everything goes through the
// interfaces in this package so the same code runs on hardware and against
// the simulated machine in pkg/firmware.
package efi

import (
	"errors"
	"fmt"
	"io"

	efilib "github.com/canonical/go-efilib"
)

// Handle is an opaque firmware handle
type Handle uintptr

// Status is an EFI_STATUS value. Error statuses implement error.
type Status uint64

const errorBit = Status(1) << 63

const (
	StatusSuccess          Status = 0
	StatusLoadError        Status = errorBit | 1
	StatusInvalidParameter Status = errorBit | 2
	StatusUnsupported      Status = errorBit | 3
	StatusBadBufferSize    Status = errorBit | 4
	StatusBufferTooSmall   Status = errorBit | 5
	StatusNotReady         Status = errorBit | 6
	StatusDeviceError      Status = errorBit | 7
	StatusWriteProtected   Status = errorBit | 8
	StatusOutOfResources   Status = errorBit | 9
	StatusNoMedia          Status = errorBit | 12
	StatusMediaChanged     Status = errorBit | 13
	StatusNotFound         Status = errorBit | 14
)

var statusNames = map[Status]string{
	StatusSuccess:          "success",
	StatusLoadError:        "load error",
	StatusInvalidParameter: "invalid parameter",
	StatusUnsupported:      "unsupported",
	StatusBadBufferSize:    "bad buffer size",
	StatusBufferTooSmall:   "buffer too small",
	StatusNotReady:         "not ready",
	StatusDeviceError:      "device error",
	StatusWriteProtected:   "write protected",
	StatusOutOfResources:   "out of resources",
	StatusNoMedia:          "no media",
	StatusMediaChanged:     "media changed",
	StatusNotFound:         "not found",
}

func (s Status) Error() string {
	if n, ok := statusNames[s]; ok {
		return "efi: " + n
	}
	return fmt.Sprintf("efi: status %#x", uint64(s))
}

// IsError reports whether the status has the error bit set
func (s Status) IsError() bool {
	return s&errorBit != 0
}

// StatusOf extracts the firmware status from err. Non firmware errors are
// reported as device errors.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusDeviceError
}

// AllocateType is EFI_ALLOCATE_TYPE
type AllocateType int

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

// ResetType is EFI_RESET_TYPE
type ResetType int

const (
	ResetCold ResetType = iota
	ResetWarm
	ResetShutdown
)

// Protocol and configuration table GUIDs
var (
	BlockIOProtocol     = efilib.MakeGUID(0x964e5b21, 0x6459, 0x11d2, 0x8e39, [...]uint8{0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b})
	DevicePathProtocol  = efilib.MakeGUID(0x09576e91, 0x6d3f, 0x11d2, 0x8e39, [...]uint8{0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b})
	LoadedImageProtocol = efilib.MakeGUID(0x5b1b31a1, 0x9562, 0x11d2, 0x8e3f, [...]uint8{0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b})
	ACPI20TableGUID     = efilib.MakeGUID(0x8868e871, 0xe4f1, 0x11d3, 0xbc22, [...]uint8{0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81})
	ACPI10TableGUID     = efilib.MakeGUID(0xeb9d2d30, 0x2d88, 0x11d3, 0x9a16, [...]uint8{0x00, 0x90, 0x27, 0x3f, 0xc1, 0x4d})
)

// Media is the EFI_BLOCK_IO_MEDIA snapshot of a block device
type Media struct {
	MediaID          uint32
	RemovableMedia   bool
	MediaPresent     bool
	LogicalPartition bool
	ReadOnly         bool
	BlockSize        uint32
	LastBlock        uint64
}

// Size returns the media size in bytes
func (m Media) Size() int64 {
	if !m.MediaPresent || m.BlockSize == 0 {
		return 0
	}
	return int64(m.LastBlock+1) * int64(m.BlockSize)
}

// BlockIO is the EFI_BLOCK_IO_PROTOCOL
type BlockIO interface {
	Media() Media
	ReadBlocks(mediaID uint32, lba uint64, buf []byte) error
	WriteBlocks(mediaID uint32, lba uint64, buf []byte) error
}

// LoadedImage is the part of EFI_LOADED_IMAGE_PROTOCOL the loader reads
type LoadedImage struct {
	DeviceHandle Handle
	FilePath     []byte
	LoadOptions  []byte
	ImageBase    uint64
	ImageSize    uint64
}

// MapInfo is what GetMemoryMap reports next to the descriptors. On
// StatusBufferTooSmall Size holds the required buffer size.
type MapInfo struct {
	Size              int
	Key               uint64
	DescriptorSize    int
	DescriptorVersion uint32
}

// BootServices is the boot time firmware surface. None of it is callable
// once ExitBootServices succeeded.
type BootServices interface {
	// LocateHandle fills handles with the handles supporting protocol and
	// returns how many there are. A short or nil buffer yields
	// StatusBufferTooSmall together with the required count.
	LocateHandle(protocol efilib.GUID, handles []Handle) (int, error)
	// DevicePath returns the firmware owned device path bytes of h
	DevicePath(h Handle) ([]byte, error)
	BlockIO(h Handle) (BlockIO, error)
	LoadedImage(h Handle) (*LoadedImage, error)
	AllocatePages(t AllocateType, m MemoryType, pages uint64, addr uint64) (uint64, error)
	FreePages(addr uint64, pages uint64) error
	// GetMemoryMap writes the current map into buf
	GetMemoryMap(buf []byte) (MapInfo, error)
	ExitBootServices(image Handle, mapKey uint64) error
}

// RuntimeServices stays available after ExitBootServices
type RuntimeServices interface {
	GetVariable(guid efilib.GUID, name string) ([]byte, efilib.VariableAttributes, error)
	SetVirtualAddressMap(m *MemoryMap) error
	ResetSystem(t ResetType, status Status, data []byte)
}

// PhysicalMemory gives byte access to physical addresses. On hardware this
// is the identity mapping firmware runs with.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt
}

// ConfigurationTable is an EFI_CONFIGURATION_TABLE entry
type ConfigurationTable struct {
	VendorGUID efilib.GUID
	Table      uint64
}

// SystemTable bundles what efi_main receives
type SystemTable struct {
	ImageHandle         Handle
	FirmwareVendor      string
	FirmwareRevision    uint32
	Boot                BootServices
	Runtime             RuntimeServices
	Memory              PhysicalMemory
	ConfigurationTables []ConfigurationTable
}
