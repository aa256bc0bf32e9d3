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

package constants

const (
	// Paging geometry, amd64 4-level
	PageShift     = 12
	PageSize      = uint64(1) << PageShift
	LargePageSize = uint64(2) << 20 // 2 MiB directory leaf
	GiB           = uint64(1) << 30
	TableEntries  = 512

	// The identity/physical map is built from a single directory-pointer table
	// so it can never address more than 512 GiB.
	PhysicalCeiling = TableEntries * GiB
	// Firmware reserved device regions may sit above installed RAM
	MinPhysicalMax = 4 * GiB

	// Kernel address space layout
	KernelLoadBase  = uint64(0xffffffff80000000)
	PhysicalMapBase = uint64(0xffffff0000000000)
	PhysicalMapSize = PhysicalCeiling

	// Kernel args
	KernelArgsVersion   = uint32(1)
	KernelArgsMaxRanges = 32
	DiskCheckSums       = 5

	// Boot stage defaults
	HeapSize          = "32MiB"
	KernelImageSize   = "4MiB"
	KernelStackSize   = "16KiB"
	KernelEntryOffset = uint64(0x1000)
	// GetMemoryMap buffer headroom factor
	MemoryMapHeadroom = 2
	// Diagnostic only, the exit loop itself is unbounded
	ExitRetryWarn = 16
	// Longest Target(...) marker accepted in load options
	MaxLoadOptions = 4096

	// Discovery strategies
	StrategyTarget = "target"
	StrategyCDROM  = "cdrom"
	StrategySweep  = "sweep"

	// Fatal error actions
	HaltActionHalt  = "halt"
	HaltActionReset = "reset"

	// Configuration
	ConfigDir       = "/etc/elemental-loader"
	ConfigFile      = "config.yaml"
	EnvPrefix       = "ELEMENTAL_LOADER"
	FirmwareFile    = "firmware.yaml"
	TargetMarker    = "Target("
	BootCurrentName = "BootCurrent"
)

// GetDefaultStrategies returns the device discovery order
func GetDefaultStrategies() []string {
	return []string{StrategyTarget, StrategyCDROM, StrategySweep}
}
