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

// Package loader runs the last boot stage: it finds the boot device, sets
// up kernel memory, leaves firmware and enters the kernel.
package loader

import (
	"fmt"

	"github.com/docker/go-units"

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/devices"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/handoff"
	"github.com/rancher/elemental-loader/pkg/kernelargs"
	"github.com/rancher/elemental-loader/pkg/mmu"
	"github.com/rancher/elemental-loader/pkg/types"
)

// Stage is a single run of the boot stage against a system table
type Stage struct {
	cfg    *types.Config
	st     *efi.SystemTable
	cpu    handoff.CPU
	logger types.Logger

	alloc  *mmu.Allocator
	heap   *mmu.Heap
	seq    *handoff.Sequencer
	args   *kernelargs.KernelArgs
	ctx    *handoff.Context
	device *devices.DiscoveredDevice

	argsRegion  mmu.Region
	imageRegion mmu.Region
}

// NewStage returns a stage configured by cfg. The configuration is
// expected to be sanitized.
func NewStage(cfg *types.Config, st *efi.SystemTable, cpu handoff.CPU) *Stage {
	return &Stage{
		cfg:    cfg,
		st:     st,
		cpu:    cpu,
		logger: cfg.Logger,
		alloc:  mmu.NewAllocator(st.Boot, cfg.Logger),
		args:   kernelargs.New(),
	}
}

// Args returns the kernel arguments as built so far
func (s *Stage) Args() *kernelargs.KernelArgs {
	return s.args
}

// BootDevice returns the device the stage booted from, if it got that far
func (s *Stage) BootDevice() *devices.DiscoveredDevice {
	return s.device
}

// Allocator returns the region allocator of the stage
func (s *Stage) Allocator() *mmu.Allocator {
	return s.alloc
}

// Context returns the handoff context, set once the kernel args are ready
func (s *Stage) Context() *handoff.Context {
	return s.ctx
}

// Sequencer returns the boot services exit sequencer, set once the stage
// started leaving firmware
func (s *Stage) Sequencer() *handoff.Sequencer {
	return s.seq
}

// Run performs the whole boot stage. It only returns on failure, or on
// simulated hardware.
func (s *Stage) Run() error {
	var err error

	s.logger.Infof("Starting boot stage on %s", s.st.FirmwareVendor)
	s.heap, err = mmu.NewHeap(s.alloc, s.cfg.Memory.HeapSize.Bytes())
	if err != nil {
		return err
	}

	err = s.prepare()
	if err != nil {
		if rErr := s.heap.Release(); rErr != nil {
			s.logger.Warnf("Could not release the staging heap: %s", rErr)
		}
		return err
	}

	s.seq = handoff.NewSequencer(s.st.Boot, s.st.ImageHandle, mmu.NewBuilder(s.alloc, s.st.Memory, s.logger), s.logger)
	s.seq.RetryWarn = s.cfg.Memory.ExitRetryWarn
	if err = s.seq.Run(); err != nil {
		// No boot services call is safe once exiting started
		if s.seq.FailedIn() < handoff.Exiting {
			if rErr := s.heap.Release(); rErr != nil {
				s.logger.Warnf("Could not release the staging heap: %s", rErr)
			}
		}
		return err
	}
	s.args.PageTableRoot = s.seq.PageTableRoot()

	// Boot services are gone from here on
	if err = s.finishArgs(); err != nil {
		return err
	}
	if err = s.switchRuntimeServices(); err != nil {
		return err
	}
	if err = s.writeArgs(); err != nil {
		return err
	}
	if err = s.checkMappings(); err != nil {
		return err
	}

	s.logger.Infof("Entering kernel at %#x", s.ctx.Entry)
	return handoff.Enter(s.cpu, s.ctx)
}

// prepare does everything that needs boot services: finding the boot
// device and allocating the kernel memory
func (s *Stage) prepare() error {
	opts, err := efi.LoadOptions(s.st)
	if err != nil {
		s.logger.Debugf("No load options: %s", err)
	}

	registry := devices.NewRegistry(s.st.Boot, s.logger)
	s.device, err = devices.NewResolver(registry, s.logger, s.cfg.Discovery.Strategies...).Resolve(opts)
	if err != nil {
		return err
	}
	s.args.BootMethod = s.device.BootMethod
	s.args.BootDisk, err = devices.Identify(s.device)
	if err != nil {
		return err
	}
	if s.args.BootDisk.UseUUID {
		s.logger.Infof("Boot disk %s identified by disk GUID %s", s.device, s.args.BootDisk.UUID)
	} else {
		s.logger.Infof("Boot disk %s identified by %d block checksums", s.device, len(s.args.BootDisk.CheckSums))
	}

	s.imageRegion, err = s.kernelRegion(s.cfg.Kernel.ImageSize.Bytes(), &s.args.KernelImage)
	if err != nil {
		return err
	}
	var stack mmu.Region
	stack, err = s.kernelRegion(s.cfg.Kernel.StackSize.Bytes(), &s.args.KernelStack)
	if err != nil {
		return err
	}
	s.argsRegion, err = s.kernelRegion(uint64(kernelargs.Size), nil)
	if err != nil {
		return err
	}

	volume, err := s.kernelRegion(uint64(len(s.device.Path)), nil)
	if err != nil {
		return err
	}
	if _, err = s.st.Memory.WriteAt(s.device.Path, int64(volume.PhysicalStart)); err != nil {
		return eleErr.Wrapf(err, eleErr.ResourceExhausted, "copying the boot volume path")
	}
	s.args.BootVolume = volume.PhysicalStart

	s.ctx = &handoff.Context{
		Args:        s.args,
		ArgsAddress: s.argsRegion.PhysicalStart,
		Entry:       s.args.KernelImage.Start + s.cfg.Kernel.EntryOffset,
		StackTop:    s.args.KernelStack.End(),
	}
	s.logger.Debugf("Kernel image %s at %#x, stack %s at %#x",
		units.BytesSize(float64(s.imageRegion.Size)), s.imageRegion.PhysicalStart,
		units.BytesSize(float64(stack.Size)), stack.PhysicalStart)
	return nil
}

// kernelRegion allocates memory the kernel will see and gives it its
// kernel address right away, so the page tables cover it
func (s *Stage) kernelRegion(size uint64, into *kernelargs.AddrRange) (mmu.Region, error) {
	r, err := s.alloc.AllocateRegion(size)
	if err != nil {
		return r, err
	}
	virt, err := s.alloc.BootloaderToKernel(r.PhysicalStart)
	if err != nil {
		return r, err
	}
	if into != nil {
		*into = kernelargs.AddrRange{Start: virt, Size: r.Size}
	}
	return r, nil
}

// finishArgs fills in the memory layout from the map firmware accepted
func (s *Stage) finishArgs() error {
	for _, d := range s.seq.MemoryMap().Descriptors() {
		if !d.IsUsable() {
			continue
		}
		if err := s.args.PhysicalMemory.Add(kernelargs.AddrRange{Start: d.PhysicalStart, Size: d.Size()}); err != nil {
			return err
		}
	}
	for _, r := range s.alloc.PhysicalRanges() {
		if err := s.args.PhysicalAllocated.Add(r); err != nil {
			return err
		}
	}
	if err := s.args.VirtualAllocated.Add(s.alloc.VirtualRange()); err != nil {
		return err
	}

	rsdp, err := efi.FindRSDP(s.st.ConfigurationTables, s.st.Memory)
	if err != nil {
		s.logger.Warnf("Booting without ACPI: %s", err)
	} else {
		s.args.ACPIRoot = constants.PhysicalMapBase + rsdp
	}
	s.logger.Infof("Physical memory: %s usable, %s allocated",
		units.BytesSize(float64(s.args.PhysicalMemory.Total())), units.BytesSize(float64(s.args.PhysicalAllocated.Total())))
	return nil
}

// switchRuntimeServices moves firmware runtime regions into the physical
// map window
func (s *Stage) switchRuntimeServices() error {
	m := s.seq.MemoryMap()
	count := 0
	for i := 0; i < m.Len(); i++ {
		d := m.Descriptor(i)
		if !d.IsRuntime() {
			continue
		}
		m.SetVirtualStart(i, constants.PhysicalMapBase+d.PhysicalStart)
		count++
	}
	if err := s.st.Runtime.SetVirtualAddressMap(m); err != nil {
		return eleErr.Wrapf(err, eleErr.ProtocolViolation, "switching %d runtime regions", count)
	}
	s.logger.Debugf("Runtime services moved to %#x", constants.PhysicalMapBase)
	return nil
}

// writeArgs relocates the kernel args and writes them where the kernel
// will look for them, then reads them back the way the kernel does
func (s *Stage) writeArgs() error {
	if err := s.ctx.Relocate(s.alloc); err != nil {
		return err
	}
	data, err := s.args.MarshalBinary()
	if err != nil {
		return eleErr.NewFromError(err, eleErr.InvalidInput)
	}
	if _, err := s.st.Memory.WriteAt(data, int64(s.argsRegion.PhysicalStart)); err != nil {
		return eleErr.Wrapf(err, eleErr.ResourceExhausted, "writing kernel args")
	}
	check := make([]byte, len(data))
	if _, err := s.st.Memory.ReadAt(check, int64(s.argsRegion.PhysicalStart)); err != nil {
		return eleErr.Wrapf(err, eleErr.ResourceExhausted, "reading kernel args back")
	}
	return kernelargs.Verify(check)
}

// checkMappings walks the new tables for the addresses the kernel uses
// first
func (s *Stage) checkMappings() error {
	for virt, want := range map[uint64]uint64{
		s.ctx.Entry:       s.imageRegion.PhysicalStart + s.cfg.Kernel.EntryOffset,
		s.ctx.ArgsAddress: s.argsRegion.PhysicalStart,
	} {
		got, err := mmu.Walk(s.st.Memory, s.args.PageTableRoot, virt)
		if err != nil {
			return eleErr.Wrapf(err, eleErr.InvalidRegion, "kernel address %#x", virt)
		}
		if got != want {
			return eleErr.New(fmt.Sprintf("kernel address %#x maps to %#x, expected %#x", virt, got, want), eleErr.InvalidRegion)
		}
	}
	return nil
}
