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

package loader_test

import (
	"bytes"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/rancher/elemental-loader/pkg/config"
	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/devicepath"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/firmware"
	"github.com/rancher/elemental-loader/pkg/handoff"
	"github.com/rancher/elemental-loader/pkg/kernelargs"
	"github.com/rancher/elemental-loader/pkg/loader"
	"github.com/rancher/elemental-loader/pkg/mmu"
	"github.com/rancher/elemental-loader/pkg/types"
)

func TestLoaderSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Loader test suite")
}

const memory = `
vendor: loader test firmware
memory:
  - type: Conventional
    start: 0x1000
    size: 0x9e000
  - type: Conventional
    start: 0x100000
    size: 512MiB
  - type: RuntimeServicesData
    start: 0x20100000
    size: 64KiB
    runtime: true
  - type: ACPIReclaim
    start: 0x20110000
    size: 64KiB
`

const disks = `
devices:
  - name: disk0
    path:
      - type: pci
        device: 0x1f
        function: 2
      - type: sata
        port: 0
    size: 16MiB
    disk-guid: 8c4e6a0e-4b6f-4f5e-9a8a-0b0c1d2e3f40
    partitions:
      - guid: 01234567-89ab-cdef-0123-456789abcdef
        name: boot
        size: 4MiB
  - name: cd0
    path:
      - type: pci
        device: 0x1f
        function: 1
      - type: atapi
        secondary: true
    block-size: 2048
    size: 8MiB
    read-only: true
    removable: true
    cdrom:
      start: 16
      size: 1MiB
acpi:
  address: 0xe0000
  revision: 2
`

func newMachine(extra string, logger types.Logger) *firmware.Machine {
	desc, err := firmware.ParseDescription([]byte(memory + extra))
	Expect(err).ToNot(HaveOccurred())
	m, err := firmware.NewMachine(desc, nil, logger)
	Expect(err).ToNot(HaveOccurred())
	return m
}

// brokenExit fails ExitBootServices the way firmware does after a
// partial teardown and counts boot services calls made past that point.
type brokenExit struct {
	*firmware.Machine
	exiting bool
	late    int
}

func (b *brokenExit) ExitBootServices(efi.Handle, uint64) error {
	b.exiting = true
	return efi.StatusDeviceError
}

func (b *brokenExit) FreePages(addr uint64, n uint64) error {
	if b.exiting {
		b.late++
	}
	return b.Machine.FreePages(addr, n)
}

func loaderData(m *firmware.Machine) []efi.MemoryDescriptor {
	var out []efi.MemoryDescriptor
	for _, d := range m.MemoryMap() {
		if d.Type == efi.LoaderData {
			out = append(out, d)
		}
	}
	return out
}

var _ = Describe("Boot stage", Label("loader", "stage"), func() {
	var logger types.Logger
	var memLog *bytes.Buffer
	var cfg *types.Config

	BeforeEach(func() {
		memLog = &bytes.Buffer{}
		logger = types.NewBufferLogger(memLog)
		logger.SetLevel(logrus.DebugLevel)
		cfg = config.NewConfig(config.WithLogger(logger))
		Expect(cfg).ToNot(BeNil())
	})

	It("boots from the target partition and enters the kernel", func() {
		machine := newMachine(disks+`
load-options: "quiet Target(01234567-89AB-CDEF-0123-456789ABCDEF)"
exit-failures: 2
`, logger)
		cpu := firmware.NewCPU(machine, logger)
		stage := loader.NewStage(cfg, machine.SystemTable(), cpu)

		Expect(stage.Run()).To(Succeed())
		Expect(machine.Exited()).To(BeTrue())
		Expect(cpu.Entered).To(BeTrue())

		// the stale key left by the page table allocations plus the injected failures
		Expect(stage.Sequencer().Retries()).To(Equal(3))
		Expect(stage.Sequencer().State()).To(Equal(handoff.Exited))

		args := cpu.Args
		Expect(args.Version).To(Equal(constants.KernelArgsVersion))
		Expect(args.BootMethod).To(Equal(kernelargs.BootMethodHardDisk))
		Expect(args.BootDisk.UseUUID).To(BeTrue())
		Expect(args.BootDisk.UUID.String()).To(Equal("8c4e6a0e-4b6f-4f5e-9a8a-0b0c1d2e3f40"))
		Expect(args.BootDisk.DeviceType).To(Equal(kernelargs.DeviceSATA))
		Expect(args.ACPIRoot).To(Equal(constants.PhysicalMapBase + 0xe0000))
		Expect(args.PhysicalMapBase).To(Equal(constants.PhysicalMapBase))
		Expect(args.KernelImage.Start).To(Equal(constants.KernelLoadBase))
		Expect(args.KernelImage.Size).To(Equal(uint64(4 << 20)))
		Expect(cpu.Entry).To(Equal(constants.KernelLoadBase + constants.KernelEntryOffset))
		Expect(cpu.StackTop).To(Equal(args.KernelStack.End()))
		Expect(args.VirtualAllocated.List()).To(HaveLen(1))
		Expect(args.PhysicalMemory.Total()).To(BeNumerically(">=", uint64(512<<20)))

		// pointers were relocated into the kernel address space
		Expect(args.BootVolume).To(BeNumerically(">=", constants.KernelLoadBase))
		phys, err := mmu.Walk(machine, cpu.Root, args.BootVolume)
		Expect(err).ToNot(HaveOccurred())
		path := make([]byte, len(stage.BootDevice().Path))
		_, err = machine.ReadAt(path, int64(phys))
		Expect(err).ToNot(HaveOccurred())
		Expect(devicepath.Compare(path, stage.BootDevice().Path, false)).To(BeTrue())

		var runtime []efi.MemoryDescriptor
		for _, d := range machine.VirtualMap() {
			if d.IsRuntime() {
				runtime = append(runtime, d)
			}
		}
		Expect(runtime).To(HaveLen(1))
		Expect(runtime[0].VirtualStart).To(Equal(constants.PhysicalMapBase + 0x20100000))
	})

	It("falls back to the CD-ROM", func() {
		machine := newMachine(disks, logger)
		cpu := firmware.NewCPU(machine, logger)
		stage := loader.NewStage(cfg, machine.SystemTable(), cpu)

		Expect(stage.Run()).To(Succeed())
		Expect(cpu.Args.BootMethod).To(Equal(kernelargs.BootMethodCD))
		Expect(cpu.Args.BootDisk.UseUUID).To(BeFalse())
		Expect(cpu.Args.BootDisk.DeviceType).To(Equal(kernelargs.DeviceATAPI))
		Expect(memLog.String()).To(ContainSubstring("Boot device found by cdrom strategy"))
	})

	It("releases the heap when there is nothing to boot", func() {
		machine := newMachine("", logger)
		stage := loader.NewStage(cfg, machine.SystemTable(), firmware.NewCPU(machine, logger))

		err := stage.Run()
		Expect(eleErr.Is(err, eleErr.NotFound)).To(BeTrue())
		Expect(machine.Exited()).To(BeFalse())
		Expect(loaderData(machine)).To(BeEmpty())
	})

	It("refuses machines with memory above the physical map", func() {
		desc, err := firmware.ParseDescription([]byte(memory + disks))
		Expect(err).ToNot(HaveOccurred())
		far, err := types.ParseSize("600GiB")
		Expect(err).ToNot(HaveOccurred())
		desc.Memory = append(desc.Memory, firmware.RegionDescription{Type: "Conventional", Start: far, Size: types.Size(1 << 30)})
		machine, err := firmware.NewMachine(desc, nil, logger)
		Expect(err).ToNot(HaveOccurred())
		stage := loader.NewStage(cfg, machine.SystemTable(), firmware.NewCPU(machine, logger))

		err = stage.Run()
		Expect(eleErr.Is(err, eleErr.ResourceExhausted)).To(BeTrue())
		Expect(machine.Exited()).To(BeFalse())
		Expect(stage.Sequencer().State()).To(Equal(handoff.Fatal))
		Expect(stage.Sequencer().FailedIn()).To(Equal(handoff.MapRead))
	})
	It("leaves the heap alone once exiting boot services failed", func() {
		machine := newMachine(disks, logger)
		boot := &brokenExit{Machine: machine}
		st := machine.SystemTable()
		st.Boot = boot
		stage := loader.NewStage(cfg, st, firmware.NewCPU(machine, logger))

		err := stage.Run()
		Expect(eleErr.Is(err, eleErr.ProtocolViolation)).To(BeTrue())
		Expect(efi.StatusOf(err)).To(Equal(efi.StatusDeviceError))
		Expect(boot.exiting).To(BeTrue())
		Expect(stage.Sequencer().FailedIn()).To(Equal(handoff.Exiting))
		Expect(boot.late).To(BeZero())
		Expect(loaderData(machine)).ToNot(BeEmpty())
	})

	Describe("Halt", Label("halt"), func() {
		It("halts by default", func() {
			machine := newMachine("", logger)
			stage := loader.NewStage(cfg, machine.SystemTable(), firmware.NewCPU(machine, logger))
			err := stage.Halt(eleErr.New("no kernel", eleErr.NotFound))
			Expect(eleErr.Is(err, eleErr.NotFound)).To(BeTrue())
			Expect(machine.Resets()).To(BeEmpty())
			Expect(memLog.String()).To(ContainSubstring("System halted"))
			Expect(stage.Halt(nil)).To(Succeed())
		})
		It("resets when asked to", func() {
			cfg.HaltAction = constants.HaltActionReset
			machine := newMachine("", logger)
			stage := loader.NewStage(cfg, machine.SystemTable(), firmware.NewCPU(machine, logger))
			err := stage.Halt(eleErr.New("bad args", eleErr.VersionMismatch))
			Expect(eleErr.Is(err, eleErr.VersionMismatch)).To(BeTrue())
			Expect(machine.Resets()).To(Equal([]efi.ResetType{efi.ResetCold}))
		})
	})
})
