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

package firmware_test

import (
	"bytes"
	"testing"

	efilib "github.com/canonical/go-efilib"
	"github.com/jaypipes/ghw/pkg/block"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-vfs/v4/vfst"

	"github.com/rancher/elemental-loader/pkg/devicepath"
	"github.com/rancher/elemental-loader/pkg/devices"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/firmware"
	"github.com/rancher/elemental-loader/pkg/mocks"
	"github.com/rancher/elemental-loader/pkg/types"
)

func TestFirmwareSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Simulated firmware test suite")
}

const description = `
vendor: test firmware
memory:
  - type: Conventional
    start: 0x100000
    size: 16MiB
  - type: RuntimeServicesData
    start: 0x2000000
    size: 64KiB
    runtime: true
  - type: Conventional
    start: 0x0
    size: 0x9f000
devices:
  - name: disk0
    path:
      - type: pci
        device: 0x1f
        function: 2
      - type: sata
        port: 0
    size: 8MiB
    disk-guid: 8c4e6a0e-4b6f-4f5e-9a8a-0b0c1d2e3f40
    partitions:
      - guid: 01234567-89ab-cdef-0123-456789abcdef
        name: boot
        size: 2MiB
  - name: cd0
    path:
      - type: pci
        device: 0x1f
        function: 1
      - type: atapi
        secondary: true
    block-size: 2048
    size: 4MiB
    read-only: true
    removable: true
    cdrom:
      start: 16
      size: 1MiB
load-options: "quiet Target(01234567-89AB-CDEF-0123-456789ABCDEF)"
boot-current:
  number: 3
  description: elemental
  optional-data: "Target(8c4e6a0e-4b6f-4f5e-9a8a-0b0c1d2e3f40)"
exit-failures: 2
acpi:
  address: 0xe0000
  revision: 2
`

var _ = Describe("Simulated firmware", Label("firmware"), func() {
	var machine *firmware.Machine
	var logger types.Logger
	var memLog *bytes.Buffer

	BeforeEach(func() {
		memLog = &bytes.Buffer{}
		logger = types.NewBufferLogger(memLog)
		logger.SetLevel(logrus.DebugLevel)
		desc, err := firmware.ParseDescription([]byte(description))
		Expect(err).ToNot(HaveOccurred())
		machine, err = firmware.NewMachine(desc, nil, logger)
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("Description", func() {
		It("rejects unknown keys", func() {
			_, err := firmware.ParseDescription([]byte("memory: []\nbogus: 1\n"))
			Expect(eleErr.Is(err, eleErr.ReadFirmware)).To(BeTrue())
		})
		It("requires memory", func() {
			_, err := firmware.ParseDescription([]byte("vendor: x\n"))
			Expect(eleErr.Is(err, eleErr.ReadFirmware)).To(BeTrue())
		})
		It("rejects unknown node types", func() {
			desc, err := firmware.ParseDescription([]byte(`
memory:
  - type: Conventional
    start: 0
    size: 1MiB
devices:
  - path:
      - type: firewire
    size: 1MiB
`))
			Expect(err).ToNot(HaveOccurred())
			_, err = firmware.NewMachine(desc, nil, logger)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("firewire"))
		})
		It("loads disk images through the filesystem", func() {
			fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
				"/images/disk.img": string(bytes.Repeat([]byte{0xa5}, 4096)),
				"/firmware.yaml": `
memory:
  - type: Conventional
    start: 0
    size: 1MiB
devices:
  - path:
      - type: nvme
    image: /images/disk.img
`,
			})
			Expect(err).ToNot(HaveOccurred())
			defer cleanup()

			desc, err := firmware.LoadDescription(fs, "/firmware.yaml")
			Expect(err).ToNot(HaveOccurred())
			m, err := firmware.NewMachine(desc, fs, logger)
			Expect(err).ToNot(HaveOccurred())
			handles := m.Handles()
			Expect(handles).To(HaveLen(1))
			Expect(handles[0].Media.Size()).To(Equal(int64(4096)))

			bio, err := m.BlockIO(handles[0].Handle)
			Expect(err).ToNot(HaveOccurred())
			buf := make([]byte, 512)
			Expect(bio.ReadBlocks(1, 7, buf)).To(Succeed())
			Expect(buf).To(Equal(bytes.Repeat([]byte{0xa5}, 512)))
			Expect(bio.ReadBlocks(1, 8, buf)).To(MatchError(efi.StatusInvalidParameter))
		})
		It("fails on missing descriptions", func() {
			fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{})
			Expect(err).ToNot(HaveOccurred())
			defer cleanup()
			_, err = firmware.LoadDescription(fs, "/firmware.yaml")
			Expect(eleErr.Is(err, eleErr.ReadFirmware)).To(BeTrue())
		})
	})

	Describe("Devices", func() {
		It("exposes disks, partitions and boot images as handles", func() {
			handles := machine.Handles()
			Expect(handles).To(HaveLen(4))
			Expect(handles[0].Name).To(Equal("disk0"))
			Expect(handles[1].Name).To(Equal("boot"))
			Expect(handles[1].Path.Last().IsHardDrive()).To(BeTrue())
			Expect(devicepath.Compare(handles[1].Path, handles[0].Path, true)).To(BeTrue())
			Expect(handles[3].Path.Last().IsCDROM()).To(BeTrue())
			Expect(devicepath.PartitionStart(handles[3].Path)).To(Equal(uint64(16)))
			Expect(handles[2].Media.ReadOnly).To(BeTrue())
		})
		It("negotiates the handle buffer size", func() {
			n, err := machine.LocateHandle(efi.BlockIOProtocol, nil)
			Expect(err).To(MatchError(efi.StatusBufferTooSmall))
			Expect(n).To(Equal(4))
			buf := make([]efi.Handle, n)
			n, err = machine.LocateHandle(efi.BlockIOProtocol, buf)
			Expect(err).ToNot(HaveOccurred())
			Expect(buf[:n]).To(Equal([]efi.Handle{1, 2, 3, 4}))
		})
		It("writes a readable GPT", func() {
			bio, err := machine.BlockIO(1)
			Expect(err).ToNot(HaveOccurred())
			table, err := devices.ReadPartitionTable(devices.NewBlockDevice(bio))
			Expect(err).ToNot(HaveOccurred())
			Expect(table.Hdr.DiskGUID).To(Equal(efilib.MakeGUID(0x8c4e6a0e, 0x4b6f, 0x4f5e, 0x9a8a, [...]uint8{0x0b, 0x0c, 0x1d, 0x2e, 0x3f, 0x40})))
			Expect(table.Entries[0].StartingLBA).To(Equal(efilib.LBA(2048)))
			Expect(table.Entries[0].PartitionName).To(Equal("boot"))
		})
		It("refuses writes to read only media", func() {
			bio, err := machine.BlockIO(3)
			Expect(err).ToNot(HaveOccurred())
			Expect(bio.WriteBlocks(1, 0, make([]byte, 2048))).To(MatchError(efi.StatusWriteProtected))
		})
	})

	Describe("Memory map", func() {
		It("carves allocations first fit in map order", func() {
			addr, err := machine.AllocatePages(efi.AllocateAnyPages, efi.LoaderData, 4, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(addr).To(Equal(uint64(0x100000)))
			m := machine.MemoryMap()
			Expect(m[0]).To(Equal(efi.MemoryDescriptor{Type: efi.LoaderData, PhysicalStart: 0x100000, NumberOfPages: 4, Attribute: efi.MemoryWB}))
			Expect(m[1].PhysicalStart).To(Equal(uint64(0x104000)))
			Expect(m[1].Type).To(Equal(efi.ConventionalMemory))
		})
		It("honours fixed and bounded allocations", func() {
			addr, err := machine.AllocatePages(efi.AllocateAddress, efi.LoaderCode, 1, 0x200000)
			Expect(err).ToNot(HaveOccurred())
			Expect(addr).To(Equal(uint64(0x200000)))
			_, err = machine.AllocatePages(efi.AllocateAddress, efi.LoaderCode, 1, 0x2000000)
			Expect(err).To(MatchError(efi.StatusNotFound))
			addr, err = machine.AllocatePages(efi.AllocateMaxAddress, efi.LoaderData, 1, 0xfffff)
			Expect(err).ToNot(HaveOccurred())
			Expect(addr).To(BeZero())
		})
		It("bumps the map key on every change", func() {
			info, err := machine.GetMemoryMap(nil)
			Expect(err).To(MatchError(efi.StatusBufferTooSmall))
			Expect(info.Size).To(Equal(3 * efi.DescriptorSize))
			addr, err := machine.AllocatePages(efi.AllocateAnyPages, efi.LoaderData, 1, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(machine.FreePages(addr, 1)).To(Succeed())
			Expect(machine.FreePages(addr, 1)).To(MatchError(efi.StatusNotFound))
			after, _ := machine.GetMemoryMap(nil)
			Expect(after.Key).To(Equal(info.Key + 2))
		})
		It("runs out of memory", func() {
			_, err := machine.AllocatePages(efi.AllocateAnyPages, efi.LoaderData, 1<<20, 0)
			Expect(err).To(MatchError(efi.StatusOutOfResources))
		})
	})

	Describe("ExitBootServices", func() {
		exit := func() error {
			info, _ := machine.GetMemoryMap(nil)
			buf := make([]byte, 2*info.Size)
			info, err := machine.GetMemoryMap(buf)
			Expect(err).ToNot(HaveOccurred())
			return machine.ExitBootServices(firmware.ImageHandle, info.Key)
		}

		It("fails the configured number of times", func() {
			Expect(exit()).To(MatchError(efi.StatusInvalidParameter))
			Expect(exit()).To(MatchError(efi.StatusInvalidParameter))
			Expect(exit()).To(Succeed())
			Expect(machine.Exited()).To(BeTrue())
			Expect(memLog.String()).To(ContainSubstring("Memory map changed before exit"))
		})
		It("rejects stale keys", func() {
			Expect(machine.ExitBootServices(firmware.ImageHandle, 42)).To(MatchError(efi.StatusInvalidParameter))
		})
		It("turns boot services off", func() {
			for exit() != nil {
			}
			_, err := machine.AllocatePages(efi.AllocateAnyPages, efi.LoaderData, 1, 0)
			Expect(err).To(MatchError(efi.StatusUnsupported))
			_, err = machine.LocateHandle(efi.BlockIOProtocol, nil)
			Expect(err).To(MatchError(efi.StatusUnsupported))
			_, _, err = machine.GetVariable(efilib.GlobalVariable, "BootCurrent")
			Expect(err).ToNot(HaveOccurred())
		})
		It("only switches to virtual mode after exit", func() {
			mm := &efi.MemoryMap{}
			Expect(machine.SetVirtualAddressMap(mm)).To(MatchError(efi.StatusUnsupported))
		})
	})

	Describe("Tables and variables", func() {
		It("publishes a valid ACPI root pointer", func() {
			st := machine.SystemTable()
			Expect(st.FirmwareVendor).To(Equal("test firmware"))
			addr, err := efi.FindRSDP(st.ConfigurationTables, st.Memory)
			Expect(err).ToNot(HaveOccurred())
			Expect(addr).To(Equal(uint64(0xe0000)))
		})
		It("prefers the loaded image options", func() {
			opts, err := efi.LoadOptions(machine.SystemTable())
			Expect(err).ToNot(HaveOccurred())
			target, ok := devices.ResolveExplicitTarget(opts)
			Expect(ok).To(BeTrue())
			Expect(target.String()).To(Equal("01234567-89ab-cdef-0123-456789abcdef"))
		})
		It("requests resets", func() {
			machine.ResetSystem(efi.ResetCold, efi.StatusDeviceError, nil)
			Expect(machine.Resets()).To(Equal([]efi.ResetType{efi.ResetCold}))
		})
	})

	It("keeps physical memory sparse", func() {
		mem := firmware.NewMemory()
		_, err := mem.WriteAt([]byte{1, 2, 3}, 0x1ffe)
		Expect(err).ToNot(HaveOccurred())
		Expect(mem.Pages()).To(Equal(2))
		buf := make([]byte, 6)
		_, err = mem.ReadAt(buf, 0x1ffc)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf).To(Equal([]byte{0, 0, 1, 2, 3, 0}))
		_, err = mem.ReadAt(buf, 0x7fff0000)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf).To(Equal(make([]byte, 6)))
	})
})

var _ = Describe("Host import", Label("firmware", "ghw"), func() {
	var ghwTest mocks.GhwMock

	BeforeEach(func() {
		ghwTest = mocks.GhwMock{}
		ghwTest.AddDisk(block.Disk{
			Name:      "sda",
			SizeBytes: 1 << 30,
			Partitions: []*block.Partition{
				{Name: "sda1", SizeBytes: 64 << 20, UUID: "01234567-89ab-cdef-0123-456789abcdef"},
				{Name: "sda2", SizeBytes: 64 << 20},
			},
		})
		ghwTest.CreateDevices()
	})
	AfterEach(func() {
		ghwTest.Clean()
	})

	It("describes host disks as firmware devices", func() {
		devs, err := firmware.DevicesFromHost(types.NewNullLogger())
		Expect(err).ToNot(HaveOccurred())
		Expect(devs).To(HaveLen(1))
		Expect(devs[0].Name).To(Equal("sda"))
		Expect(devs[0].Size.Bytes()).To(Equal(uint64(1 << 30)))
		Expect(devs[0].BlockSize).To(Equal(uint32(512)))
		Expect(devs[0].Path[len(devs[0].Path)-1].Type).To(Equal("sata"))
		// Partitions without a GPT identifier are left out
		Expect(devs[0].Partitions).To(HaveLen(1))
		Expect(devs[0].Partitions[0].GUID).To(Equal("01234567-89ab-cdef-0123-456789abcdef"))
	})
})
