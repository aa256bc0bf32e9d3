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

package cmd

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"

	eleErr "github.com/rancher/elemental-loader/pkg/error"
)

const testMemory = `
vendor: cmd test firmware
memory:
  - type: Conventional
    start: 0x1000
    size: 0x9e000
  - type: Conventional
    start: 0x100000
    size: 256MiB
  - type: RuntimeServicesData
    start: 0x10100000
    size: 64KiB
    runtime: true
`

const testDevices = `
devices:
  - name: disk0
    path:
      - type: pci
        device: 0x1f
        function: 2
      - type: sata
        port: 0
    size: 16MiB
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
`

// writeFirmware stores a firmware description in a temporary directory that
// also serves as an empty config dir
func writeFirmware(data string) (dir, path string) {
	dir, err := os.MkdirTemp("", "elemental-loader-cmd")
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(os.RemoveAll, dir)
	path = filepath.Join(dir, "firmware.yaml")
	Expect(os.WriteFile(path, []byte(data), 0o644)).To(Succeed())
	return dir, path
}

var _ = Describe("Boot", Label("boot", "cmd"), func() {
	BeforeEach(func() {
		rootCmd = NewRootCmd()
		_ = NewBootCmd(rootCmd)
	})
	AfterEach(func() {
		viper.Reset()
	})

	It("boots from the CD-ROM and dumps the kernel args", func() {
		dir, fw := writeFirmware(testMemory + testDevices)
		_, output, err := executeCommandC(rootCmd, "boot", "--quiet", "--config-dir", dir, "--firmware", fw, "--dump")
		Expect(err).ToNot(HaveOccurred())
		Expect(output).To(ContainSubstring("kernelargs.KernelArgs{"))
		Expect(output).To(ContainSubstring("BootMethod"))
	})

	It("halts with the exit code of the failure", func() {
		dir, fw := writeFirmware(testMemory)
		_, _, err := executeCommandC(rootCmd, "boot", "--quiet", "--config-dir", dir, "--firmware", fw)
		Expect(err).To(HaveOccurred())
		Expect(eleErr.Is(err, eleErr.NotFound)).To(BeTrue())
		Expect(exitCode(err)).To(Equal(eleErr.NotFound))
	})

	It("fails on a missing firmware description", func() {
		dir, _ := writeFirmware(testMemory)
		_, _, err := executeCommandC(rootCmd, "boot", "--quiet", "--config-dir", dir, "--firmware", filepath.Join(dir, "missing.yaml"))
		Expect(exitCode(err)).To(Equal(eleErr.ReadFirmware))
	})

	It("fails on an invalid halt action", Label("flags"), func() {
		dir, fw := writeFirmware(testMemory + testDevices)
		_, _, err := executeCommandC(rootCmd, "boot", "--quiet", "--config-dir", dir, "--firmware", fw, "--halt-action", "explode")
		Expect(exitCode(err)).To(Equal(eleErr.ReadConfig))
	})
})

var _ = Describe("Devices", Label("devices", "cmd"), func() {
	BeforeEach(func() {
		rootCmd = NewRootCmd()
		_ = NewDevicesCmd(rootCmd)
	})
	AfterEach(func() {
		viper.Reset()
	})

	It("lists handles and the resolved boot device", func() {
		dir, fw := writeFirmware(testMemory + testDevices)
		_, output, err := executeCommandC(rootCmd, "devices", "--quiet", "--config-dir", dir, "--firmware", fw)
		Expect(err).ToNot(HaveOccurred())
		Expect(output).To(ContainSubstring("disk0"))
		Expect(output).To(ContainSubstring("cd0"))
		Expect(output).To(ContainSubstring("Boot device:"))
		Expect(output).To(ContainSubstring("(cd)"))
	})

	It("honours the strategy flag", Label("flags"), func() {
		dir, fw := writeFirmware(testMemory + testDevices)
		_, _, err := executeCommandC(rootCmd, "devices", "--quiet", "--config-dir", dir, "--firmware", fw, "--strategy", "target")
		Expect(eleErr.Is(err, eleErr.NotFound)).To(BeTrue())
	})
})

var _ = Describe("Memmap", Label("memmap", "cmd"), func() {
	BeforeEach(func() {
		rootCmd = NewRootCmd()
		_ = NewMemmapCmd(rootCmd)
	})
	AfterEach(func() {
		viper.Reset()
	})

	It("prints the memory map", func() {
		dir, fw := writeFirmware(testMemory)
		_, output, err := executeCommandC(rootCmd, "memmap", "--quiet", "--config-dir", dir, "--firmware", fw)
		Expect(err).ToNot(HaveOccurred())
		Expect(output).To(ContainSubstring("Conventional"))
		Expect(output).To(ContainSubstring("RuntimeServicesData"))
		Expect(output).To(ContainSubstring("runtime"))
		Expect(output).To(ContainSubstring("Usable:"))
	})
})
