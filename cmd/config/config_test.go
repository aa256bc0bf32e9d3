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

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	. "github.com/rancher/elemental-loader/cmd/config"
	"github.com/rancher/elemental-loader/pkg/constants"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/types"
)

func TestConfigSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config test suite")
}

func writeFile(path, data string) {
	Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(data), 0o644)).To(Succeed())
}

func mib(n uint64) types.Size {
	return types.Size(n * 1024 * 1024)
}

var _ = Describe("ReadConfig", Label("config"), func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "elemental-loader-config")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
		viper.Set("quiet", true)
	})
	AfterEach(func() {
		viper.Reset()
		for _, v := range []string{
			"ELEMENTAL_LOADER_HALT_ACTION",
			"ELEMENTAL_LOADER_MEMORY_HEAP_SIZE",
			"ELEMENTAL_LOADER_DISCOVERY_STRATEGIES",
		} {
			_ = os.Unsetenv(v)
		}
	})

	It("uses defaults without a config file", func() {
		cfg, err := ReadConfig(dir, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.HaltAction).To(Equal(constants.HaltActionHalt))
		Expect(cfg.Memory.HeapSize).To(Equal(mib(32)))
		Expect(cfg.Memory.ExitRetryWarn).To(Equal(constants.ExitRetryWarn))
		Expect(cfg.Discovery.Strategies).To(Equal(constants.GetDefaultStrategies()))
		Expect(cfg.Firmware).To(Equal(constants.FirmwareFile))
	})

	It("reads values from config.yaml", Label("path", "values"), func() {
		writeFile(filepath.Join(dir, "config.yaml"), `
halt-action: reset
firmware: /srv/machine.yaml
memory:
  heap-size: 64MiB
  exit-retry-warn: 4
kernel:
  stack-size: 32KiB
discovery:
  strategies: [cdrom, sweep]
`)
		cfg, err := ReadConfig(dir, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.HaltAction).To(Equal(constants.HaltActionReset))
		Expect(cfg.Firmware).To(Equal("/srv/machine.yaml"))
		Expect(cfg.Memory.HeapSize).To(Equal(mib(64)))
		Expect(cfg.Memory.ExitRetryWarn).To(Equal(4))
		Expect(cfg.Kernel.StackSize).To(Equal(types.Size(32 * 1024)))
		Expect(cfg.Discovery.Strategies).To(Equal([]string{"cdrom", "sweep"}))
	})

	It("lets config.d files override config.yaml", Label("path", "values"), func() {
		writeFile(filepath.Join(dir, "config.yaml"), "memory:\n  heap-size: 64MiB\n")
		writeFile(filepath.Join(dir, "config.d", "10-heap.yaml"), "memory:\n  heap-size: 16MiB\n")
		cfg, err := ReadConfig(dir, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Memory.HeapSize).To(Equal(mib(16)))
	})

	It("overrides values with env values", Label("env", "values"), func() {
		writeFile(filepath.Join(dir, "config.yaml"), "halt-action: reset\n")
		Expect(os.Setenv("ELEMENTAL_LOADER_HALT_ACTION", "halt")).To(Succeed())
		Expect(os.Setenv("ELEMENTAL_LOADER_DISCOVERY_STRATEGIES", "sweep,target")).To(Succeed())
		cfg, err := ReadConfig(dir, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.HaltAction).To(Equal(constants.HaltActionHalt))
		Expect(cfg.Discovery.Strategies).To(Equal([]string{"sweep", "target"}))
	})

	It("loads the env file", Label("env"), func() {
		envFile := filepath.Join(dir, "loader.env")
		writeFile(envFile, "ELEMENTAL_LOADER_MEMORY_HEAP_SIZE=8MiB\n")
		viper.Set("env-file", envFile)
		cfg, err := ReadConfig(dir, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Memory.HeapSize).To(Equal(mib(8)))
	})

	It("fails on a missing env file", Label("env"), func() {
		viper.Set("env-file", filepath.Join(dir, "missing.env"))
		_, err := ReadConfig(dir, nil)
		Expect(eleErr.Is(err, eleErr.ReadConfig)).To(BeTrue())
	})

	It("prefers flags that were set", Label("flags"), func() {
		writeFile(filepath.Join(dir, "config.yaml"), "halt-action: reset\nmemory:\n  heap-size: 64MiB\n")
		flags := pflag.NewFlagSet("testflags", pflag.ContinueOnError)
		flags.String("halt-action", "", "testing flag")
		flags.String("heap-size", "", "testing flag")
		flags.StringSlice("strategy", nil, "testing flag")
		Expect(flags.Set("heap-size", "4MiB")).To(Succeed())
		Expect(flags.Set("strategy", "cdrom")).To(Succeed())

		cfg, err := ReadConfig(dir, flags)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Memory.HeapSize).To(Equal(mib(4)))
		Expect(cfg.Discovery.Strategies).To(Equal([]string{"cdrom"}))
		// Unset flags keep the config file value
		Expect(cfg.HaltAction).To(Equal(constants.HaltActionReset))
	})

	It("fails on invalid values", func() {
		writeFile(filepath.Join(dir, "config.yaml"), "halt-action: explode\n")
		_, err := ReadConfig(dir, nil)
		Expect(err).To(HaveOccurred())
		Expect(eleErr.Is(err, eleErr.ReadConfig)).To(BeTrue())
	})

	It("fails on bad yaml config file", func() {
		writeFile(filepath.Join(dir, "config.yaml"), "memory: [\n")
		_, err := ReadConfig(dir, nil)
		Expect(eleErr.Is(err, eleErr.ReadConfig)).To(BeTrue())
	})
})
