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

package types

import (
	"fmt"

	"github.com/rancher/elemental-loader/pkg/constants"
)

// Config is the loader runtime configuration, shared by every command
type Config struct {
	Logger     Logger          `yaml:"-" mapstructure:"-"`
	Fs         FS              `yaml:"-" mapstructure:"-"`
	Memory     MemoryConfig    `yaml:"memory,omitempty" mapstructure:"memory"`
	Kernel     KernelConfig    `yaml:"kernel,omitempty" mapstructure:"kernel"`
	Discovery  DiscoveryConfig `yaml:"discovery,omitempty" mapstructure:"discovery"`
	HaltAction string          `yaml:"halt-action,omitempty" mapstructure:"halt-action"`
	Firmware   string          `yaml:"firmware,omitempty" mapstructure:"firmware"`
}

// MemoryConfig holds the boot stage memory settings
type MemoryConfig struct {
	HeapSize      Size `yaml:"heap-size,omitempty" mapstructure:"heap-size"`
	ExitRetryWarn int  `yaml:"exit-retry-warn,omitempty" mapstructure:"exit-retry-warn"`
}

// KernelConfig describes the kernel image placement
type KernelConfig struct {
	ImageSize   Size   `yaml:"image-size,omitempty" mapstructure:"image-size"`
	StackSize   Size   `yaml:"stack-size,omitempty" mapstructure:"stack-size"`
	EntryOffset uint64 `yaml:"entry-offset,omitempty" mapstructure:"entry-offset"`
}

// DiscoveryConfig sets which boot device discovery strategies run and in which order
type DiscoveryConfig struct {
	Strategies []string `yaml:"strategies,omitempty" mapstructure:"strategies"`
}

// Sanitize checks the consistency of the configuration and fills
// unset values with defaults
func (c *Config) Sanitize() error {
	if c.HaltAction == "" {
		c.HaltAction = constants.HaltActionHalt
	}
	switch c.HaltAction {
	case constants.HaltActionHalt, constants.HaltActionReset:
	default:
		return fmt.Errorf("invalid halt action '%s'", c.HaltAction)
	}

	if c.Memory.HeapSize == 0 {
		c.Memory.HeapSize, _ = ParseSize(constants.HeapSize)
	}
	if c.Memory.ExitRetryWarn <= 0 {
		c.Memory.ExitRetryWarn = constants.ExitRetryWarn
	}
	if c.Kernel.ImageSize == 0 {
		c.Kernel.ImageSize, _ = ParseSize(constants.KernelImageSize)
	}
	if c.Kernel.StackSize == 0 {
		c.Kernel.StackSize, _ = ParseSize(constants.KernelStackSize)
	}
	if c.Kernel.EntryOffset == 0 {
		c.Kernel.EntryOffset = constants.KernelEntryOffset
	}
	if c.Kernel.EntryOffset >= c.Kernel.ImageSize.Bytes() {
		return fmt.Errorf("kernel entry offset %#x is outside of the %s image", c.Kernel.EntryOffset, c.Kernel.ImageSize)
	}

	if len(c.Discovery.Strategies) == 0 {
		c.Discovery.Strategies = constants.GetDefaultStrategies()
	}
	seen := map[string]bool{}
	for _, s := range c.Discovery.Strategies {
		switch s {
		case constants.StrategyTarget, constants.StrategyCDROM, constants.StrategySweep:
		default:
			return fmt.Errorf("unknown discovery strategy '%s'", s)
		}
		if seen[s] {
			return fmt.Errorf("discovery strategy '%s' listed twice", s)
		}
		seen[s] = true
	}
	return nil
}
