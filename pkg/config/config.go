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

package config

import (
	"github.com/twpayne/go-vfs/v4"

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/types"
)

type GenericOptions func(c *types.Config) error

func WithFs(fs types.FS) func(c *types.Config) error {
	return func(c *types.Config) error {
		c.Fs = fs
		return nil
	}
}

func WithLogger(logger types.Logger) func(c *types.Config) error {
	return func(c *types.Config) error {
		c.Logger = logger
		return nil
	}
}

func WithHaltAction(action string) func(c *types.Config) error {
	return func(c *types.Config) error {
		c.HaltAction = action
		return nil
	}
}

func WithStrategies(strategies ...string) func(c *types.Config) error {
	return func(c *types.Config) error {
		c.Discovery.Strategies = strategies
		return nil
	}
}

func WithHeapSize(size string) func(c *types.Config) error {
	return func(c *types.Config) error {
		s, err := types.ParseSize(size)
		c.Memory.HeapSize = s
		return err
	}
}

// NewConfig returns a sanitized configuration with defaults for anything
// the options leave unset. Nil is returned if an option or the resulting
// configuration is invalid.
func NewConfig(opts ...GenericOptions) *types.Config {
	log := types.NewLogger()

	c := &types.Config{
		Fs:         vfs.OSFS,
		Logger:     log,
		HaltAction: constants.HaltActionHalt,
		Firmware:   constants.FirmwareFile,
	}
	for _, o := range opts {
		err := o(c)
		if err != nil {
			log.Errorf("error applying config option: %s", err.Error())
			return nil
		}
	}

	if err := c.Sanitize(); err != nil {
		c.Logger.Errorf("invalid configuration: %s", err.Error())
		return nil
	}
	return c
}
