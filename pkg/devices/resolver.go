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

package devices

import (
	"fmt"

	efilib "github.com/canonical/go-efilib"

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/devicepath"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/kernelargs"
	"github.com/rancher/elemental-loader/pkg/types"
)

// Resolver picks the boot device out of a registry
type Resolver struct {
	registry   *Registry
	logger     types.Logger
	strategies []string
}

// NewResolver returns a resolver trying strategies in order. No strategies
// means the default order.
func NewResolver(registry *Registry, logger types.Logger, strategies ...string) *Resolver {
	if len(strategies) == 0 {
		strategies = constants.GetDefaultStrategies()
	}
	return &Resolver{registry: registry, logger: logger, strategies: strategies}
}

// Resolve enumerates the block devices and walks the discovery strategies
// until one of them yields a device. Only NotFound and InvalidInput
// failures move on to the next strategy.
func (r *Resolver) Resolve(loadOptions []byte) (*DiscoveredDevice, error) {
	if err := r.registry.Enumerate(); err != nil {
		return nil, err
	}
	for _, s := range r.strategies {
		var dev *DiscoveredDevice
		var err error

		switch s {
		case constants.StrategyTarget:
			var target efilib.GUID
			target, err = ParseTarget(loadOptions)
			if err == nil {
				r.logger.Infof("Looking for boot target %s", target)
				dev, err = r.SelectBootDevice(&target)
			}
		case constants.StrategyCDROM:
			dev, err = r.SelectBootDevice(nil)
		case constants.StrategySweep:
			dev, err = r.Sweep()
		default:
			return nil, eleErr.New(fmt.Sprintf("unknown discovery strategy '%s'", s), eleErr.InvalidInput)
		}

		if err == nil {
			r.logger.Infof("Boot device found by %s strategy: %s", s, dev)
			return dev, nil
		}
		if !eleErr.Recoverable(err) {
			return nil, err
		}
		r.logger.Debugf("Strategy %s: %s", s, err)
	}
	return nil, eleErr.New("no boot device found", eleErr.NotFound)
}

// SelectBootDevice returns the transport device holding target. With no
// target the first CD-ROM with media present is returned.
func (r *Resolver) SelectBootDevice(target *efilib.GUID) (*DiscoveredDevice, error) {
	if target == nil {
		return r.selectCDROM()
	}

	for _, m := range r.registry.Media() {
		sig, ok := m.Path.Last().GPTSignature()
		if !ok || sig != *target {
			continue
		}
		transport, ok := r.registry.FindMessagingDeviceFor(m)
		if !ok {
			r.logger.Debugf("No transport for partition %s", m.Path)
			continue
		}
		dev, err := r.registry.Open(transport)
		if err != nil {
			r.logger.Debugf("%s", err)
			continue
		}
		dev.BootMethod = kernelargs.BootMethodHardDisk
		dev.PartitionStart = devicepath.PartitionStart(m.Path)
		return dev, nil
	}

	for _, m := range r.registry.Messaging() {
		dev, err := r.registry.Open(m)
		if err != nil || !dev.MediaPresent {
			continue
		}
		table, err := ReadPartitionTable(dev.Device())
		if err != nil {
			r.logger.Debugf("No partition table on %s: %s", m.Path, err)
			continue
		}
		if table.Hdr.DiskGUID == *target {
			dev.BootMethod = kernelargs.BootMethodHardDisk
			return dev, nil
		}
	}
	return nil, eleErr.New(fmt.Sprintf("boot target %s not found", target), eleErr.NotFound)
}

func (r *Resolver) selectCDROM() (*DiscoveredDevice, error) {
	for _, m := range r.registry.Media() {
		if !m.Path.Last().IsCDROM() {
			continue
		}
		transport, ok := r.registry.FindMessagingDeviceFor(m)
		if !ok {
			continue
		}
		dev, err := r.registry.Open(transport)
		if err != nil {
			r.logger.Debugf("%s", err)
			continue
		}
		if !dev.MediaPresent {
			r.logger.Debugf("No media in %s", transport.Path)
			continue
		}
		dev.BootMethod = kernelargs.BootMethodCD
		dev.PartitionStart = devicepath.PartitionStart(m.Path)
		return dev, nil
	}
	return nil, eleErr.New("no CD-ROM with media found", eleErr.NotFound)
}

// Sweep returns the first transport device with media present
func (r *Resolver) Sweep() (*DiscoveredDevice, error) {
	for _, m := range r.registry.Messaging() {
		dev, err := r.registry.Open(m)
		if err != nil {
			r.logger.Debugf("%s", err)
			continue
		}
		if dev.MediaPresent {
			dev.BootMethod = kernelargs.BootMethodHardDisk
			return dev, nil
		}
	}
	return nil, eleErr.New("no device with media found", eleErr.NotFound)
}
