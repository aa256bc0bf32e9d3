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
	"github.com/rancher/elemental-loader/pkg/firmware"
	"github.com/rancher/elemental-loader/pkg/types"
)

// loadMachine builds the simulated machine described by the configured
// firmware file
func loadMachine(cfg *types.Config) (*firmware.Machine, error) {
	desc, err := firmware.LoadDescription(cfg.Fs, cfg.Firmware)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Debugf("Loaded firmware description %s", cfg.Firmware)
	return firmware.NewMachine(desc, cfg.Fs, cfg.Logger)
}
