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
	"github.com/spf13/cobra"

	"github.com/rancher/elemental-loader/pkg/constants"
)

// addFirmwareFlag adds the flag selecting the firmware description
func addFirmwareFlag(cmd *cobra.Command) {
	cmd.Flags().String("firmware", "", "Firmware description file of the machine to boot (default: "+constants.FirmwareFile+")")
}

// addDiscoveryFlags adds flags related to boot device discovery
func addDiscoveryFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("strategy", nil, "Discovery strategies to run, in order (target, cdrom, sweep)")
}

// addStageFlags adds flags tuning the boot stage itself
func addStageFlags(cmd *cobra.Command) {
	cmd.Flags().String("halt-action", "", "What to do when the boot stage fails (halt or reset)")
	cmd.Flags().String("heap-size", "", "Size of the staging heap (e.g. 32MiB)")
}
