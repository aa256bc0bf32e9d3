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
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rancher/elemental-loader/cmd/config"
)

// NewMemmapCmd returns a new instance of the memmap subcommand and appends
// it to the root command.
func NewMemmapCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "memmap",
		Short: "Print the firmware memory map of the machine",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.ReadConfig(viper.GetString("config-dir"), cmd.Flags())
			if err != nil {
				return err
			}

			machine, err := loadMachine(cfg)
			if err != nil {
				cfg.Logger.Errorf("Error loading the firmware description: %s", err)
				return err
			}

			var usable uint64
			for _, d := range machine.MemoryMap() {
				flags := ""
				if d.IsRuntime() {
					flags = "runtime"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%#016x-%#016x %-22s %10s %s\n", d.PhysicalStart, d.PhysicalEnd(), d.Type, units.BytesSize(float64(d.Size())), flags)
				if d.IsUsable() {
					usable += d.Size()
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Usable: %s\n", units.BytesSize(float64(usable)))
			return nil
		},
	}
	root.AddCommand(c)
	addFirmwareFlag(c)
	return c
}

// register the subcommand into rootCmd
var _ = NewMemmapCmd(rootCmd)
