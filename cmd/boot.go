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

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rancher/elemental-loader/cmd/config"
	"github.com/rancher/elemental-loader/pkg/firmware"
	"github.com/rancher/elemental-loader/pkg/loader"
)

// NewBootCmd returns a new instance of the boot subcommand and appends it to
// the root command.
func NewBootCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "boot",
		Short: "Run the boot stage up to the kernel entry",
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

			cpu := firmware.NewCPU(machine, cfg.Logger)
			stage := loader.NewStage(cfg, machine.SystemTable(), cpu)
			if err = stage.Run(); err != nil {
				return stage.Halt(err)
			}

			dump, _ := cmd.Flags().GetBool("dump")
			if dump {
				fmt.Fprintln(cmd.OutOrStdout(), litter.Sdump(cpu.Args))
			}
			return nil
		},
	}
	root.AddCommand(c)
	addFirmwareFlag(c)
	addDiscoveryFlags(c)
	addStageFlags(c)
	c.Flags().Bool("dump", false, "Print the kernel args the kernel was entered with")
	return c
}

// register the subcommand into rootCmd
var _ = NewBootCmd(rootCmd)
