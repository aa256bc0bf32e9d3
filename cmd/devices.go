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
	"gopkg.in/yaml.v3"

	"github.com/rancher/elemental-loader/cmd/config"
	"github.com/rancher/elemental-loader/pkg/devices"
	"github.com/rancher/elemental-loader/pkg/efi"
	"github.com/rancher/elemental-loader/pkg/firmware"
)

// NewDevicesCmd returns a new instance of the devices subcommand and appends
// it to the root command.
func NewDevicesCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "devices",
		Short: "List the block devices of the machine and the one the boot stage would pick",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.ReadConfig(viper.GetString("config-dir"), cmd.Flags())
			if err != nil {
				return err
			}

			host, _ := cmd.Flags().GetBool("host")
			if host {
				devs, err := firmware.DevicesFromHost(cfg.Logger)
				if err != nil {
					cfg.Logger.Errorf("Error reading host block devices: %s", err)
					return err
				}
				out, err := yaml.Marshal(&firmware.Description{Devices: devs})
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), string(out))
				return nil
			}

			machine, err := loadMachine(cfg)
			if err != nil {
				cfg.Logger.Errorf("Error loading the firmware description: %s", err)
				return err
			}

			for _, h := range machine.Handles() {
				fmt.Fprintf(cmd.OutOrStdout(), "%#4x  %-10s %-9s %s\n", h.Handle, h.Name, mediaSummary(h.Media), h.Path)
			}

			st := machine.SystemTable()
			opts, err := efi.LoadOptions(st)
			if err != nil {
				cfg.Logger.Debugf("No load options: %s", err)
			}
			resolver := devices.NewResolver(devices.NewRegistry(st.Boot, cfg.Logger), cfg.Logger, cfg.Discovery.Strategies...)
			dev, err := resolver.Resolve(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Boot device: %#x %s (%s)\n", dev.Handle, dev.Path, dev.BootMethod)

			parts, err := devices.Partitions(dev.Device())
			if err != nil {
				cfg.Logger.Debugf("No partition table on the boot device: %s", err)
				return nil
			}
			for _, p := range parts {
				fmt.Fprintf(cmd.OutOrStdout(), "  partition %d %s %s %q\n", p.Number, p.Entry.UniquePartitionGUID, units.BytesSize(float64(p.Size())), p.Entry.PartitionName)
			}
			return nil
		},
	}
	root.AddCommand(c)
	addFirmwareFlag(c)
	addDiscoveryFlags(c)
	c.Flags().Bool("host", false, "Print the block devices of this host as a firmware description")
	return c
}

func mediaSummary(m efi.Media) string {
	switch {
	case !m.MediaPresent:
		return "no-media"
	case m.ReadOnly:
		return units.BytesSize(float64(m.Size())) + ",ro"
	}
	return units.BytesSize(float64(m.Size()))
}

// register the subcommand into rootCmd
var _ = NewDevicesCmd(rootCmd)
