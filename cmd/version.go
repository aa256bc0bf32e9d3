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

	"github.com/rancher/elemental-loader/internal/version"
	"github.com/rancher/elemental-loader/pkg/constants"
)

// NewVersionCmd returns the version subcommand. The long form also reports
// the kernel argument layout this build hands to the kernel, which has to
// match the kernel being booted.
func NewVersionCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "version",
		Args:  cobra.ExactArgs(0),
		Short: "Print the version and the kernel args layout",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			v := version.Get()
			commit := v.GitCommit
			if len(commit) > 7 {
				commit = commit[:7]
			}
			long, _ := cmd.Flags().GetBool("long")
			if !long {
				fmt.Fprintf(out, "%s+g%s (kernel args v%d)\n", v.Version, commit, constants.KernelArgsVersion)
				return
			}
			fmt.Fprintln(out, litter.Sdump(v))
			fmt.Fprintf(out, "Kernel args version: %d\n", constants.KernelArgsVersion)
			fmt.Fprintf(out, "Kernel args ranges: %d per list\n", constants.KernelArgsMaxRanges)
			fmt.Fprintf(out, "Physical map base: %#x\n", constants.PhysicalMapBase)
		},
	}
	root.AddCommand(c)
	c.Flags().Bool("long", false, "Show build details and the kernel args layout")
	return c
}

var _ = NewVersionCmd(rootCmd)
