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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/elemental-loader/internal/version"
	"github.com/rancher/elemental-loader/pkg/constants"
)

var _ = Describe("Version", Label("version", "cmd"), func() {
	BeforeEach(func() {
		rootCmd = NewRootCmd()
		_ = NewVersionCmd(rootCmd)
	})
	It("reports the version with the kernel args version", func() {
		_, output, err := executeCommandC(rootCmd, "version")
		Expect(err).ToNot(HaveOccurred())
		Expect(output).To(HavePrefix(version.Get().Version + "+g"))
		Expect(output).To(ContainSubstring(fmt.Sprintf("(kernel args v%d)", constants.KernelArgsVersion)))
		Expect(output).ToNot(ContainSubstring("GoVersion"))
	})
	It("reports build details and the args layout in long format", Label("flags"), func() {
		_, output, err := executeCommandC(rootCmd, "version", "--long")
		Expect(err).ToNot(HaveOccurred())
		Expect(output).To(ContainSubstring("GitCommit"))
		Expect(output).To(ContainSubstring("GoVersion"))
		Expect(output).To(ContainSubstring("Kernel args version: 1"))
		Expect(output).To(ContainSubstring("Kernel args ranges: 32 per list"))
		Expect(output).To(ContainSubstring(fmt.Sprintf("Physical map base: %#x", constants.PhysicalMapBase)))
	})
	It("takes no arguments", func() {
		_, _, err := executeCommandC(rootCmd, "version", "now")
		Expect(err).To(HaveOccurred())
	})
})
