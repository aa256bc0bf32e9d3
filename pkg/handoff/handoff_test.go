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

package handoff_test

import (
	"bytes"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/handoff"
	"github.com/rancher/elemental-loader/pkg/kernelargs"
	"github.com/rancher/elemental-loader/pkg/mmu"
	"github.com/rancher/elemental-loader/pkg/mocks"
	"github.com/rancher/elemental-loader/pkg/types"
)

func TestHandoffSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Handoff test suite")
}

type fakeBuilder struct {
	root  uint64
	err   error
	calls int
	seen  int
}

func (f *fakeBuilder) Build(m *efi.MemoryMap) (uint64, error) {
	f.calls++
	f.seen = m.Len()
	return f.root, f.err
}

func descriptors(n int) []efi.MemoryDescriptor {
	var out []efi.MemoryDescriptor
	for i := 0; i < n; i++ {
		out = append(out, efi.MemoryDescriptor{
			Type:          efi.ConventionalMemory,
			PhysicalStart: uint64(i) << 20,
			NumberOfPages: 16,
		})
	}
	return out
}

var _ = Describe("Handoff", Label("handoff"), func() {
	var boot *mocks.MockBootServices
	var logger types.Logger
	var memLog *bytes.Buffer

	BeforeEach(func() {
		memLog = &bytes.Buffer{}
		logger = types.NewBufferLogger(memLog)
		logger.SetLevel(logrus.DebugLevel)
		boot = mocks.NewMockBootServices()
		boot.Map = descriptors(4)
	})

	Describe("Sequencer", Label("sequencer"), func() {
		var builder *fakeBuilder
		var seq *handoff.Sequencer

		BeforeEach(func() {
			builder = &fakeBuilder{root: 0x200000}
			seq = handoff.NewSequencer(boot, 0x10000, builder, logger)
		})

		It("exits on the first try with an unchanged map", func() {
			Expect(seq.Run()).To(Succeed())
			Expect(seq.State()).To(Equal(handoff.Exited))
			Expect(seq.PageTableRoot()).To(Equal(uint64(0x200000)))
			Expect(seq.Retries()).To(BeZero())
			Expect(boot.GetMemoryMapCalls).To(Equal(2))
			Expect(boot.Exited).To(BeTrue())
			Expect(builder.seen).To(Equal(4))
			Expect(seq.MemoryMap().Len()).To(Equal(4))
			Expect(seq.MemoryMap().Buffer).To(HaveLen(2 * 4 * efi.DescriptorSize))
		})
		It("re-reads the map into the same buffer on every rejected exit", func() {
			boot.ExitFailures = 3
			boot.GrowOnFailure = true

			Expect(seq.Run()).To(Succeed())
			Expect(seq.Retries()).To(Equal(3))
			Expect(boot.ExitCalls).To(Equal(4))
			Expect(boot.GetMemoryMapCalls).To(Equal(2 + 3))
			Expect(boot.MapBuffers).To(HaveLen(4))
			for _, b := range boot.MapBuffers {
				Expect(b).To(BeIdenticalTo(boot.MapBuffers[0]))
			}
			Expect(builder.calls).To(Equal(1))
			Expect(seq.MemoryMap().Len()).To(Equal(7))
			Expect(seq.MemoryMap().Key).To(Equal(boot.MapKey))
		})
		It("warns while firmware keeps rejecting the map", func() {
			boot.ExitFailures = 5
			seq.RetryWarn = 2
			Expect(seq.Run()).To(Succeed())
			Expect(memLog.String()).To(ContainSubstring("rejected the memory map 2 times"))
			Expect(memLog.String()).To(ContainSubstring("rejected the memory map 4 times"))
			Expect(memLog.String()).ToNot(ContainSubstring("rejected the memory map 5 times"))
		})
		It("fails when the map outgrows the buffer", func() {
			boot.Map = descriptors(1)
			boot.ExitFailures = 2
			boot.GrowOnFailure = true

			err := seq.Run()
			Expect(eleErr.Is(err, eleErr.ProtocolViolation)).To(BeTrue())
			Expect(efi.StatusOf(err)).To(Equal(efi.StatusBufferTooSmall))
			Expect(seq.State()).To(Equal(handoff.Fatal))
			Expect(seq.FailedIn()).To(Equal(handoff.Exiting))
			Expect(boot.Exited).To(BeFalse())
		})
		It("requires firmware to ask for a buffer first", func() {
			boot.Map = nil
			err := seq.Run()
			Expect(eleErr.Is(err, eleErr.ProtocolViolation)).To(BeTrue())
			Expect(seq.State()).To(Equal(handoff.Fatal))
			Expect(builder.calls).To(BeZero())
		})
		It("gives up on any other exit failure", func() {
			boot.ExitErr = efi.StatusDeviceError
			err := seq.Run()
			Expect(eleErr.Is(err, eleErr.ProtocolViolation)).To(BeTrue())
			Expect(boot.ExitCalls).To(Equal(1))
			Expect(seq.State()).To(Equal(handoff.Fatal))
			Expect(seq.FailedIn()).To(Equal(handoff.Exiting))
		})
		It("does not exit without page tables", func() {
			builder.err = eleErr.New("too much memory", eleErr.ResourceExhausted)
			err := seq.Run()
			Expect(eleErr.Is(err, eleErr.ResourceExhausted)).To(BeTrue())
			Expect(boot.ExitCalls).To(BeZero())
			Expect(seq.State()).To(Equal(handoff.Fatal))
			Expect(seq.FailedIn()).To(Equal(handoff.MapRead))
		})
		It("runs once", func() {
			Expect(seq.Run()).To(Succeed())
			Expect(eleErr.Is(seq.Run(), eleErr.ProtocolViolation)).To(BeTrue())
			Expect(handoff.Exited.String()).To(Equal("exited"))
		})
	})

	Describe("Enter", Label("enter"), func() {
		var alloc *mmu.Allocator
		var region mmu.Region
		var ctx *handoff.Context
		var cpu *mocks.MockCPU

		BeforeEach(func() {
			var err error
			alloc = mmu.NewAllocator(boot, logger)
			region, err = alloc.AllocateRegion(constants.PageSize)
			Expect(err).ToNot(HaveOccurred())

			args := kernelargs.New()
			args.PageTableRoot = 0x300000
			args.BootVolume = region.PhysicalStart + 0x100
			ctx = &handoff.Context{
				Args:        args,
				ArgsAddress: region.PhysicalStart,
				Entry:       constants.KernelLoadBase + constants.KernelEntryOffset,
				StackTop:    constants.KernelLoadBase + 0x10000,
			}
			cpu = &mocks.MockCPU{}
		})

		It("refuses to jump with loader addresses in the args", func() {
			err := handoff.Enter(cpu, ctx)
			Expect(eleErr.Is(err, eleErr.HandoffPrecondition)).To(BeTrue())
			Expect(cpu.Jumps).To(BeZero())
		})
		It("relocates the args once and jumps", func() {
			Expect(ctx.Relocate(alloc)).To(Succeed())
			Expect(ctx.Relocate(alloc)).To(Succeed())
			Expect(ctx.Relocated()).To(BeTrue())
			Expect(ctx.Args.BootVolume).To(Equal(constants.KernelLoadBase + 0x100))
			Expect(ctx.Args.DebugOutput).To(BeZero())
			Expect(ctx.ArgsAddress).To(Equal(constants.KernelLoadBase))

			Expect(handoff.Enter(cpu, ctx)).To(Succeed())
			Expect(cpu.PageTableRoot).To(Equal(uint64(0x300000)))
			Expect(cpu.Entry).To(Equal(constants.KernelLoadBase + constants.KernelEntryOffset))
			Expect(cpu.Args).To(Equal(constants.KernelLoadBase))
			Expect(cpu.Jumps).To(Equal(1))
		})
		It("needs page tables", func() {
			ctx.Args.PageTableRoot = 0
			Expect(ctx.Relocate(alloc)).To(Succeed())
			Expect(eleErr.Is(handoff.Enter(cpu, ctx), eleErr.HandoffPrecondition)).To(BeTrue())
		})
		It("stays unrelocated when a pointer is outside loader memory", func() {
			ctx.Args.DebugOutput = 0x1000
			err := ctx.Relocate(alloc)
			Expect(eleErr.Is(err, eleErr.InvalidRegion)).To(BeTrue())
			Expect(ctx.Relocated()).To(BeFalse())
		})
	})
})
