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

package firmware

import (
	"io"

	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/kernelargs"
	"github.com/rancher/elemental-loader/pkg/mmu"
	"github.com/rancher/elemental-loader/pkg/types"
)

// CPU stands in for the boot processor. A jump does what the kernel would
// do first: it follows the new page tables to the entry point, the stack
// and the kernel args, and checks the args header.
type CPU struct {
	mem    io.ReaderAt
	logger types.Logger

	Root     uint64
	Entry    uint64
	StackTop uint64
	Args     *kernelargs.KernelArgs
	Entered  bool
}

// NewCPU returns a processor reading physical memory from mem
func NewCPU(mem io.ReaderAt, logger types.Logger) *CPU {
	return &CPU{mem: mem, logger: logger}
}

// LoadPageTable implements handoff.CPU
func (c *CPU) LoadPageTable(root uint64) {
	c.Root = root
}

// Jump implements handoff.CPU
func (c *CPU) Jump(entry, stackTop, args uint64) error {
	for _, virt := range []uint64{entry, stackTop - 1, args} {
		if _, err := mmu.Walk(c.mem, c.Root, virt); err != nil {
			return eleErr.Wrapf(err, eleErr.HandoffPrecondition, "kernel address %#x", virt)
		}
	}
	phys, _ := mmu.Walk(c.mem, c.Root, args)
	buf := make([]byte, kernelargs.Size)
	if _, err := c.mem.ReadAt(buf, int64(phys)); err != nil {
		return eleErr.Wrapf(err, eleErr.HandoffPrecondition, "reading kernel args")
	}
	ka := &kernelargs.KernelArgs{}
	if err := ka.UnmarshalBinary(buf); err != nil {
		return err
	}

	c.Entry, c.StackTop, c.Args = entry, stackTop, ka
	c.Entered = true
	c.logger.Infof("Entering kernel at %#x, stack %#x, args %#x", entry, stackTop, args)
	return nil
}
