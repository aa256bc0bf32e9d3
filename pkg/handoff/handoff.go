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

package handoff

import (
	"fmt"

	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/kernelargs"
)

// CPU is the processor the kernel is started on
type CPU interface {
	// LoadPageTable installs root as the top level page table
	LoadPageTable(root uint64)
	// Jump switches to the stack and calls entry with args. It does not
	// return on real hardware.
	Jump(entry, stackTop, args uint64) error
}

// Context is everything the kernel is entered with. Addresses are loader
// physical until Relocate runs, except Entry and StackTop which are
// already kernel virtual.
type Context struct {
	Args        *kernelargs.KernelArgs
	ArgsAddress uint64
	Entry       uint64
	StackTop    uint64

	relocated bool
}

// Relocate rewrites the pointers the kernel will follow into its own
// address space. It only runs once.
func (c *Context) Relocate(tr kernelargs.Translator) error {
	if c.relocated {
		return nil
	}
	if err := kernelargs.Relocate(c.Args, tr); err != nil {
		return err
	}
	virt, err := tr.BootloaderToKernel(c.ArgsAddress)
	if err != nil {
		return eleErr.Wrapf(err, eleErr.InvalidRegion, "relocating kernel args at %#x", c.ArgsAddress)
	}
	c.ArgsAddress = virt
	c.relocated = true
	return nil
}

// Relocated reports whether Relocate ran
func (c *Context) Relocated() bool {
	return c.relocated
}

// Enter loads the kernel page tables and jumps to the kernel. This is the
// last thing the loader does.
func Enter(cpu CPU, ctx *Context) error {
	switch {
	case !ctx.relocated:
		return eleErr.New("kernel args were not relocated", eleErr.HandoffPrecondition)
	case ctx.Args.PageTableRoot == 0:
		return eleErr.New("no page table root", eleErr.HandoffPrecondition)
	case ctx.Entry == 0 || ctx.StackTop == 0:
		return eleErr.New(fmt.Sprintf("bad kernel entry %#x or stack %#x", ctx.Entry, ctx.StackTop), eleErr.HandoffPrecondition)
	}
	cpu.LoadPageTable(ctx.Args.PageTableRoot)
	return cpu.Jump(ctx.Entry, ctx.StackTop, ctx.ArgsAddress)
}
