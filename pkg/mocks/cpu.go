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

package mocks

// MockCPU records what the handoff asked the processor to do
type MockCPU struct {
	PageTableRoot uint64
	Entry         uint64
	StackTop      uint64
	Args          uint64
	Jumps         int
}

// LoadPageTable implements handoff.CPU
func (c *MockCPU) LoadPageTable(root uint64) {
	c.PageTableRoot = root
}

// Jump implements handoff.CPU. It returns where real hardware would not.
func (c *MockCPU) Jump(entry, stackTop, args uint64) error {
	c.Entry = entry
	c.StackTop = stackTop
	c.Args = args
	c.Jumps++
	return nil
}
