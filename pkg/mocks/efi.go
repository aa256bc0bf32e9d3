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

import (
	efilib "github.com/canonical/go-efilib"

	"github.com/rancher/elemental-loader/pkg/efi"
)

type mockEFIVariable struct {
	data  []byte
	attrs efilib.VariableAttributes
}

// MockRuntimeServices implements efi.RuntimeServices with an in-memory
// variable store
type MockRuntimeServices struct {
	store      map[efilib.VariableDescriptor]mockEFIVariable
	VirtualMap []efi.MemoryDescriptor
	MapErr     error
	Resets     []efi.ResetType
}

func NewMockRuntimeServices() *MockRuntimeServices {
	return &MockRuntimeServices{
		store: make(map[efilib.VariableDescriptor]mockEFIVariable),
	}
}

// GetVariable implements efi.RuntimeServices
func (m *MockRuntimeServices) GetVariable(guid efilib.GUID, name string) (data []byte, attrs efilib.VariableAttributes, err error) {
	out, ok := m.store[efilib.VariableDescriptor{Name: name, GUID: guid}]
	if !ok {
		return nil, 0, efi.StatusNotFound
	}
	return out.data, out.attrs, nil
}

// SetVariable stores a variable, empty data deletes it
func (m *MockRuntimeServices) SetVariable(guid efilib.GUID, name string, data []byte, attrs efilib.VariableAttributes) {
	if len(data) == 0 {
		delete(m.store, efilib.VariableDescriptor{Name: name, GUID: guid})
	} else {
		m.store[efilib.VariableDescriptor{Name: name, GUID: guid}] = mockEFIVariable{data, attrs}
	}
}

// SetVirtualAddressMap implements efi.RuntimeServices
func (m *MockRuntimeServices) SetVirtualAddressMap(mm *efi.MemoryMap) error {
	if m.MapErr != nil {
		return m.MapErr
	}
	m.VirtualMap = mm.Descriptors()
	return nil
}

// ResetSystem implements efi.RuntimeServices
func (m *MockRuntimeServices) ResetSystem(t efi.ResetType, _ efi.Status, _ []byte) {
	m.Resets = append(m.Resets, t)
}
