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

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/efi"
)

// MockBlockIO is a block device backed by a byte slice
type MockBlockIO struct {
	MediaInfo efi.Media
	Data      []byte
	ReadErr   error
	Reads     int
	Writes    int
}

// NewMockBlockIO returns present, writable media holding data
func NewMockBlockIO(data []byte, blockSize uint32) *MockBlockIO {
	var last uint64
	if n := uint64(len(data)) / uint64(blockSize); n > 0 {
		last = n - 1
	}
	return &MockBlockIO{
		MediaInfo: efi.Media{
			MediaID:      1,
			MediaPresent: len(data) > 0,
			BlockSize:    blockSize,
			LastBlock:    last,
		},
		Data: data,
	}
}

// Media implements efi.BlockIO
func (m *MockBlockIO) Media() efi.Media {
	return m.MediaInfo
}

func (m *MockBlockIO) check(mediaID uint32, lba uint64, buf []byte) (int, error) {
	bs := uint64(m.MediaInfo.BlockSize)
	switch {
	case !m.MediaInfo.MediaPresent:
		return 0, efi.StatusNoMedia
	case mediaID != m.MediaInfo.MediaID:
		return 0, efi.StatusMediaChanged
	case uint64(len(buf))%bs != 0:
		return 0, efi.StatusBadBufferSize
	case lba*bs+uint64(len(buf)) > uint64(len(m.Data)):
		return 0, efi.StatusInvalidParameter
	}
	return int(lba * bs), nil
}

// ReadBlocks implements efi.BlockIO
func (m *MockBlockIO) ReadBlocks(mediaID uint32, lba uint64, buf []byte) error {
	m.Reads++
	if m.ReadErr != nil {
		return m.ReadErr
	}
	off, err := m.check(mediaID, lba, buf)
	if err != nil {
		return err
	}
	copy(buf, m.Data[off:])
	return nil
}

// WriteBlocks implements efi.BlockIO
func (m *MockBlockIO) WriteBlocks(mediaID uint32, lba uint64, buf []byte) error {
	m.Writes++
	if m.MediaInfo.ReadOnly {
		return efi.StatusWriteProtected
	}
	off, err := m.check(mediaID, lba, buf)
	if err != nil {
		return err
	}
	copy(m.Data[off:], buf)
	return nil
}

// MockHandle is a block I/O handle. Handles are numbered from 1 in the
// order they were added.
type MockHandle struct {
	Path       []byte
	BlockIO    efi.BlockIO
	PathErr    error
	BlockIOErr error
}

// MockBootServices implements efi.BootServices. Allocations are handed out
// by a bump pointer, growing down from NextAlloc when TopDown is set the way
// EDK2 does. The memory map is whatever Map holds.
type MockBootServices struct {
	Handles   []*MockHandle
	LocateErr error
	Image     *efi.LoadedImage

	NextAlloc   uint64
	TopDown     bool
	AllocErr    error
	Allocations map[uint64]uint64
	Freed       []uint64

	Map    []efi.MemoryDescriptor
	MapKey uint64
	// ExitFailures makes that many ExitBootServices calls fail as if the
	// map changed under the caller
	ExitFailures int
	// GrowOnFailure appends a descriptor to the map on every such failure
	GrowOnFailure bool
	ExitErr       error
	MapErr        error
	Exited        bool

	LocateCalls       int
	GetMemoryMapCalls int
	ExitCalls         int
	MapBuffers        []*byte
}

func NewMockBootServices() *MockBootServices {
	return &MockBootServices{
		NextAlloc:   0x100000,
		Allocations: map[uint64]uint64{},
		MapKey:      1,
	}
}

// AddHandle registers a block I/O handle and returns it
func (m *MockBootServices) AddHandle(path []byte, bio efi.BlockIO) efi.Handle {
	m.Handles = append(m.Handles, &MockHandle{Path: path, BlockIO: bio})
	return efi.Handle(len(m.Handles))
}

func (m *MockBootServices) handle(h efi.Handle) (*MockHandle, error) {
	if h == 0 || int(h) > len(m.Handles) {
		return nil, efi.StatusInvalidParameter
	}
	return m.Handles[h-1], nil
}

// LocateHandle implements efi.BootServices
func (m *MockBootServices) LocateHandle(protocol efilib.GUID, handles []efi.Handle) (int, error) {
	m.LocateCalls++
	if m.LocateErr != nil {
		return 0, m.LocateErr
	}
	if protocol != efi.BlockIOProtocol || len(m.Handles) == 0 {
		return 0, efi.StatusNotFound
	}
	if len(handles) < len(m.Handles) {
		return len(m.Handles), efi.StatusBufferTooSmall
	}
	for i := range m.Handles {
		handles[i] = efi.Handle(i + 1)
	}
	return len(m.Handles), nil
}

// DevicePath implements efi.BootServices
func (m *MockBootServices) DevicePath(h efi.Handle) ([]byte, error) {
	mh, err := m.handle(h)
	if err != nil {
		return nil, err
	}
	if mh.PathErr != nil {
		return nil, mh.PathErr
	}
	return mh.Path, nil
}

// BlockIO implements efi.BootServices
func (m *MockBootServices) BlockIO(h efi.Handle) (efi.BlockIO, error) {
	mh, err := m.handle(h)
	if err != nil {
		return nil, err
	}
	if mh.BlockIOErr != nil {
		return nil, mh.BlockIOErr
	}
	if mh.BlockIO == nil {
		return nil, efi.StatusUnsupported
	}
	return mh.BlockIO, nil
}

// LoadedImage implements efi.BootServices
func (m *MockBootServices) LoadedImage(_ efi.Handle) (*efi.LoadedImage, error) {
	if m.Image == nil {
		return nil, efi.StatusUnsupported
	}
	return m.Image, nil
}

// AllocatePages implements efi.BootServices
func (m *MockBootServices) AllocatePages(t efi.AllocateType, _ efi.MemoryType, pages uint64, addr uint64) (uint64, error) {
	if m.AllocErr != nil {
		return 0, m.AllocErr
	}
	if t != efi.AllocateAddress {
		if m.TopDown {
			m.NextAlloc -= pages << constants.PageShift
			addr = m.NextAlloc
		} else {
			addr = m.NextAlloc
			m.NextAlloc += pages << constants.PageShift
		}
	}
	m.Allocations[addr] = pages
	return addr, nil
}

// FreePages implements efi.BootServices
func (m *MockBootServices) FreePages(addr uint64, pages uint64) error {
	if got, ok := m.Allocations[addr]; !ok || got != pages {
		return efi.StatusNotFound
	}
	delete(m.Allocations, addr)
	m.Freed = append(m.Freed, addr)
	return nil
}

// GetMemoryMap implements efi.BootServices
func (m *MockBootServices) GetMemoryMap(buf []byte) (efi.MapInfo, error) {
	m.GetMemoryMapCalls++
	info := efi.MapInfo{
		Size:              len(m.Map) * efi.DescriptorSize,
		Key:               m.MapKey,
		DescriptorSize:    efi.DescriptorSize,
		DescriptorVersion: efi.DescriptorVersion,
	}
	if m.MapErr != nil {
		return info, m.MapErr
	}
	if len(buf) < info.Size {
		return info, efi.StatusBufferTooSmall
	}
	if len(buf) > 0 {
		m.MapBuffers = append(m.MapBuffers, &buf[0])
	}
	for i, d := range m.Map {
		efi.PutDescriptor(buf[i*efi.DescriptorSize:], d)
	}
	return info, nil
}

// ExitBootServices implements efi.BootServices
func (m *MockBootServices) ExitBootServices(_ efi.Handle, key uint64) error {
	m.ExitCalls++
	if m.ExitErr != nil {
		return m.ExitErr
	}
	if key != m.MapKey {
		return efi.StatusInvalidParameter
	}
	if m.ExitFailures > 0 {
		m.ExitFailures--
		m.MapKey++
		if m.GrowOnFailure && len(m.Map) > 0 {
			last := m.Map[len(m.Map)-1]
			m.Map = append(m.Map, efi.MemoryDescriptor{
				Type:          efi.BootServicesData,
				PhysicalStart: last.PhysicalEnd(),
				NumberOfPages: 1,
			})
		}
		return efi.StatusInvalidParameter
	}
	m.Exited = true
	return nil
}
