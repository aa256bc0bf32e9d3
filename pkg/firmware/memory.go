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
	"fmt"

	"github.com/rancher/elemental-loader/pkg/constants"
)

// Memory is sparse, zero filled, byte addressable storage. Pages are only
// backed once written, so it serves both as physical memory and as the
// contents of large simulated disks.
type Memory struct {
	pages map[uint64][]byte
}

// NewMemory returns empty memory
func NewMemory() *Memory {
	return &Memory{pages: map[uint64][]byte{}}
}

// ReadAt implements io.ReaderAt
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative address %d", off)
	}
	addr := uint64(off)
	for n := 0; n < len(p); {
		page, in := addr>>constants.PageShift, addr&(constants.PageSize-1)
		chunk := p[n:]
		if rest := int(constants.PageSize - in); len(chunk) > rest {
			chunk = chunk[:rest]
		}
		if data, ok := m.pages[page]; ok {
			copy(chunk, data[in:])
		} else {
			clear(chunk)
		}
		n += len(chunk)
		addr += uint64(len(chunk))
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative address %d", off)
	}
	addr := uint64(off)
	for n := 0; n < len(p); {
		page, in := addr>>constants.PageShift, addr&(constants.PageSize-1)
		data, ok := m.pages[page]
		if !ok {
			data = make([]byte, constants.PageSize)
			m.pages[page] = data
		}
		c := copy(data[in:], p[n:])
		n += c
		addr += uint64(c)
	}
	return len(p), nil
}

// Pages returns how many pages are backed
func (m *Memory) Pages() int {
	return len(m.pages)
}
