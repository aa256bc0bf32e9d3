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

package devices

import (
	"errors"
	"fmt"
	"io"

	efilib "github.com/canonical/go-efilib"

	"github.com/rancher/elemental-loader/pkg/devicepath"
	"github.com/rancher/elemental-loader/pkg/efi"
	"github.com/rancher/elemental-loader/pkg/kernelargs"
)

// ErrReadOnly is returned when writing to read only media
var ErrReadOnly = errors.New("device is read only")

// Device is random access storage
type Device interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	BlockSize() int64
}

// DiscoveredDevice is a block device found through the firmware. Path is an
// owned copy, the rest is a snapshot of the media taken when it was opened.
type DiscoveredDevice struct {
	Handle         efi.Handle
	Path           devicepath.Path
	BlockSize      uint32
	TotalSize      int64
	ReadOnly       bool
	Removable      bool
	MediaPresent   bool
	BootMethod     kernelargs.BootMethod
	PartitionStart uint64

	io efi.BlockIO
}

// Device returns random access to the whole device
func (d *DiscoveredDevice) Device() *BlockDevice {
	return NewBlockDevice(d.io)
}

func (d *DiscoveredDevice) String() string {
	return fmt.Sprintf("%s (%d bytes, block size %d)", d.Path, d.TotalSize, d.BlockSize)
}

// BlockDevice turns block I/O into byte addressed access. Reads and writes
// not aligned to the block size go through a bounce buffer.
type BlockDevice struct {
	bio   efi.BlockIO
	media efi.Media
}

// NewBlockDevice snapshots the media of bio
func NewBlockDevice(bio efi.BlockIO) *BlockDevice {
	return &BlockDevice{bio: bio, media: bio.Media()}
}

// Size implements Device
func (b *BlockDevice) Size() int64 {
	return b.media.Size()
}

// BlockSize implements Device
func (b *BlockDevice) BlockSize() int64 {
	return int64(b.media.BlockSize)
}

// window returns the block span covering [off, off+n) clamped to the media
func (b *BlockDevice) window(off int64, n int) (lba uint64, buf []byte, skip int64, length int, err error) {
	if off < 0 {
		return 0, nil, 0, 0, fmt.Errorf("negative offset %d", off)
	}
	size := b.Size()
	if off >= size {
		return 0, nil, 0, 0, io.EOF
	}
	length = n
	if int64(length) > size-off {
		length = int(size - off)
	}
	bs := b.BlockSize()
	first := off / bs
	last := (off + int64(length) + bs - 1) / bs
	return uint64(first), make([]byte, (last-first)*bs), off - first*bs, length, nil
}

// ReadAt implements io.ReaderAt
func (b *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	lba, buf, skip, length, err := b.window(off, len(p))
	if err != nil {
		return 0, err
	}
	if err := b.bio.ReadBlocks(b.media.MediaID, lba, buf); err != nil {
		return 0, err
	}
	n := copy(p, buf[skip:skip+int64(length)])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt
func (b *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	if b.media.ReadOnly {
		return 0, ErrReadOnly
	}
	if len(p) == 0 {
		return 0, nil
	}
	lba, buf, skip, length, err := b.window(off, len(p))
	if err != nil {
		return 0, err
	}
	bs := b.BlockSize()
	if skip != 0 || int64(length)%bs != 0 {
		if err := b.bio.ReadBlocks(b.media.MediaID, lba, buf); err != nil {
			return 0, err
		}
	}
	n := copy(buf[skip:], p[:length])
	if err := b.bio.WriteBlocks(b.media.MediaID, lba, buf); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// PartitionDevice is a window of a parent device
type PartitionDevice struct {
	parent Device
	offset int64
	size   int64

	Number int
	Entry  *efilib.PartitionEntry
}

// NewPartitionDevice returns the window [offset, offset+size) of parent
func NewPartitionDevice(parent Device, offset, size int64) *PartitionDevice {
	return &PartitionDevice{parent: parent, offset: offset, size: size}
}

// Size implements Device
func (p *PartitionDevice) Size() int64 {
	return p.size
}

// BlockSize implements Device
func (p *PartitionDevice) BlockSize() int64 {
	return p.parent.BlockSize()
}

// Offset returns where the partition starts on its parent
func (p *PartitionDevice) Offset() int64 {
	return p.offset
}

func (p *PartitionDevice) clamp(n int, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= p.size {
		return 0, io.EOF
	}
	if int64(n) > p.size-off {
		return int(p.size - off), nil
	}
	return n, nil
}

// ReadAt implements io.ReaderAt
func (p *PartitionDevice) ReadAt(b []byte, off int64) (int, error) {
	n, err := p.clamp(len(b), off)
	if err != nil {
		return 0, err
	}
	read, err := p.parent.ReadAt(b[:n], p.offset+off)
	if err == nil && read < len(b) {
		err = io.EOF
	}
	return read, err
}

// WriteAt implements io.WriterAt
func (p *PartitionDevice) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.clamp(len(b), off)
	if err != nil {
		return 0, err
	}
	written, err := p.parent.WriteAt(b[:n], p.offset+off)
	if err == nil && written < len(b) {
		err = io.ErrShortWrite
	}
	return written, err
}

// ReadPartitionTable reads the primary GPT of dev
func ReadPartitionTable(dev Device) (*efilib.PartitionTable, error) {
	return efilib.ReadPartitionTable(dev, dev.Size(), dev.BlockSize(), efilib.PrimaryPartitionTable, true)
}

// Partitions returns a device per used GPT entry of dev
func Partitions(dev Device) ([]*PartitionDevice, error) {
	table, err := ReadPartitionTable(dev)
	if err != nil {
		return nil, err
	}
	var unused efilib.GUID
	bs := dev.BlockSize()
	var parts []*PartitionDevice
	for i, e := range table.Entries {
		if e.PartitionTypeGUID == unused {
			continue
		}
		part := NewPartitionDevice(dev, int64(e.StartingLBA)*bs, int64(e.EndingLBA-e.StartingLBA+1)*bs)
		part.Number = i + 1
		part.Entry = e
		parts = append(parts, part)
	}
	return parts, nil
}
