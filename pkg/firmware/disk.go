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

	"github.com/rancher/elemental-loader/pkg/efi"
)

// disk implements efi.BlockIO over a byte window of some storage
type disk struct {
	media   efi.Media
	storage interface {
		io.ReaderAt
		io.WriterAt
	}
	offset int64
}

func (d *disk) Media() efi.Media {
	return d.media
}

func (d *disk) check(mediaID uint32, lba uint64, buf []byte) (int64, error) {
	bs := uint64(d.media.BlockSize)
	switch {
	case !d.media.MediaPresent:
		return 0, efi.StatusNoMedia
	case mediaID != d.media.MediaID:
		return 0, efi.StatusMediaChanged
	case uint64(len(buf))%bs != 0:
		return 0, efi.StatusBadBufferSize
	case lba > d.media.LastBlock || lba+uint64(len(buf))/bs > d.media.LastBlock+1:
		return 0, efi.StatusInvalidParameter
	}
	return d.offset + int64(lba*bs), nil
}

func (d *disk) ReadBlocks(mediaID uint32, lba uint64, buf []byte) error {
	off, err := d.check(mediaID, lba, buf)
	if err != nil {
		return err
	}
	if _, err := d.storage.ReadAt(buf, off); err != nil {
		return efi.StatusDeviceError
	}
	return nil
}

func (d *disk) WriteBlocks(mediaID uint32, lba uint64, buf []byte) error {
	if d.media.ReadOnly {
		return efi.StatusWriteProtected
	}
	off, err := d.check(mediaID, lba, buf)
	if err != nil {
		return err
	}
	if _, err := d.storage.WriteAt(buf, off); err != nil {
		return efi.StatusDeviceError
	}
	return nil
}

// child returns a logical partition window of d
func (d *disk) child(startLBA, blocks uint64) *disk {
	media := d.media
	media.LogicalPartition = true
	media.LastBlock = blocks - 1
	return &disk{
		media:   media,
		storage: d.storage,
		offset:  d.offset + int64(startLBA*uint64(d.media.BlockSize)),
	}
}
