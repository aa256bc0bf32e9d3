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
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	efilib "github.com/canonical/go-efilib"
)

const (
	gptEntries     = 128
	gptEntrySize   = 128
	gptHeaderSize  = 92
	mbrPartitions  = 446
	mbrProtective  = 0xee
	mbrSignatureAt = 510
)

// GPTPartition is a partition to lay out with WriteGPT. Start and End are
// inclusive logical block addresses.
type GPTPartition struct {
	Type  efilib.GUID
	GUID  efilib.GUID
	Start uint64
	End   uint64
	Name  string
}

// WriteGPT writes a protective MBR and a primary GUID partition table
func WriteGPT(w io.WriterAt, size, blockSize int64, disk efilib.GUID, parts []GPTPartition) error {
	lastLBA := uint64(size/blockSize) - 1
	entryBlocks := uint64((gptEntries*gptEntrySize + blockSize - 1) / blockSize)

	mbr := make([]byte, 512)
	entry := mbr[mbrPartitions:]
	entry[4] = mbrProtective
	binary.LittleEndian.PutUint32(entry[8:], 1)
	sectors := lastLBA
	if sectors > 0xffffffff {
		sectors = 0xffffffff
	}
	binary.LittleEndian.PutUint32(entry[12:], uint32(sectors))
	mbr[mbrSignatureAt], mbr[mbrSignatureAt+1] = 0x55, 0xaa
	if _, err := w.WriteAt(mbr, 0); err != nil {
		return err
	}

	entries := bytes.NewBuffer(make([]byte, 0, gptEntries*gptEntrySize))
	for _, p := range parts {
		e := efilib.PartitionEntry{
			PartitionTypeGUID:   p.Type,
			UniquePartitionGUID: p.GUID,
			StartingLBA:         efilib.LBA(p.Start),
			EndingLBA:           efilib.LBA(p.End),
			PartitionName:       p.Name,
		}
		if err := e.Write(entries); err != nil {
			return err
		}
	}
	entries.Write(make([]byte, gptEntries*gptEntrySize-entries.Len()))
	if _, err := w.WriteAt(entries.Bytes(), 2*blockSize); err != nil {
		return err
	}

	hdr := efilib.PartitionTableHeader{
		HeaderSize:               gptHeaderSize,
		MyLBA:                    1,
		AlternateLBA:             efilib.LBA(lastLBA),
		FirstUsableLBA:           efilib.LBA(2 + entryBlocks),
		LastUsableLBA:            efilib.LBA(lastLBA - 1 - entryBlocks),
		DiskGUID:                 disk,
		PartitionEntryLBA:        2,
		NumberOfPartitionEntries: gptEntries,
		SizeOfPartitionEntry:     gptEntrySize,
		PartitionEntryArrayCRC32: crc32.ChecksumIEEE(entries.Bytes()),
	}
	buf := new(bytes.Buffer)
	if err := hdr.Write(buf); err != nil {
		return err
	}
	_, err := w.WriteAt(buf.Bytes(), blockSize)
	return err
}
