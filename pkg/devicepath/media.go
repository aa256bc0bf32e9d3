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

package devicepath

import (
	"encoding/binary"

	efilib "github.com/canonical/go-efilib"
)

// Subtypes of the hardware, messaging and media nodes the loader tells apart
const (
	HWPCISubType SubType = 0x01

	MsgATAPISubType         SubType = 0x01
	MsgSCSISubType          SubType = 0x02
	MsgUSBSubType           SubType = 0x05
	MsgUSBClassSubType      SubType = 0x0f
	MsgUSBWWIDSubType       SubType = 0x10
	MsgSATASubType          SubType = 0x12
	MsgNVMENamespaceSubType SubType = 0x17

	MediaHardDriveSubType SubType = 0x01
	MediaCDROMSubType     SubType = 0x02
)

// Media and messaging node layouts the loader reads directly
const (
	hdPartitionStart = headerSize + 4
	hdSignature      = headerSize + 20
	hdMBRType        = headerSize + 36
	hdSignatureType  = headerSize + 37
	hdNodeLength     = 42

	cdPartitionStart = headerSize + 4
	cdNodeLength     = 24

	signatureTypeGUID = 2
)

// IsMedia reports whether the node describes a partition or a file
func (n Node) IsMedia() bool {
	return n.Is(efilib.MediaDevicePath)
}

// IsMessaging reports whether the node describes a transport device
func (n Node) IsMessaging() bool {
	return n.Is(efilib.MessagingDevicePath)
}

// IsHardDrive reports whether the node is a hard drive partition node
func (n Node) IsHardDrive() bool {
	return n.Is(efilib.MediaDevicePath, MediaHardDriveSubType) && n.Length() >= hdNodeLength
}

// IsCDROM reports whether the node is an El Torito boot entry node
func (n Node) IsCDROM() bool {
	return n.Is(efilib.MediaDevicePath, MediaCDROMSubType) && n.Length() >= cdNodeLength
}

// GPTSignature returns the partition GUID of a GPT hard drive node
func (n Node) GPTSignature() (efilib.GUID, bool) {
	var guid efilib.GUID
	if !n.IsHardDrive() || n[hdSignatureType] != signatureTypeGUID {
		return guid, false
	}
	copy(guid[:], n[hdSignature:hdSignature+16])
	return guid, true
}

// PartitionStart returns the starting block of the partition when the path
// ends with a hard drive or CD-ROM node, 0 otherwise
func PartitionStart(p Path) uint64 {
	last := p.Last()
	switch {
	case last.IsHardDrive():
		return binary.LittleEndian.Uint64(last[hdPartitionStart:])
	case last.IsCDROM():
		return binary.LittleEndian.Uint64(last[cdPartitionStart:])
	}
	return 0
}
