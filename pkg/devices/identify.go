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
	"encoding/binary"

	efilib "github.com/canonical/go-efilib"

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/devicepath"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/kernelargs"
)

const checkSumBlock = 512

// Identify builds the identifier the kernel uses to find the boot disk
// again. GPT disks are identified by their disk GUID, anything else by
// sampling a few blocks.
func Identify(dev *DiscoveredDevice) (kernelargs.DiskIdentifier, error) {
	id := kernelargs.DiskIdentifier{
		BusType:    busType(dev),
		DeviceType: deviceType(dev),
		DeviceSize: uint64(dev.TotalSize),
	}

	disk := dev.Device()
	if table, err := ReadPartitionTable(disk); err == nil {
		id.UseUUID = true
		id.UUID = table.Hdr.DiskGUID
		return id, nil
	}

	block := make([]byte, checkSumBlock)
	for i := range id.CheckSums {
		off := CheckSumOffset(i, dev.TotalSize)
		if _, err := disk.ReadAt(block, off); err != nil {
			return id, eleErr.Wrapf(err, eleErr.InvalidInput, "sampling %s at %#x", dev.Path, off)
		}
		id.CheckSums[i].Offset = uint64(off)
		id.CheckSums[i].Sum = CheckSum(block)
	}
	return id, nil
}

// CheckSumOffset returns where the index-th sample of a disk of the given
// size is taken. Offsets are clamped to the last full block.
func CheckSumOffset(index int, size int64) int64 {
	var off int64
	switch {
	case index < 2:
		off = int64(index) * checkSumBlock
	case index < constants.DiskCheckSums-1:
		off = size/1024 + 4096 + int64(index-2)*2048
	default:
		off = (size / 2) &^ (checkSumBlock - 1)
	}
	if last := size - checkSumBlock; off > last {
		off = last &^ (checkSumBlock - 1)
	}
	if off < 0 {
		off = 0
	}
	return off
}

// CheckSum adds up the block as little endian 32 bit words
func CheckSum(block []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(block); i += 4 {
		sum += binary.LittleEndian.Uint32(block[i:])
	}
	return sum
}

func busType(dev *DiscoveredDevice) kernelargs.BusType {
	switch {
	case hasNode(dev, efilib.MessagingDevicePath, devicepath.MsgUSBSubType, devicepath.MsgUSBClassSubType, devicepath.MsgUSBWWIDSubType):
		return kernelargs.BusUSB
	case hasNode(dev, efilib.HardwareDevicePath, devicepath.HWPCISubType):
		return kernelargs.BusPCI
	case hasNode(dev, efilib.ACPIDevicePath):
		return kernelargs.BusLegacy
	}
	return kernelargs.BusUnknown
}

func deviceType(dev *DiscoveredDevice) kernelargs.DeviceType {
	last := dev.Path.Last()
	if !last.IsMessaging() {
		return kernelargs.DeviceUnknown
	}
	switch last.SubType() {
	case devicepath.MsgATAPISubType:
		if dev.BootMethod == kernelargs.BootMethodCD {
			return kernelargs.DeviceATAPI
		}
		return kernelargs.DeviceATA
	case devicepath.MsgSCSISubType:
		return kernelargs.DeviceSCSI
	case devicepath.MsgUSBSubType, devicepath.MsgUSBClassSubType, devicepath.MsgUSBWWIDSubType:
		return kernelargs.DeviceUSB
	case devicepath.MsgSATASubType:
		return kernelargs.DeviceSATA
	case devicepath.MsgNVMENamespaceSubType:
		return kernelargs.DeviceNVMe
	}
	return kernelargs.DeviceUnknown
}

func hasNode(dev *DiscoveredDevice, t devicepath.NodeType, subtypes ...devicepath.SubType) bool {
	_, ok := dev.Path.Find(t, subtypes...)
	return ok
}
