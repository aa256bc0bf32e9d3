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
	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"

	efilib "github.com/canonical/go-efilib"

	"github.com/rancher/elemental-loader/pkg/types"
)

// DevicesFromHost describes the block devices of the running host the way
// firmware would present them. Disk contents are not copied, only the
// geometry and the partition layout.
func DevicesFromHost(logger types.Logger) ([]DeviceDescription, error) {
	blockDevices, err := block.New(ghw.WithDisableTools(), ghw.WithDisableWarnings())
	if err != nil {
		return nil, err
	}

	var devices []DeviceDescription
	for i, d := range blockDevices.Disks {
		if d.SizeBytes == 0 {
			logger.Debugf("Skipping empty disk %s", d.Name)
			continue
		}
		bs := uint32(d.PhysicalBlockSizeBytes)
		if bs == 0 {
			bs = 512
		}
		dev := DeviceDescription{
			Name:      d.Name,
			Path:      hostPath(d, i),
			BlockSize: bs,
			Size:      types.Size(d.SizeBytes),
			Removable: d.IsRemovable,
		}
		for _, p := range d.Partitions {
			if _, err := efilib.DecodeGUIDString(p.UUID); err != nil {
				logger.Debugf("Skipping partition %s without a GPT identifier", p.Name)
				continue
			}
			dev.Partitions = append(dev.Partitions, PartitionDescription{
				GUID: p.UUID,
				Name: p.Name,
				Size: types.Size(p.SizeBytes),
			})
		}
		logger.Debugf("Imported host disk %s (%s, %d partitions)", d.Name, dev.Size, len(dev.Partitions))
		devices = append(devices, dev)
	}
	return devices, nil
}

// hostPath makes up a device path from the storage controller of the disk
func hostPath(d *block.Disk, index int) []NodeDescription {
	path := []NodeDescription{
		{Type: "acpi", HID: "PNP0A03"},
		{Type: "pci", Device: uint8(0x10 + index)},
	}
	switch d.StorageController.String() {
	case "SCSI":
		path = append(path, NodeDescription{Type: "sata", Port: uint16(index)})
	case "NVMe":
		path = append(path, NodeDescription{Type: "nvme", Namespace: 1})
	case "IDE":
		path = append(path, NodeDescription{Type: "atapi", Slave: index%2 == 1})
	case "virtio":
		path = append(path, NodeDescription{Type: "scsi", Target: uint16(index)})
	default:
		path = append(path, NodeDescription{Type: "usb", ParentPort: uint8(index)})
	}
	return path
}
