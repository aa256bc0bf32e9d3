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

// Package firmware simulates the machine the boot stage runs on: memory map
// bookkeeping, block devices with device paths, runtime variables and the
// configuration table, all described by a YAML file.
package firmware

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	efilib "github.com/canonical/go-efilib"
	"gopkg.in/yaml.v3"

	"github.com/rancher/elemental-loader/pkg/devicepath"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/types"
)

// Description is the YAML firmware description
type Description struct {
	Vendor       string              `yaml:"vendor,omitempty"`
	Memory       []RegionDescription `yaml:"memory"`
	Devices      []DeviceDescription `yaml:"devices,omitempty"`
	LoadOptions  string              `yaml:"load-options,omitempty"`
	BootCurrent  *BootOption         `yaml:"boot-current,omitempty"`
	ExitFailures int                 `yaml:"exit-failures,omitempty"`
	ACPI         *ACPIDescription    `yaml:"acpi,omitempty"`
}

// RegionDescription is a memory map entry
type RegionDescription struct {
	Type    string     `yaml:"type"`
	Start   types.Size `yaml:"start"`
	Size    types.Size `yaml:"size"`
	Runtime bool       `yaml:"runtime,omitempty"`
}

// DeviceDescription is a block device. Partitions and CD-ROM boot images
// show up as child handles with a media node appended to Path.
type DeviceDescription struct {
	Name         string                 `yaml:"name,omitempty"`
	Path         []NodeDescription      `yaml:"path"`
	BlockSize    uint32                 `yaml:"block-size,omitempty"`
	Size         types.Size             `yaml:"size"`
	Image        string                 `yaml:"image,omitempty"`
	MediaPresent *bool                  `yaml:"media-present,omitempty"`
	ReadOnly     bool                   `yaml:"read-only,omitempty"`
	Removable    bool                   `yaml:"removable,omitempty"`
	DiskGUID     string                 `yaml:"disk-guid,omitempty"`
	Partitions   []PartitionDescription `yaml:"partitions,omitempty"`
	CDROM        *CDROMDescription      `yaml:"cdrom,omitempty"`
}

// PartitionDescription is a GPT partition, Start is a block number
type PartitionDescription struct {
	GUID  string     `yaml:"guid"`
	Type  string     `yaml:"type,omitempty"`
	Name  string     `yaml:"name,omitempty"`
	Start uint64     `yaml:"start"`
	Size  types.Size `yaml:"size"`
}

// CDROMDescription is an El Torito boot image, Start is a block number
type CDROMDescription struct {
	BootEntry uint32     `yaml:"boot-entry,omitempty"`
	Start     uint64     `yaml:"start"`
	Size      types.Size `yaml:"size"`
}

// NodeDescription is a hardware, ACPI or messaging device path node
type NodeDescription struct {
	Type       string  `yaml:"type"`
	HID        string  `yaml:"hid,omitempty"`
	UID        uint32  `yaml:"uid,omitempty"`
	Device     uint8   `yaml:"device,omitempty"`
	Function   uint8   `yaml:"function,omitempty"`
	Port       uint16  `yaml:"port,omitempty"`
	Multiplier *uint16 `yaml:"multiplier,omitempty"`
	LUN        uint16  `yaml:"lun,omitempty"`
	Target     uint16  `yaml:"target,omitempty"`
	Namespace  uint32  `yaml:"namespace,omitempty"`
	ParentPort uint8   `yaml:"parent-port,omitempty"`
	Interface  uint8   `yaml:"interface,omitempty"`
	Secondary  bool    `yaml:"secondary,omitempty"`
	Slave      bool    `yaml:"slave,omitempty"`
}

// BootOption is the Boot#### entry BootCurrent points at
type BootOption struct {
	Number       uint16 `yaml:"number"`
	Description  string `yaml:"description,omitempty"`
	File         string `yaml:"file,omitempty"`
	OptionalData string `yaml:"optional-data,omitempty"`
}

// ACPIDescription places an ACPI root pointer in memory
type ACPIDescription struct {
	Address  types.Size `yaml:"address"`
	Revision uint8      `yaml:"revision,omitempty"`
}

// LoadDescription reads a firmware description from fs
func LoadDescription(fs types.FS, path string) (*Description, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, eleErr.Wrapf(err, eleErr.ReadFirmware, "reading firmware description")
	}
	return ParseDescription(data)
}

// ParseDescription decodes a YAML firmware description. Unknown keys are
// rejected.
func ParseDescription(data []byte) (*Description, error) {
	desc := &Description{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(desc); err != nil {
		return nil, eleErr.Wrapf(err, eleErr.ReadFirmware, "decoding firmware description")
	}
	if len(desc.Memory) == 0 {
		return nil, eleErr.New("firmware description has no memory", eleErr.ReadFirmware)
	}
	return desc, nil
}

// Descriptor converts the region into a memory descriptor
func (r RegionDescription) Descriptor() (efi.MemoryDescriptor, error) {
	t, err := efi.ParseMemoryType(r.Type)
	if err != nil {
		return efi.MemoryDescriptor{}, err
	}
	d := efi.MemoryDescriptor{
		Type:          t,
		PhysicalStart: r.Start.Bytes(),
		NumberOfPages: pages(r.Size.Bytes()),
		Attribute:     efi.MemoryWB,
	}
	if r.Runtime {
		d.Attribute |= efi.MemoryRuntime
	}
	return d, nil
}

// Node converts the description into a go-efilib node
func (n NodeDescription) Node() (efilib.DevicePathNode, error) {
	switch strings.ToLower(n.Type) {
	case "acpi":
		hid := n.HID
		if hid == "" {
			hid = "PNP0A03"
		}
		if len(hid) != 7 {
			return nil, fmt.Errorf("invalid ACPI hid '%s'", hid)
		}
		product, err := strconv.ParseUint(hid[3:], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid ACPI hid '%s': %w", hid, err)
		}
		id, err := efilib.NewEISAID(hid[:3], uint16(product))
		if err != nil {
			return nil, err
		}
		return &efilib.ACPIDevicePathNode{HID: id, UID: n.UID}, nil
	case "pci":
		return &efilib.PCIDevicePathNode{Device: n.Device, Function: n.Function}, nil
	case "sata":
		multiplier := uint16(0xffff)
		if n.Multiplier != nil {
			multiplier = *n.Multiplier
		}
		return &efilib.SATADevicePathNode{HBAPortNumber: n.Port, PortMultiplierPortNumber: multiplier, LUN: n.LUN}, nil
	case "nvme":
		ns := n.Namespace
		if ns == 0 {
			ns = 1
		}
		return &efilib.NVMENamespaceDevicePathNode{NamespaceID: ns}, nil
	case "scsi":
		return &efilib.SCSIDevicePathNode{PUN: n.Target, LUN: n.LUN}, nil
	case "usb":
		return &efilib.USBDevicePathNode{ParentPortNumber: n.ParentPort, InterfaceNumber: n.Interface}, nil
	case "atapi":
		node := &efilib.ATAPIDevicePathNode{LUN: n.LUN}
		if n.Secondary {
			node.Controller = efilib.ATAPIControllerSecondary
		}
		if n.Slave {
			node.Drive = efilib.ATAPIDriveSlave
		}
		return node, nil
	}
	return nil, fmt.Errorf("unknown device path node type '%s'", n.Type)
}

// DevicePath encodes the device path of the description
func (d DeviceDescription) DevicePath() (devicepath.Path, error) {
	var nodes efilib.DevicePath
	for _, nd := range d.Path {
		n, err := nd.Node()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return devicepath.Encode(nodes)
}

func (d DeviceDescription) present() bool {
	return d.MediaPresent == nil || *d.MediaPresent
}

func (d DeviceDescription) blockSize() uint32 {
	if d.BlockSize == 0 {
		return 512
	}
	return d.BlockSize
}

func pages(size uint64) uint64 {
	return (size + efiPageSize - 1) / efiPageSize
}
