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
	"fmt"
	"slices"

	efilib "github.com/canonical/go-efilib"

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/devicepath"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/types"
)

const (
	efiPageSize = constants.PageSize

	// ImageHandle is the handle of the running loader image
	ImageHandle efi.Handle = 0x10000

	defaultLoaderPath = "\\EFI\\elemental\\loader.efi"
)

// Linux filesystem data
var defaultPartitionType = efilib.MakeGUID(0x0fc63daf, 0x8483, 0x4772, 0x8e79, [...]uint8{0x3d, 0x69, 0xd8, 0x47, 0x7d, 0xe4})

// Handle describes a block I/O handle of the machine
type Handle struct {
	Handle efi.Handle
	Name   string
	Path   devicepath.Path
	Media  efi.Media
}

type handle struct {
	name string
	path devicepath.Path
	bio  *disk
}

// Machine is a simulated EFI machine. It implements the boot services, the
// runtime services and physical memory access the loader runs against.
type Machine struct {
	logger types.Logger
	vendor string
	memory *Memory

	regions []efi.MemoryDescriptor
	mapKey  uint64

	handles []*handle
	image   *efi.LoadedImage
	vars    map[efilib.VariableDescriptor][]byte
	tables  []efi.ConfigurationTable

	exitFailures int
	exited       bool
	virtualMap   []efi.MemoryDescriptor
	resets       []efi.ResetType
}

// NewMachine builds a machine from its description. Disk images are read
// from fs.
func NewMachine(desc *Description, fs types.FS, logger types.Logger) (*Machine, error) {
	m := &Machine{
		logger:       logger,
		vendor:       desc.Vendor,
		memory:       NewMemory(),
		mapKey:       1,
		vars:         map[efilib.VariableDescriptor][]byte{},
		exitFailures: desc.ExitFailures,
	}
	if m.vendor == "" {
		m.vendor = "Elemental simulated firmware"
	}

	for i, r := range desc.Memory {
		d, err := r.Descriptor()
		if err != nil {
			return nil, eleErr.Wrapf(err, eleErr.ReadFirmware, "memory entry %d", i)
		}
		m.regions = append(m.regions, d)
	}

	for i, d := range desc.Devices {
		if err := m.addDevice(d, fs); err != nil {
			return nil, eleErr.Wrapf(err, eleErr.ReadFirmware, "device %d", i)
		}
	}

	m.image = &efi.LoadedImage{LoadOptions: ucs2(desc.LoadOptions)}
	if len(m.handles) > 0 {
		m.image.DeviceHandle = 1
	}

	if desc.BootCurrent != nil {
		if err := m.addBootOption(desc.BootCurrent); err != nil {
			return nil, eleErr.Wrapf(err, eleErr.ReadFirmware, "boot option")
		}
	}

	if desc.ACPI != nil {
		guid := efi.ACPI10TableGUID
		if desc.ACPI.Revision >= 2 {
			guid = efi.ACPI20TableGUID
		}
		if err := writeRSDP(m.memory, desc.ACPI.Address.Bytes(), desc.ACPI.Revision); err != nil {
			return nil, eleErr.Wrapf(err, eleErr.ReadFirmware, "writing ACPI root pointer")
		}
		m.tables = append(m.tables, efi.ConfigurationTable{VendorGUID: guid, Table: desc.ACPI.Address.Bytes()})
	}
	return m, nil
}

func (m *Machine) addDevice(d DeviceDescription, fs types.FS) error {
	path, err := d.DevicePath()
	if err != nil {
		return err
	}
	bs := uint64(d.blockSize())
	storage := NewMemory()
	size := d.Size.Bytes()
	if d.Image != "" {
		data, err := fs.ReadFile(d.Image)
		if err != nil {
			return err
		}
		_, _ = storage.WriteAt(data, 0)
		if size == 0 {
			size = uint64(len(data))
		}
	}
	size = size / bs * bs

	media := efi.Media{
		MediaID:        1,
		RemovableMedia: d.Removable,
		MediaPresent:   d.present() && size > 0,
		ReadOnly:       d.ReadOnly,
		BlockSize:      uint32(bs),
	}
	if size > 0 {
		media.LastBlock = size/bs - 1
	}
	parent := &disk{media: media, storage: storage}
	m.addHandle(d.Name, path, parent)

	if d.DiskGUID != "" || len(d.Partitions) > 0 {
		if err := m.addPartitions(d, path, parent); err != nil {
			return err
		}
	}

	if d.CDROM != nil {
		blocks := d.CDROM.Size.Bytes() / bs
		if blocks == 0 || d.CDROM.Start+blocks > size/bs {
			return fmt.Errorf("cdrom image does not fit the media")
		}
		child, err := appendNode(path, &efilib.CDROMDevicePathNode{
			BootEntry:      d.CDROM.BootEntry,
			PartitionStart: d.CDROM.Start,
			PartitionSize:  blocks,
		})
		if err != nil {
			return err
		}
		m.addHandle(d.Name+"-cdrom", child, parent.child(d.CDROM.Start, blocks))
	}
	return nil
}

func (m *Machine) addPartitions(d DeviceDescription, path devicepath.Path, parent *disk) error {
	var diskGUID efilib.GUID
	if d.DiskGUID != "" {
		g, err := efilib.DecodeGUIDString(d.DiskGUID)
		if err != nil {
			return err
		}
		diskGUID = g
	}

	bs := uint64(parent.media.BlockSize)
	next := uint64(2048)
	var parts []GPTPartition
	for i, p := range d.Partitions {
		guid, err := efilib.DecodeGUIDString(p.GUID)
		if err != nil {
			return fmt.Errorf("partition %d: %w", i, err)
		}
		ptype := defaultPartitionType
		if p.Type != "" {
			if ptype, err = efilib.DecodeGUIDString(p.Type); err != nil {
				return fmt.Errorf("partition %d: %w", i, err)
			}
		}
		start := p.Start
		if start == 0 {
			start = next
		}
		blocks := p.Size.Bytes() / bs
		if blocks == 0 || start+blocks > parent.media.LastBlock {
			return fmt.Errorf("partition %d does not fit the disk", i)
		}
		next = start + blocks

		parts = append(parts, GPTPartition{Type: ptype, GUID: guid, Start: start, End: start + blocks - 1, Name: p.Name})
		child, err := appendNode(path, &efilib.HardDriveDevicePathNode{
			PartitionNumber: uint32(i + 1),
			PartitionStart:  start,
			PartitionSize:   blocks,
			Signature:       efilib.GUIDHardDriveSignature(guid),
			MBRType:         efilib.GPT,
		})
		if err != nil {
			return err
		}
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("%s-part%d", d.Name, i+1)
		}
		m.addHandle(name, child, parent.child(start, blocks))
	}

	size := int64(parent.media.LastBlock+1) * int64(bs)
	return WriteGPT(parent.storage, size, int64(bs), diskGUID, parts)
}

func (m *Machine) addHandle(name string, path devicepath.Path, bio *disk) {
	m.handles = append(m.handles, &handle{name: name, path: path, bio: bio})
}

func (m *Machine) addBootOption(opt *BootOption) error {
	file := opt.File
	if file == "" {
		file = defaultLoaderPath
	}
	lo := &efilib.LoadOption{
		Attributes:   efilib.LoadOptionActive,
		Description:  opt.Description,
		FilePath:     efilib.DevicePath{efilib.NewFilePathDevicePathNode(file)},
		OptionalData: ucs2(opt.OptionalData),
	}
	data, err := lo.Bytes()
	if err != nil {
		return err
	}
	current := make([]byte, 2)
	binary.LittleEndian.PutUint16(current, opt.Number)
	m.SetVariable(efilib.GlobalVariable, constants.BootCurrentName, current)
	m.SetVariable(efilib.GlobalVariable, efi.BootOptionName(opt.Number), data)
	return nil
}

func appendNode(path devicepath.Path, node efilib.DevicePathNode) (devicepath.Path, error) {
	decoded, err := path.Decode()
	if err != nil {
		return nil, err
	}
	return devicepath.Encode(append(decoded, node))
}

func ucs2(s string) []byte {
	if s == "" {
		return nil
	}
	units := efilib.ConvertUTF8ToUCS2(s)
	out := make([]byte, 2*len(units)+2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2*i:], u)
	}
	return out
}

func writeRSDP(mem *Memory, addr uint64, revision uint8) error {
	length := 20
	if revision >= 2 {
		length = 36
	}
	b := make([]byte, length)
	copy(b, "RSD PTR ")
	copy(b[9:15], "ELEMNT")
	b[15] = revision
	if revision >= 2 {
		binary.LittleEndian.PutUint32(b[20:], uint32(length))
	}
	b[8] = -checksum(b[:20])
	if revision >= 2 {
		b[32] = -checksum(b)
	}
	_, err := mem.WriteAt(b, int64(addr))
	return err
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// SystemTable returns the table handed to the loader entry point
func (m *Machine) SystemTable() *efi.SystemTable {
	return &efi.SystemTable{
		ImageHandle:         ImageHandle,
		FirmwareVendor:      m.vendor,
		FirmwareRevision:    0x10000,
		Boot:                m,
		Runtime:             m,
		Memory:              m,
		ConfigurationTables: m.tables,
	}
}

// Handles lists the block I/O handles in firmware order
func (m *Machine) Handles() []Handle {
	out := make([]Handle, 0, len(m.handles))
	for i, h := range m.handles {
		out = append(out, Handle{Handle: efi.Handle(i + 1), Name: h.name, Path: h.path, Media: h.bio.media})
	}
	return out
}

// MemoryMap returns the current memory map
func (m *Machine) MemoryMap() []efi.MemoryDescriptor {
	return slices.Clone(m.regions)
}

// Exited reports whether boot services were terminated
func (m *Machine) Exited() bool {
	return m.exited
}

// VirtualMap returns the map passed to SetVirtualAddressMap, if any
func (m *Machine) VirtualMap() []efi.MemoryDescriptor {
	return m.virtualMap
}

// Resets returns the resets requested so far
func (m *Machine) Resets() []efi.ResetType {
	return m.resets
}

// ReadAt implements efi.PhysicalMemory
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	return m.memory.ReadAt(p, off)
}

// WriteAt implements efi.PhysicalMemory
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	return m.memory.WriteAt(p, off)
}

func (m *Machine) handle(h efi.Handle) (*handle, error) {
	if m.exited {
		return nil, efi.StatusUnsupported
	}
	if h == 0 || int(h) > len(m.handles) {
		return nil, efi.StatusInvalidParameter
	}
	return m.handles[h-1], nil
}

// LocateHandle implements efi.BootServices
func (m *Machine) LocateHandle(protocol efilib.GUID, handles []efi.Handle) (int, error) {
	if m.exited {
		return 0, efi.StatusUnsupported
	}
	if (protocol != efi.BlockIOProtocol && protocol != efi.DevicePathProtocol) || len(m.handles) == 0 {
		return 0, efi.StatusNotFound
	}
	if len(handles) < len(m.handles) {
		return len(m.handles), efi.StatusBufferTooSmall
	}
	for i := range m.handles {
		handles[i] = efi.Handle(i + 1)
	}
	return len(m.handles), nil
}

// DevicePath implements efi.BootServices
func (m *Machine) DevicePath(h efi.Handle) ([]byte, error) {
	hd, err := m.handle(h)
	if err != nil {
		return nil, err
	}
	return hd.path, nil
}

// BlockIO implements efi.BootServices
func (m *Machine) BlockIO(h efi.Handle) (efi.BlockIO, error) {
	hd, err := m.handle(h)
	if err != nil {
		return nil, err
	}
	return hd.bio, nil
}

// LoadedImage implements efi.BootServices
func (m *Machine) LoadedImage(h efi.Handle) (*efi.LoadedImage, error) {
	if m.exited {
		return nil, efi.StatusUnsupported
	}
	if h != ImageHandle {
		return nil, efi.StatusUnsupported
	}
	return m.image, nil
}

// AllocatePages implements efi.BootServices. Pages are carved first fit out
// of conventional memory, in map order.
func (m *Machine) AllocatePages(t efi.AllocateType, memType efi.MemoryType, n uint64, addr uint64) (uint64, error) {
	if m.exited {
		return 0, efi.StatusUnsupported
	}
	if n == 0 {
		return 0, efi.StatusInvalidParameter
	}
	size := n * efiPageSize
	for i, r := range m.regions {
		if r.Type != efi.ConventionalMemory {
			continue
		}
		start := r.PhysicalStart
		switch t {
		case efi.AllocateAnyPages:
			if r.NumberOfPages < n {
				continue
			}
		case efi.AllocateMaxAddress:
			if r.NumberOfPages < n || start+size-1 > addr {
				continue
			}
		case efi.AllocateAddress:
			if addr < r.PhysicalStart || addr+size > r.PhysicalEnd() {
				continue
			}
			start = addr
		default:
			return 0, efi.StatusInvalidParameter
		}
		m.carve(i, start, n, memType)
		m.mapKey++
		return start, nil
	}
	if t == efi.AllocateAddress {
		return 0, efi.StatusNotFound
	}
	return 0, efi.StatusOutOfResources
}

func (m *Machine) carve(i int, start, n uint64, memType efi.MemoryType) {
	r := m.regions[i]
	var out []efi.MemoryDescriptor
	if start > r.PhysicalStart {
		head := r
		head.NumberOfPages = (start - r.PhysicalStart) / efiPageSize
		out = append(out, head)
	}
	out = append(out, efi.MemoryDescriptor{Type: memType, PhysicalStart: start, NumberOfPages: n, Attribute: r.Attribute})
	if end := start + n*efiPageSize; end < r.PhysicalEnd() {
		tail := r
		tail.PhysicalStart = end
		tail.NumberOfPages = (r.PhysicalEnd() - end) / efiPageSize
		out = append(out, tail)
	}
	m.regions = slices.Replace(m.regions, i, i+1, out...)
	m.coalesce()
}

// coalesce merges neighbouring descriptors of the same kind, the way
// firmware keeps its map short
func (m *Machine) coalesce() {
	out := m.regions[:1]
	for _, r := range m.regions[1:] {
		last := &out[len(out)-1]
		if last.Type == r.Type && last.Attribute == r.Attribute && last.PhysicalEnd() == r.PhysicalStart {
			last.NumberOfPages += r.NumberOfPages
			continue
		}
		out = append(out, r)
	}
	m.regions = out
}

// FreePages implements efi.BootServices. The pages must lie within a
// single allocated region.
func (m *Machine) FreePages(addr uint64, n uint64) error {
	if m.exited {
		return efi.StatusUnsupported
	}
	end := addr + n*efiPageSize
	for i, r := range m.regions {
		if r.Type == efi.ConventionalMemory || r.IsRuntime() {
			continue
		}
		if addr >= r.PhysicalStart && end <= r.PhysicalEnd() && n > 0 {
			m.carve(i, addr, n, efi.ConventionalMemory)
			m.mapKey++
			return nil
		}
	}
	return efi.StatusNotFound
}

// GetMemoryMap implements efi.BootServices
func (m *Machine) GetMemoryMap(buf []byte) (efi.MapInfo, error) {
	if m.exited {
		return efi.MapInfo{}, efi.StatusUnsupported
	}
	info := efi.MapInfo{
		Size:              len(m.regions) * efi.DescriptorSize,
		Key:               m.mapKey,
		DescriptorSize:    efi.DescriptorSize,
		DescriptorVersion: efi.DescriptorVersion,
	}
	if len(buf) < info.Size {
		return info, efi.StatusBufferTooSmall
	}
	for i, d := range m.regions {
		efi.PutDescriptor(buf[i*efi.DescriptorSize:], d)
	}
	return info, nil
}

// ExitBootServices implements efi.BootServices. Injected failures behave
// like a firmware event allocating memory between GetMemoryMap and exit.
func (m *Machine) ExitBootServices(image efi.Handle, key uint64) error {
	if m.exited {
		return efi.StatusUnsupported
	}
	if image != ImageHandle || key != m.mapKey {
		return efi.StatusInvalidParameter
	}
	if m.exitFailures > 0 {
		m.exitFailures--
		if _, err := m.AllocatePages(efi.AllocateAnyPages, efi.BootServicesData, 1, 0); err != nil {
			m.mapKey++
		}
		m.logger.Debugf("Memory map changed before exit, new key %d", m.mapKey)
		return efi.StatusInvalidParameter
	}
	m.exited = true
	m.logger.Debugf("Boot services terminated")
	return nil
}

// GetVariable implements efi.RuntimeServices
func (m *Machine) GetVariable(guid efilib.GUID, name string) ([]byte, efilib.VariableAttributes, error) {
	data, ok := m.vars[efilib.VariableDescriptor{Name: name, GUID: guid}]
	if !ok {
		return nil, 0, efi.StatusNotFound
	}
	return bytes.Clone(data), efilib.AttributeBootserviceAccess | efilib.AttributeRuntimeAccess, nil
}

// SetVariable stores a variable
func (m *Machine) SetVariable(guid efilib.GUID, name string, data []byte) {
	m.vars[efilib.VariableDescriptor{Name: name, GUID: guid}] = data
}

// SetVirtualAddressMap implements efi.RuntimeServices. It may only be
// called once, after boot services are gone.
func (m *Machine) SetVirtualAddressMap(mm *efi.MemoryMap) error {
	if !m.exited || m.virtualMap != nil {
		return efi.StatusUnsupported
	}
	descs := mm.Descriptors()
	for _, d := range descs {
		if d.IsRuntime() && d.VirtualStart == 0 {
			return efi.StatusInvalidParameter
		}
	}
	m.virtualMap = descs
	return nil
}

// ResetSystem implements efi.RuntimeServices
func (m *Machine) ResetSystem(t efi.ResetType, status efi.Status, _ []byte) {
	m.logger.Warnf("System reset requested (type %d, status %s)", t, status)
	m.resets = append(m.resets, t)
}
