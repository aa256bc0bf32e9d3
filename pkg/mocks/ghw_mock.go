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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw/pkg/block"
	"github.com/jaypipes/ghw/pkg/context"
	"github.com/jaypipes/ghw/pkg/linuxpath"
)

// GhwMock presents fake host disks to ghw. ghw reads /sys/block and the
// udev database below the GHW_CHROOT directory, so the mock lays out those
// files in a temporary chroot for every disk and partition added.
type GhwMock struct {
	chroot string
	paths  *linuxpath.Paths
	disks  []block.Disk
}

// AddDisk adds a disk to GhwMock
func (g *GhwMock) AddDisk(disk block.Disk) {
	g.disks = append(g.disks, disk)
}

// AddPartitionToDisk adds a partition to the given disk and recreates all files
func (g *GhwMock) AddPartitionToDisk(diskName string, partition *block.Partition) {
	for i := range g.disks {
		if g.disks[i].Name == diskName {
			g.disks[i].Partitions = append(g.disks[i].Partitions, partition)
			g.Clean()
			g.CreateDevices()
		}
	}
}

// CreateDevices creates the chroot, points GHW_CHROOT at it and writes the
// sysfs and udev files of every disk and partition
func (g *GhwMock) CreateDevices() {
	d, _ := os.MkdirTemp("", "ghwmock")
	g.chroot = d
	ctx := context.New()
	ctx.Chroot = d
	g.paths = linuxpath.New(ctx)
	_ = os.Setenv("GHW_CHROOT", g.chroot)
	_ = os.MkdirAll(g.paths.SysBlock, 0755)
	_ = os.MkdirAll(g.paths.RunUdevData, 0755)
	procDir, _ := filepath.Split(g.paths.ProcMounts)
	_ = os.MkdirAll(procDir, 0755)
	_ = os.WriteFile(g.paths.ProcMounts, []byte{}, 0644)

	for indexDisk, disk := range g.disks {
		diskPath := filepath.Join(g.paths.SysBlock, disk.Name)
		_ = os.Mkdir(diskPath, 0755)
		// Sizes are published in 512 byte sectors
		_ = os.WriteFile(filepath.Join(diskPath, "size"), []byte(fmt.Sprintf("%d\n", disk.SizeBytes/512)), 0644)
		removable := "0"
		if disk.IsRemovable {
			removable = "1"
		}
		_ = os.WriteFile(filepath.Join(diskPath, "removable"), []byte(removable+"\n"), 0644)
		if disk.PhysicalBlockSizeBytes != 0 {
			_ = os.MkdirAll(filepath.Join(diskPath, "queue"), 0755)
			_ = os.WriteFile(filepath.Join(diskPath, "queue", "physical_block_size"), []byte(fmt.Sprintf("%d\n", disk.PhysicalBlockSizeBytes)), 0644)
		}
		for indexPart, partition := range disk.Partitions {
			partPath := filepath.Join(diskPath, partition.Name)
			_ = os.Mkdir(partPath, 0755)
			// major:minor of the partition, the key of its udev database entry
			_ = os.WriteFile(filepath.Join(partPath, "dev"), []byte(fmt.Sprintf("%d:6%d\n", indexDisk, indexPart)), 0644)
			_ = os.WriteFile(filepath.Join(partPath, "size"), []byte(fmt.Sprintf("%d\n", partition.SizeBytes/512)), 0644)
			data := []string{fmt.Sprintf("E:ID_FS_LABEL=%s\n", partition.FilesystemLabel)}
			if partition.Type != "" {
				data = append(data, fmt.Sprintf("E:ID_FS_TYPE=%s\n", partition.Type))
			}
			if partition.UUID != "" {
				data = append(data, fmt.Sprintf("E:ID_PART_ENTRY_UUID=%s\n", partition.UUID))
			}
			_ = os.WriteFile(filepath.Join(g.paths.RunUdevData, fmt.Sprintf("b%d:6%d", indexDisk, indexPart)), []byte(strings.Join(data, "")), 0644)
		}
	}
}

// Clean removes the chroot dir and unsets the env var
func (g *GhwMock) Clean() {
	_ = os.Unsetenv("GHW_CHROOT")
	_ = os.RemoveAll(g.chroot)
}
