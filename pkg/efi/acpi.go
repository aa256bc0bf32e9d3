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

package efi

import (
	"fmt"
	"io"

	efilib "github.com/canonical/go-efilib"

	eleErr "github.com/rancher/elemental-loader/pkg/error"
)

const (
	rsdpSignature = "RSD PTR "
	// ACPI 1.0 part of the RSDP covered by the first checksum
	rsdpV1Length = 20
)

// FindRSDP returns the physical address of the ACPI root system description
// pointer. The ACPI 2.0 table is preferred over the 1.0 one.
func FindRSDP(tables []ConfigurationTable, mem io.ReaderAt) (uint64, error) {
	for _, guid := range []efilib.GUID{ACPI20TableGUID, ACPI10TableGUID} {
		for _, t := range tables {
			if t.VendorGUID != guid {
				continue
			}
			if err := checkRSDP(mem, t.Table); err != nil {
				return 0, err
			}
			return t.Table, nil
		}
	}
	return 0, eleErr.New("no ACPI root pointer in the configuration table", eleErr.NotFound)
}

func checkRSDP(mem io.ReaderAt, addr uint64) error {
	buf := make([]byte, rsdpV1Length)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return eleErr.Wrapf(err, eleErr.InvalidInput, "reading RSDP at %#x", addr)
	}
	if string(buf[:len(rsdpSignature)]) != rsdpSignature {
		return eleErr.New(fmt.Sprintf("bad RSDP signature at %#x", addr), eleErr.InvalidInput)
	}
	var sum byte
	for _, b := range buf {
		sum += b
	}
	if sum != 0 {
		return eleErr.New(fmt.Sprintf("bad RSDP checksum at %#x", addr), eleErr.InvalidInput)
	}
	return nil
}
