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
	"bytes"
	"encoding/binary"
	"fmt"

	efilib "github.com/canonical/go-efilib"

	"github.com/rancher/elemental-loader/pkg/constants"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
)

// LoadOptions returns the options the running image was started with. When
// the loaded image carries none, the optional data of the Boot#### entry
// named by BootCurrent is used instead.
func LoadOptions(st *SystemTable) ([]byte, error) {
	img, err := st.Boot.LoadedImage(st.ImageHandle)
	if err == nil && len(img.LoadOptions) > 0 {
		return img.LoadOptions, nil
	}

	current, _, err := st.Runtime.GetVariable(efilib.GlobalVariable, constants.BootCurrentName)
	if err != nil {
		return nil, eleErr.Wrapf(err, eleErr.NotFound, "reading %s", constants.BootCurrentName)
	}
	if len(current) < 2 {
		return nil, eleErr.New(fmt.Sprintf("short %s variable", constants.BootCurrentName), eleErr.InvalidInput)
	}
	name := BootOptionName(binary.LittleEndian.Uint16(current))

	data, _, err := st.Runtime.GetVariable(efilib.GlobalVariable, name)
	if err != nil {
		return nil, eleErr.Wrapf(err, eleErr.NotFound, "reading %s", name)
	}
	opt, err := efilib.ReadLoadOption(bytes.NewReader(data))
	if err != nil {
		return nil, eleErr.Wrapf(err, eleErr.InvalidInput, "decoding %s", name)
	}
	return opt.OptionalData, nil
}

// BootOptionName returns the variable name of boot entry n
func BootOptionName(n uint16) string {
	return fmt.Sprintf("Boot%04X", n)
}
