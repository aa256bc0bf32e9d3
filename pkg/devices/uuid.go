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
	"encoding/hex"
	"fmt"
	"strings"

	efilib "github.com/canonical/go-efilib"

	"github.com/rancher/elemental-loader/pkg/constants"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
)

const uuidLength = 36

// ParseUUID parses the canonical 8-4-4-4-12 form. The bytes come out in
// textual order.
func ParseUUID(s string) ([16]byte, error) {
	var out [16]byte
	if len(s) != uuidLength {
		return out, eleErr.New(fmt.Sprintf("invalid uuid '%s': bad length", s), eleErr.InvalidInput)
	}
	for _, i := range []int{8, 13, 18, 23} {
		if s[i] != '-' {
			return out, eleErr.New(fmt.Sprintf("invalid uuid '%s': missing hyphen at %d", s, i), eleErr.InvalidInput)
		}
	}
	digits := s[0:8] + s[9:13] + s[14:18] + s[19:23] + s[24:36]
	if _, err := hex.Decode(out[:], []byte(digits)); err != nil {
		return out, eleErr.Wrapf(err, eleErr.InvalidInput, "invalid uuid '%s'", s)
	}
	return out, nil
}

// PackUUID lays out a parsed UUID the way partition signatures are stored:
// the first three groups byte reversed, the last two as written
func PackUUID(u [16]byte) efilib.GUID {
	var g efilib.GUID
	binary.LittleEndian.PutUint32(g[0:], binary.BigEndian.Uint32(u[0:]))
	binary.LittleEndian.PutUint16(g[4:], binary.BigEndian.Uint16(u[4:]))
	binary.LittleEndian.PutUint16(g[6:], binary.BigEndian.Uint16(u[6:]))
	copy(g[8:], u[8:])
	return g
}

// ParseTarget looks for the Target(<uuid>) marker in UCS-2 load options
func ParseTarget(loadOptions []byte) (efilib.GUID, error) {
	var none efilib.GUID
	if len(loadOptions) > constants.MaxLoadOptions {
		loadOptions = loadOptions[:constants.MaxLoadOptions]
	}
	units := make([]uint16, len(loadOptions)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(loadOptions[2*i:])
	}
	opts := efilib.ConvertUTF16ToUTF8(units)

	idx := strings.Index(opts, constants.TargetMarker)
	if idx < 0 {
		return none, eleErr.New("no boot target in load options", eleErr.NotFound)
	}
	rest := opts[idx+len(constants.TargetMarker):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return none, eleErr.New(fmt.Sprintf("unterminated boot target '%s'", rest), eleErr.InvalidInput)
	}
	u, err := ParseUUID(rest[:end])
	if err != nil {
		return none, err
	}
	return PackUUID(u), nil
}

// ResolveExplicitTarget returns the boot target named in the load options
func ResolveExplicitTarget(loadOptions []byte) (efilib.GUID, bool) {
	g, err := ParseTarget(loadOptions)
	return g, err == nil
}
