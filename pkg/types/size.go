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

package types

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Size is a byte count that accepts human readable values such as "32MiB"
// in configuration and firmware description files
type Size uint64

// ParseSize parses plain integers (decimal or 0x prefixed) and binary unit
// suffixed sizes
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return Size(n), nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return Size(n), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Bytes returns the size as a plain integer
func (s Size) Bytes() uint64 {
	return uint64(s)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = v
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// SizeDecodeHook lets mapstructure (and so viper) decode strings into Size
func SizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(Size(0)) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			return ParseSize(data.(string))
		case reflect.Int, reflect.Int64, reflect.Int32:
			return Size(reflect.ValueOf(data).Int()), nil
		case reflect.Uint, reflect.Uint64, reflect.Uint32:
			return Size(reflect.ValueOf(data).Uint()), nil
		}
		return data, nil
	}
}
