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

// Package devicepath reads firmware encoded device paths in place. A path is
// a run of {type, subtype, length, payload} nodes closed by the end node.
// Firmware input is trusted, the only bound on traversal is the slice
// holding the bytes.
package devicepath

import (
	"bytes"
	"encoding/binary"
	"fmt"

	efilib "github.com/canonical/go-efilib"
)

// NodeType and SubType are the first two header bytes of a node
type (
	NodeType = efilib.DevicePathType
	SubType  = efilib.DevicePathSubType
)

const (
	// EndType is the type of the node closing a device path or an instance
	EndType = NodeType(0x7f)
	// EndEntireSubType closes the whole path
	EndEntireSubType = SubType(0xff)
	// EndInstanceSubType separates the instances of a multi-instance path
	EndInstanceSubType = SubType(0x01)

	headerSize = 4
)

var endNode = []byte{byte(EndType), byte(EndEntireSubType), headerSize, 0}

// Node is a view over a single encoded node and whatever follows it
type Node []byte

// Type returns the node type
func (n Node) Type() NodeType {
	if len(n) < headerSize {
		return EndType
	}
	return NodeType(n[0])
}

// SubType returns the node subtype
func (n Node) SubType() SubType {
	if len(n) < headerSize {
		return EndEntireSubType
	}
	return SubType(n[1])
}

// Length returns the length field, 0 when the header is truncated
func (n Node) Length() int {
	if len(n) < headerSize {
		return 0
	}
	return int(binary.LittleEndian.Uint16(n[2:4]))
}

// IsEnd reports whether the node terminates the path. An end-of-instance
// node does not, the next instance follows it. Truncated or malformed nodes
// are treated as the end since nothing past them can be read.
func (n Node) IsEnd() bool {
	l := n.Length()
	if l < headerSize || l > len(n) {
		return true
	}
	return n.Type() == EndType && n.SubType() == EndEntireSubType
}

// Bytes returns the node encoding, header included
func (n Node) Bytes() []byte {
	return n[:n.Length()]
}

// Payload returns the node data following the header
func (n Node) Payload() []byte {
	return n[headerSize:n.Length()]
}

// Next returns the following node
func (n Node) Next() Node {
	return n[n.Length():]
}

// Is reports whether the node has type t and, when given, one of subtypes
func (n Node) Is(t NodeType, subtypes ...SubType) bool {
	if n.IsEnd() || n.Type() != t {
		return false
	}
	if len(subtypes) == 0 {
		return true
	}
	for _, s := range subtypes {
		if n.SubType() == s {
			return true
		}
	}
	return false
}

// Path is an encoded device path
type Path []byte

// First returns the first node of the path
func (p Path) First() Node {
	return Node(p)
}

// Nodes returns the nodes before the end node
func (p Path) Nodes() []Node {
	var out []Node
	for n := p.First(); !n.IsEnd(); n = n.Next() {
		out = append(out, n)
	}
	return out
}

// Length returns the encoded path size, the end node included. A path made
// of the end node alone is 4 bytes long.
func (p Path) Length() int {
	size := 0
	n := p.First()
	for ; !n.IsEnd(); n = n.Next() {
		size += n.Length()
	}
	if l := n.Length(); l >= headerSize && l <= len(n) {
		size += l
	} else {
		size += headerSize
	}
	return size
}

// Last returns the last node before the end node, nil for an empty path
func (p Path) Last() Node {
	var last Node
	for n := p.First(); !n.IsEnd(); n = n.Next() {
		last = n
	}
	return last
}

// Find returns the first node with type t and one of subtypes
func (p Path) Find(t NodeType, subtypes ...SubType) (Node, bool) {
	for n := p.First(); !n.IsEnd(); n = n.Next() {
		if n.Is(t, subtypes...) {
			return n, true
		}
	}
	return nil, false
}

// Copy returns an owned copy of the path. The copy always carries a well
// formed end node.
func Copy(p Path) Path {
	out := make(Path, 0, p.Length())
	for n := p.First(); !n.IsEnd(); n = n.Next() {
		out = append(out, n.Bytes()...)
	}
	return append(out, endNode...)
}

// Compare walks a and b in lock step comparing each node's full encoding.
// With allowSubPath set, b matching a leading part of a is a match too.
func Compare(a, b Path, allowSubPath bool) bool {
	na, nb := a.First(), b.First()
	for {
		if nb.IsEnd() {
			return allowSubPath || na.IsEnd()
		}
		if na.IsEnd() {
			return false
		}
		if na.Length() != nb.Length() || !bytes.Equal(na.Bytes(), nb.Bytes()) {
			return false
		}
		na, nb = na.Next(), nb.Next()
	}
}

// Encode serializes a decoded device path
func Encode(p efilib.DevicePath) (Path, error) {
	b, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	return Path(b), nil
}

// Decode parses the path with go-efilib
func (p Path) Decode() (efilib.DevicePath, error) {
	return efilib.ReadDevicePath(bytes.NewReader(p[:p.Length()]))
}

func (p Path) String() string {
	d, err := p.Decode()
	if err != nil {
		return fmt.Sprintf("<%d bytes, %v>", p.Length(), err)
	}
	return d.String()
}
