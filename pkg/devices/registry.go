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

// Package devices finds the block device the system booted from. Firmware
// block I/O handles are sorted into transport (messaging) devices and the
// partitions or media exposed on top of them, then matched against what
// the loader was asked to boot.
package devices

import (
	"github.com/hashicorp/go-multierror"

	"github.com/rancher/elemental-loader/pkg/devicepath"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/types"
)

// Entry is a registered block I/O handle
type Entry struct {
	Handle efi.Handle
	Path   devicepath.Path
	// Index is the position in the firmware handle buffer
	Index int
}

// Registry keeps the block I/O handles of the machine in two buckets, keyed
// by the kind of the last node of their device path
type Registry struct {
	boot      efi.BootServices
	logger    types.Logger
	messaging []*Entry
	media     []*Entry
}

// NewRegistry returns an empty registry
func NewRegistry(boot efi.BootServices, logger types.Logger) *Registry {
	return &Registry{boot: boot, logger: logger}
}

// Messaging returns the transport devices in registration order
func (r *Registry) Messaging() []*Entry {
	return r.messaging
}

// Media returns the partition and media devices in registration order
func (r *Registry) Media() []*Entry {
	return r.media
}

// Enumerate registers every block I/O handle firmware knows about. Handles
// are walked from the end of the firmware buffer, paths already registered
// are skipped so enumerating again changes nothing.
func (r *Registry) Enumerate() error {
	count, err := r.boot.LocateHandle(efi.BlockIOProtocol, nil)
	if efi.StatusOf(err) != efi.StatusBufferTooSmall || count == 0 {
		return eleErr.Wrapf(err, eleErr.NotFound, "no devices found")
	}
	handles := make([]efi.Handle, count)
	count, err = r.boot.LocateHandle(efi.BlockIOProtocol, handles)
	if err != nil {
		return eleErr.Wrapf(err, eleErr.NotFound, "no devices found")
	}

	var skipped *multierror.Error
	for i := count - 1; i >= 0; i-- {
		h := handles[i]
		raw, err := r.boot.DevicePath(h)
		if err != nil {
			skipped = multierror.Append(skipped, eleErr.Wrapf(err, eleErr.NotFound, "handle %#x", uintptr(h)))
			continue
		}
		path := devicepath.Path(raw)
		last := path.Last()

		var bucket *[]*Entry
		switch {
		case last.IsMedia():
			bucket = &r.media
		case last.IsMessaging():
			bucket = &r.messaging
		default:
			r.logger.Debugf("Ignoring handle %#x, %s", uintptr(h), path)
			continue
		}
		if lookup(*bucket, path) != nil {
			continue
		}
		*bucket = append(*bucket, &Entry{Handle: h, Path: devicepath.Copy(path), Index: i})
		r.logger.Debugf("Registered handle %#x: %s", uintptr(h), path)
	}
	if skipped != nil {
		r.logger.Debugf("Skipped block I/O handles: %s", skipped)
	}
	return nil
}

func lookup(bucket []*Entry, path devicepath.Path) *Entry {
	for _, e := range bucket {
		if devicepath.Compare(e.Path, path, false) {
			return e
		}
	}
	return nil
}

// FindMessagingDeviceFor returns the transport device the given media entry
// sits on
func (r *Registry) FindMessagingDeviceFor(media *Entry) (*Entry, bool) {
	for _, m := range r.messaging {
		if devicepath.Compare(media.Path, m.Path, true) {
			return m, true
		}
	}
	return nil, false
}

// Open binds the block I/O protocol of e
func (r *Registry) Open(e *Entry) (*DiscoveredDevice, error) {
	bio, err := r.boot.BlockIO(e.Handle)
	if err != nil {
		return nil, eleErr.Wrapf(err, eleErr.NotFound, "opening block I/O of %s", e.Path)
	}
	media := bio.Media()
	return &DiscoveredDevice{
		Handle:         e.Handle,
		Path:           devicepath.Copy(e.Path),
		BlockSize:      media.BlockSize,
		TotalSize:      media.Size(),
		ReadOnly:       media.ReadOnly,
		Removable:      media.RemovableMedia,
		MediaPresent:   media.MediaPresent,
		PartitionStart: devicepath.PartitionStart(e.Path),
		io:             bio,
	}, nil
}
