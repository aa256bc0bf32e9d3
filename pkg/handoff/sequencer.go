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

// Package handoff takes the machine away from firmware and gives it to the
// kernel: boot services are exited against the current memory map and
// control jumps to the kernel entry point.
package handoff

import (
	"fmt"

	"github.com/docker/go-units"

	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/types"
)

// State of the exit sequence
type State int

const (
	Preparing State = iota
	MapRead
	TablesBuilt
	Exiting
	Exited
	Fatal
)

var stateNames = [...]string{"preparing", "map-read", "tables-built", "exiting", "exited", "fatal"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TableBuilder builds the kernel page tables from a memory map snapshot
type TableBuilder interface {
	Build(m *efi.MemoryMap) (uint64, error)
}

// Sequencer exits boot services. The memory map is read into a buffer
// twice the size firmware asked for, and the same buffer is reused for
// every re-read while firmware keeps rejecting the map key.
type Sequencer struct {
	boot    efi.BootServices
	image   efi.Handle
	builder TableBuilder
	logger  types.Logger

	// RetryWarn is how many rejected exits are logged as one warning
	RetryWarn int

	state     State
	failedIn  State
	buffer    []byte
	memoryMap efi.MemoryMap
	root      uint64
	retries   int
}

// NewSequencer returns a sequencer exiting boot services on behalf of image
func NewSequencer(boot efi.BootServices, image efi.Handle, builder TableBuilder, logger types.Logger) *Sequencer {
	return &Sequencer{
		boot:      boot,
		image:     image,
		builder:   builder,
		logger:    logger,
		RetryWarn: constants.ExitRetryWarn,
	}
}

// State returns where the sequence stands
func (s *Sequencer) State() State {
	return s.state
}

// MemoryMap returns the last memory map read. After a successful Run it is
// the map firmware accepted.
func (s *Sequencer) MemoryMap() *efi.MemoryMap {
	return &s.memoryMap
}

// PageTableRoot returns the root of the tables built from the first map
func (s *Sequencer) PageTableRoot() uint64 {
	return s.root
}

// Retries returns how many times firmware rejected the exit
func (s *Sequencer) Retries() int {
	return s.retries
}

// FailedIn returns the state the sequence was in when it turned Fatal.
// From Exiting on, firmware may have torn down part of boot services.
func (s *Sequencer) FailedIn() State {
	return s.failedIn
}

func (s *Sequencer) fail(err error) error {
	s.failedIn = s.state
	s.state = Fatal
	return err
}

// Run drives the sequence to Exited. There is no going back once it
// started exiting: any failure leaves the sequencer in Fatal.
func (s *Sequencer) Run() error {
	if s.state != Preparing {
		return eleErr.New(fmt.Sprintf("exit sequence already %s", s.state), eleErr.ProtocolViolation)
	}

	info, err := s.boot.GetMemoryMap(nil)
	if efi.StatusOf(err) != efi.StatusBufferTooSmall {
		return s.fail(eleErr.Wrapf(err, eleErr.ProtocolViolation, "sizing the memory map, expected %s", efi.StatusBufferTooSmall))
	}
	s.buffer = make([]byte, constants.MemoryMapHeadroom*info.Size)
	s.logger.Debugf("Memory map is %s, reading it into %s", units.BytesSize(float64(info.Size)), units.BytesSize(float64(len(s.buffer))))

	if err := s.readMap(); err != nil {
		return s.fail(err)
	}
	s.state = MapRead

	s.root, err = s.builder.Build(&s.memoryMap)
	if err != nil {
		return s.fail(err)
	}
	s.state = TablesBuilt

	s.state = Exiting
	for {
		err := s.boot.ExitBootServices(s.image, s.memoryMap.Key)
		if err == nil {
			break
		}
		if efi.StatusOf(err) != efi.StatusInvalidParameter {
			return s.fail(eleErr.Wrapf(err, eleErr.ProtocolViolation, "exiting boot services"))
		}
		s.retries++
		if s.RetryWarn > 0 && s.retries%s.RetryWarn == 0 {
			s.logger.Warnf("Firmware rejected the memory map %d times, still retrying", s.retries)
		}
		if err := s.readMap(); err != nil {
			return s.fail(err)
		}
	}
	s.state = Exited
	s.logger.Debugf("Exited boot services with map key %d after %d retries", s.memoryMap.Key, s.retries)
	return nil
}

// readMap fills the owned buffer. It never grows it: allocating here
// could change the map again.
func (s *Sequencer) readMap() error {
	info, err := s.boot.GetMemoryMap(s.buffer)
	if err != nil {
		return eleErr.Wrapf(err, eleErr.ProtocolViolation, "reading the memory map into %d bytes", len(s.buffer))
	}
	s.memoryMap = efi.MemoryMap{Buffer: s.buffer, MapInfo: info}
	return nil
}
