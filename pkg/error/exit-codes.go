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

// provides a custom error interface and exit codes to use on the elemental-loader
package error

//
// Provided exit codes for elemental-loader

// To make it easy to generate them you have to respect the structure:
//
// comment that explains the error
// const NamedConstant = ERRORCODE
//
// This way you can later generate a Markdown list of EXITCODE -> COMMENT

// Enumeration or lookup found nothing, the next discovery strategy is tried
const NotFound = 10

// Malformed UUID text or load options, treated as no target specified
const InvalidInput = 11

// Allocation failure or physical address ceiling exceeded
const ResourceExhausted = 12

// Firmware returned an unexpected status from a call assumed reliable
const ProtocolViolation = 13

// Kernel args structure size or version disagreement
const VersionMismatch = 14

// Translation or release of a region the allocator does not own
const InvalidRegion = 15

// Error reading the loader configuration
const ReadConfig = 16

// Error reading or parsing the firmware description
const ReadFirmware = 17

// The boot stage halted before reaching the kernel
const Halted = 18

// Error with the kernel handoff preconditions
const HandoffPrecondition = 19

// Unknown error
const Unknown int = 255
