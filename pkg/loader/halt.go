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

package loader

import (
	"github.com/rancher/elemental-loader/pkg/constants"
	"github.com/rancher/elemental-loader/pkg/efi"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
)

// Halt reports a fatal boot stage error and stops the machine, either by
// halting or by a cold reset. The returned error carries the exit code of
// err.
func (s *Stage) Halt(err error) error {
	if err == nil {
		return nil
	}
	s.logger.Errorf("Boot failed: %s", err)

	code := eleErr.Code(err)
	if s.cfg.HaltAction == constants.HaltActionReset {
		s.logger.Warnf("Resetting the system")
		s.st.Runtime.ResetSystem(efi.ResetCold, efi.StatusLoadError, []byte(err.Error()))
	} else {
		s.logger.Warnf("System halted")
	}
	return eleErr.Wrapf(err, code, "boot stage halted")
}
