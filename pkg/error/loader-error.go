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

package error

import (
	"errors"
	"fmt"
)

// LoaderError is our custom error to pass around exit codes in the error
type LoaderError struct {
	err   string
	code  int
	cause error
}

func (e *LoaderError) Error() string {
	return e.err
}

func (e *LoaderError) ExitCode() int {
	return e.code
}

// Unwrap returns the error this one was built from, if any
func (e *LoaderError) Unwrap() error {
	return e.cause
}

// NewFromError generates a LoaderError from an existing error,
// maintaining its error message
func NewFromError(err error, code int) error {
	if err == nil {
		return nil
	}
	return &LoaderError{err: err.Error(), code: code, cause: err}
}

// New generates a LoaderError from a string
func New(err string, code int) error {
	return &LoaderError{err: err, code: code}
}

// Wrapf generates a LoaderError with a formatted message prefixed to
// the given error. A nil err still produces an error.
func Wrapf(err error, code int, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %s", msg, err.Error())
	}
	return &LoaderError{err: msg, code: code, cause: err}
}

// Code returns the exit code carried by err or any error it wraps. Errors
// without a code report Unknown, nil reports 0.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var lErr *LoaderError
	if errors.As(err, &lErr) {
		return lErr.ExitCode()
	}
	return Unknown
}

// Is reports whether err carries the given exit code
func Is(err error, code int) bool {
	return err != nil && Code(err) == code
}

// Recoverable reports whether the boot stage can fall back to another
// discovery strategy after err
func Recoverable(err error) bool {
	switch Code(err) {
	case NotFound, InvalidInput:
		return true
	}
	return false
}
