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
	"bytes"
	"io"

	log "github.com/sirupsen/logrus"
)

// Logger is what the boot stage logs through. After ExitBootServices the
// firmware console is gone, so callers only log from code that runs before
// it or from the host side tooling.
type Logger interface {
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	SetLevel(level log.Level)
	GetLevel() log.Level
	SetOutput(writer io.Writer)
	SetFormatter(formatter log.Formatter)
}

func DebugLevel() log.Level {
	return log.DebugLevel
}

func IsDebugLevel(l Logger) bool {
	return l.GetLevel() >= DebugLevel()
}

// ConsoleFormatter formats entries for the loader console. Firmware text
// consoles do not interpret ANSI sequences, so colors stay off. Timestamps
// are only printed when debugging.
func ConsoleFormatter(debug bool) log.Formatter {
	return &log.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: !debug,
		FullTimestamp:    debug,
		DisableQuote:     true,
	}
}

func NewLogger() Logger {
	l := log.New()
	l.SetFormatter(ConsoleFormatter(false))
	return l
}

// NewNullLogger will return a logger that discards all logs, used mainly for testing
func NewNullLogger() Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

// NewBufferLogger will return a logger that stores all logs in a buffer, used mainly for testing
func NewBufferLogger(b *bytes.Buffer) Logger {
	logger := log.New()
	logger.SetOutput(b)
	return logger
}
