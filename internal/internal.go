// Package internal contains internal implementation details.
package internal

import (
	"fmt"
	"sync"

	"github.com/bassosimone/shmswitch"
)

// NullLogger is a [shmswitch.Logger] that does not emit logs.
type NullLogger struct{}

// Debug implements shmswitch.Logger
func (nl *NullLogger) Debug(message string) {
	// nothing
}

// Debugf implements shmswitch.Logger
func (nl *NullLogger) Debugf(format string, v ...any) {
	// nothing
}

// Info implements shmswitch.Logger
func (nl *NullLogger) Info(message string) {
	// nothing
}

// Infof implements shmswitch.Logger
func (nl *NullLogger) Infof(format string, v ...any) {
	// nothing
}

// Warn implements shmswitch.Logger
func (nl *NullLogger) Warn(message string) {
	// nothing
}

// Warnf implements shmswitch.Logger
func (nl *NullLogger) Warnf(format string, v ...any) {
	// nothing
}

var _ shmswitch.Logger = &NullLogger{}

// RecordingLogger is a [shmswitch.Logger] that discards debug and info
// messages and records the warnings, so tests can check them.
type RecordingLogger struct {
	NullLogger

	mu       sync.Mutex
	warnings []string
}

// Warn implements shmswitch.Logger
func (rl *RecordingLogger) Warn(message string) {
	defer rl.mu.Unlock()
	rl.mu.Lock()
	rl.warnings = append(rl.warnings, message)
}

// Warnf implements shmswitch.Logger
func (rl *RecordingLogger) Warnf(format string, v ...any) {
	rl.Warn(fmt.Sprintf(format, v...))
}

// Warnings returns a copy of the recorded warnings.
func (rl *RecordingLogger) Warnings() []string {
	defer rl.mu.Unlock()
	rl.mu.Lock()
	return append([]string{}, rl.warnings...)
}

var _ shmswitch.Logger = &RecordingLogger{}
