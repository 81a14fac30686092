package core

import (
	"errors"
	"fmt"
)

// ErrTelemetryUnavailable reports that a device's runtime could not be read.
var ErrTelemetryUnavailable = errors.New("telemetry unavailable")

// RejectReason is the user-facing reason an acknowledgment was refused.
type RejectReason string

const (
	ReasonInvalidMachine RejectReason = "Invalid machine"
	ReasonInvalidTask    RejectReason = "Invalid task"
	ReasonNotDue         RejectReason = "Not currently due"
)

// DeviceError is a per-device telemetry failure. It matches
// ErrTelemetryUnavailable under errors.Is.
type DeviceError struct {
	Device string
	URL    string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s (%s): %v: %v", e.Device, e.URL, ErrTelemetryUnavailable, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool { return target == ErrTelemetryUnavailable }

// PersistenceError means a completion log batch could not be committed.
// Nothing from the batch is persisted.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("completion log %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
