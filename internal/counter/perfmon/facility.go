// Package perfmon implements counters backed by the operating system's
// performance-counter facility. On Windows this is PDH; elsewhere a
// gopsutil-backed facility exposes the common categories under the same
// category and counter names.
package perfmon

import (
	"context"
	"errors"
)

var (
	// ErrRemoteUnsupported is returned by facilities that can only read the
	// local machine when asked for another one.
	ErrRemoteUnsupported = errors.New("remote machines are not supported by this facility")

	// ErrNotFound is returned when a category, counter or instance does not exist.
	ErrNotFound = errors.New("not found")
)

// CategoryType distinguishes categories with one implicit instance from
// categories with named instances.
type CategoryType int

const (
	Unknown CategoryType = iota
	SingleInstance
	MultiInstance
)

func (t CategoryType) String() string {
	switch t {
	case SingleInstance:
		return "single-instance"
	case MultiInstance:
		return "multi-instance"
	default:
		return "unknown"
	}
}

// Facility enumerates and opens performance counters on a machine.
// An empty machine name means the local machine.
type Facility interface {
	CategoryExists(ctx context.Context, machine, category string) (bool, error)
	CounterExists(ctx context.Context, machine, category, counter string) (bool, error)
	CategoryType(ctx context.Context, machine, category string) (CategoryType, error)
	InstanceNames(ctx context.Context, machine, category string) ([]string, error)
	// Open binds a handle to one counter. instance is empty for
	// single-instance categories.
	Open(ctx context.Context, machine, category, counter, instance string) (Handle, error)
}

// Handle reads successive values of one counter. Rate counters compute the
// change since the previous call, so the first value they return is 0.
type Handle interface {
	NextValue(ctx context.Context) (float64, error)
	Close() error
}
