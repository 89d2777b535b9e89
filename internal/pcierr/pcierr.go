// Package pcierr defines the sentinel error kinds shared by the enumerator,
// resource planner, programmer, and device facade.
package pcierr

import "errors"

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", ErrX) to add
// context; callers compare with errors.Is.
var (
	// ErrNoSuchDevice indicates a function is absent (vendor ID reads 0xFFFF).
	ErrNoSuchDevice = errors.New("pci: no such device")

	// ErrUnsupported indicates a feature this core deliberately does not
	// implement (a >2GiB 64-bit BAR, a 32-bit I/O aperture, and so on).
	ErrUnsupported = errors.New("pci: unsupported")

	// ErrOutOfResources indicates the allocator failed, or a programmed
	// address would exceed its bridge window.
	ErrOutOfResources = errors.New("pci: out of resources")

	// ErrTimeout indicates a poll operation exhausted its delay budget.
	ErrTimeout = errors.New("pci: timeout")

	// ErrInvalidParameter indicates an out-of-range attribute operation.
	ErrInvalidParameter = errors.New("pci: invalid parameter")
)
