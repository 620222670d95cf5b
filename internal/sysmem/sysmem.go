// Package sysmem reports free physical memory for worker pool sizing.
package sysmem

import "errors"

var ErrUnsupported = errors.New("free memory probe not supported on this platform")

// Probe implements broker.MemoryProbe for the running host.
type Probe struct{}

// Available returns the free physical memory in bytes.
func (Probe) Available() (uint64, error) { return available() }
