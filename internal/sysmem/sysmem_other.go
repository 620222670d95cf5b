//go:build !linux

package sysmem

func available() (uint64, error) { return 0, ErrUnsupported }
