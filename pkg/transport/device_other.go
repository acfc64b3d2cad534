//go:build !linux

package transport

import "fmt"

func openDevice(path string, baud int) (Channel, error) {
	return nil, fmt.Errorf("device %s: direct device access is not supported on this platform", path)
}
