//go:build !linux

package transport

import "path/filepath"

var portPatterns = []string{
	"/dev/cu.*",
	"/dev/tty.usb*",
	"/dev/ttyU*",
}

// ListPorts returns candidate serial device paths.
func ListPorts() ([]string, error) {
	var devices []string
	for _, pattern := range portPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		devices = append(devices, matches...)
	}
	return devices, nil
}
