//go:build linux

package transport

import (
	"os"
	"path/filepath"
)

var portPatterns = []string{
	"/dev/ttyS*",
	"/dev/ttyUSB*",
	"/dev/ttyXRUSB*",
	"/dev/ttyACM*",
	"/dev/ttyAMA*",
	"/dev/rfcomm*",
	"/dev/ttyAP*",
}

// ListPorts returns serial devices backed by a kernel driver. Legacy
// ttyS entries without hardware behind them are skipped.
func ListPorts() ([]string, error) {
	var devices []string
	for _, pattern := range portPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, device := range matches {
			sysPath := filepath.Join("/sys/class/tty", filepath.Base(device), "device")
			if _, err := os.Stat(sysPath); err == nil {
				devices = append(devices, device)
			}
		}
	}
	return devices, nil
}
