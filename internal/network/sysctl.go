package network

import (
	"fmt"
	"os"
	"strings"
)

// DefaultSystemController is the default RealSystemController instance.
var DefaultSystemController SystemController = &RealSystemController{}

// RealSystemController is a concrete implementation of SystemController using os functions.
type RealSystemController struct{}

// ReadSysctl reads a sysctl value. Dotted names map onto /proc/sys.
func (r *RealSystemController) ReadSysctl(path string) (string, error) {
	data, err := os.ReadFile(sysctlPath(path))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteSysctl writes a sysctl value. Dotted names map onto /proc/sys.
func (r *RealSystemController) WriteSysctl(path, value string) error {
	return os.WriteFile(sysctlPath(path), []byte(value), 0644)
}

// IsNotExist checks if an error indicates that a file or directory does not exist.
func (r *RealSystemController) IsNotExist(err error) bool {
	return os.IsNotExist(err)
}

func sysctlPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/proc/sys/" + strings.ReplaceAll(path, ".", "/")
	}
	return path
}

// EnableForwarding turns on IPv4 forwarding, writing only when needed.
func EnableForwarding(sys SystemController) (changed bool, err error) {
	const key = "net.ipv4.ip_forward"
	if sys == nil {
		sys = DefaultSystemController
	}
	cur, err := sys.ReadSysctl(key)
	if err == nil && cur == "1" {
		return false, nil
	}
	if err != nil && !sys.IsNotExist(err) {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := sys.WriteSysctl(key, "1"); err != nil {
		return false, fmt.Errorf("write %s: %w", key, err)
	}
	return true, nil
}
