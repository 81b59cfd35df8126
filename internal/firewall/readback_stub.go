//go:build !linux

package firewall

import "errors"

// KernelReadback is a stub; nftables readback needs Linux.
func KernelReadback(rs *Ruleset) error {
	return errors.New("nftables readback is not supported on this platform")
}
