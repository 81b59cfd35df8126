//go:build !linux

package vpn

import (
	"context"
	"time"

	"grimm.is/enclave/internal/network"
)

func checkHealth(ctx context.Context, nl network.Netlinker, wg WireGuardClient, name string, kind Kind, timeout time.Duration) healthResult {
	return down("health checks need linux")
}
