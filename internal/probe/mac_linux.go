//go:build linux

package probe

import (
	"context"
	"net"
)

// macMaterial returns the primary interface's hardware address on Linux.
func macMaterial(_ context.Context) []byte {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) > 0 {
			return []byte(iface.HardwareAddr.String())
		}
	}
	return nil
}
