//go:build darwin

package probe

import (
	"context"
	"net"
)

// macMaterial returns the primary interface's hardware address on macOS.
// The original agent shelled out to "ifconfig en0"; net.Interfaces gives
// the same MAC without a subprocess.
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
