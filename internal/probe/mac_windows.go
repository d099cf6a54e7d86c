//go:build windows

package probe

import (
	"context"

	"github.com/benjameshughes/rmm-agent/internal/wmi"
)

// macMaterial enumerates MAC addresses via WMI, matching the original
// agent's "getmac"-equivalent behavior: feed the whole enumeration output
// into the fingerprint rather than a single interface's address, since
// that is what existing backend records were computed against.
func macMaterial(ctx context.Context) []byte {
	results, err := wmi.Query(ctx, `root\CIMV2`, "SELECT MACAddress FROM Win32_NetworkAdapterConfiguration WHERE IPEnabled = True")
	if err != nil {
		return nil
	}

	var material []byte
	for _, r := range results {
		if mac, ok := wmi.GetPropertyString(r, "MACAddress"); ok {
			material = append(material, []byte(mac)...)
		}
	}
	return material
}
