//go:build !windows && !darwin && !linux

package probe

import "context"

// macMaterial has no platform-specific behavior defined by the
// specification for this OS family; it falls back to no additional
// material, so the fingerprint still degrades to hostname+cpu_model+cores.
func macMaterial(_ context.Context) []byte {
	return nil
}
