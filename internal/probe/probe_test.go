package probe

import (
	"context"
	"testing"
)

func TestGather_MinimumFields(t *testing.T) {
	info, err := Gather(context.Background())
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if info.Hostname == "" {
		t.Error("expected non-empty hostname")
	}
	if info.CPUCores < 1 {
		t.Errorf("expected cpu_cores >= 1, got %d", info.CPUCores)
	}
	if info.TotalRAMBytes == 0 {
		t.Error("expected total_ram_bytes > 0")
	}
	if len(info.HardwareFingerprint) != 64 {
		t.Errorf("expected 64 hex chars (sha256), got %d", len(info.HardwareFingerprint))
	}
}

func TestGather_FingerprintStableAcrossCalls(t *testing.T) {
	first, err := Gather(context.Background())
	if err != nil {
		t.Fatalf("first gather: %v", err)
	}
	second, err := Gather(context.Background())
	if err != nil {
		t.Fatalf("second gather: %v", err)
	}
	if first.HardwareFingerprint != second.HardwareFingerprint {
		t.Errorf("fingerprint not stable: %q != %q", first.HardwareFingerprint, second.HardwareFingerprint)
	}
}

func TestFingerprint_DeterministicForSameInputs(t *testing.T) {
	a := fingerprint("host-1", "Intel Xeon", 8, []byte("aa:bb:cc:dd:ee:ff"))
	b := fingerprint("host-1", "Intel Xeon", 8, []byte("aa:bb:cc:dd:ee:ff"))
	if a != b {
		t.Fatalf("expected identical fingerprints for identical inputs")
	}

	c := fingerprint("host-2", "Intel Xeon", 8, []byte("aa:bb:cc:dd:ee:ff"))
	if a == c {
		t.Fatalf("expected different fingerprints for different hostnames")
	}
}
