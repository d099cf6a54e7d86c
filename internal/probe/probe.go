// Package probe gathers identifying host facts once at startup and derives
// the stable hardware_fingerprint the backend uses to correlate
// re-enrollments.
package probe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// DiskInfo describes one mounted filesystem.
type DiskInfo struct {
	Name           string `json:"name"`
	MountPoint     string `json:"mount_point"`
	TotalBytes     uint64 `json:"total_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
}

// NetworkInterface describes one non-loopback network interface.
type NetworkInterface struct {
	Name        string   `json:"name"`
	MACAddress  string   `json:"mac_address"`
	IPAddresses []string `json:"ip_addresses"`
}

// SystemInfo is the immutable snapshot of identifying host facts built once
// at supervisor start.
type SystemInfo struct {
	Hostname           string             `json:"hostname"`
	OSName             string             `json:"os_name"`
	OSVersion          string             `json:"os_version"`
	CPUModel           string             `json:"cpu_model"`
	CPUCores           int                `json:"cpu_cores"`
	TotalRAMBytes      uint64             `json:"total_ram_bytes"`
	Disks              []DiskInfo         `json:"disks"`
	NICs               []NetworkInterface `json:"nics"`
	HardwareFingerprint string            `json:"hardware_fingerprint"`
}

// Summary returns a short human-readable description of the snapshot.
func (s SystemInfo) Summary() string {
	gb := float64(s.TotalRAMBytes) / (1024 * 1024 * 1024)
	return fmt.Sprintf("%s - %s %s - %d cores - %.1f GB RAM - %d interfaces",
		s.Hostname, s.OSName, s.OSVersion, s.CPUCores, gb, len(s.NICs))
}

// Error is returned by Gather when even the minimum required facts
// (hostname, cpu_cores, total_ram_bytes) cannot be obtained.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("probe: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Gather builds a SystemInfo snapshot of the current host.
func Gather(ctx context.Context) (SystemInfo, error) {
	gatherCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	hostInfo, err := host.InfoWithContext(gatherCtx)
	if err != nil || hostInfo.Hostname == "" {
		return SystemInfo{}, &Error{Op: "hostname", Err: err}
	}

	cpuInfo, err := cpu.InfoWithContext(gatherCtx)
	cores, countErr := cpu.CountsWithContext(gatherCtx, true)
	if countErr != nil || cores < 1 {
		return SystemInfo{}, &Error{Op: "cpu_cores", Err: countErr}
	}

	vm, err := mem.VirtualMemoryWithContext(gatherCtx)
	if err != nil || vm.Total == 0 {
		return SystemInfo{}, &Error{Op: "total_ram_bytes", Err: err}
	}

	cpuModel := "unknown"
	if len(cpuInfo) > 0 && cpuInfo[0].ModelName != "" {
		cpuModel = cpuInfo[0].ModelName
	}

	info := SystemInfo{
		Hostname:      hostInfo.Hostname,
		OSName:        hostInfo.Platform,
		OSVersion:     hostInfo.PlatformVersion,
		CPUModel:      cpuModel,
		CPUCores:      cores,
		TotalRAMBytes: vm.Total,
		Disks:         gatherDisks(gatherCtx),
		NICs:          gatherNICs(gatherCtx),
	}

	info.HardwareFingerprint = fingerprint(info.Hostname, info.CPUModel, info.CPUCores, macMaterial(gatherCtx))
	return info, nil
}

func gatherDisks(ctx context.Context) []DiskInfo {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil
	}

	disks := make([]DiskInfo, 0, len(partitions))
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		disks = append(disks, DiskInfo{
			Name:           p.Device,
			MountPoint:     p.Mountpoint,
			TotalBytes:     usage.Total,
			AvailableBytes: usage.Free,
		})
	}
	return disks
}

func gatherNICs(ctx context.Context) []NetworkInterface {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil
	}

	nics := make([]NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") {
			continue
		}
		ips := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			ips = append(ips, a.Addr)
		}
		nics = append(nics, NetworkInterface{
			Name:        iface.Name,
			MACAddress:  iface.HardwareAddr,
			IPAddresses: ips,
		})
	}
	return nics
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// fingerprint feeds a SHA-256 digest, in order: hostname bytes, cpu model
// bytes, decimal cpu cores, then platform-specific stable hardware
// material. The emitted fingerprint is the lower-case hex encoding of the
// digest. Preserving this exact input ordering is what keeps
// reimplementations compatible with existing backend records.
func fingerprint(hostname, cpuModel string, cpuCores int, mac []byte) string {
	h := sha256.New()
	h.Write([]byte(hostname))
	h.Write([]byte(cpuModel))
	h.Write([]byte(fmt.Sprintf("%d", cpuCores)))
	h.Write(mac)
	return hex.EncodeToString(h.Sum(nil))
}
