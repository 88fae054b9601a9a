package systeminfo

import (
	"os"
	"runtime"
	"time"

	"regsweep/logger"

	"github.com/shirou/gopsutil/v4/host"
	gnet "github.com/shirou/gopsutil/v4/net"
)

// HostInfo describes the machine a scan ran on.
type HostInfo struct {
	Hostname          string   `json:"hostname"`
	OS                string   `json:"os"`
	Platform          string   `json:"platform,omitempty"`
	PlatformVersion   string   `json:"platform_version,omitempty"`
	KernelVersion     string   `json:"kernel_version,omitempty"`
	Arch              string   `json:"arch"`
	BootTime          string   `json:"boot_time,omitempty"`
	User              string   `json:"user,omitempty"`
	Elevated          bool     `json:"elevated"`
	NetworkInterfaces []string `json:"network_interfaces,omitempty"`
}

// Collect gathers a host summary. Failures are logged and leave the
// affected fields empty.
func Collect(currentUser string) *HostInfo {
	info := &HostInfo{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		User:     currentUser,
		Elevated: isElevated(),
	}

	if err := gatherHost(info); err != nil {
		logger.Warnf("Failed to gather host details: %v", err)
		if name, err := os.Hostname(); err == nil {
			info.Hostname = name
		}
	}
	if err := gatherNetworkInterfaces(info); err != nil {
		logger.Warnf("Failed to gather network interfaces: %v", err)
	}
	return info
}

func gatherHost(info *HostInfo) error {
	h, err := host.Info()
	if err != nil {
		return err
	}
	info.Hostname = h.Hostname
	info.Platform = h.Platform
	info.PlatformVersion = h.PlatformVersion
	info.KernelVersion = h.KernelVersion
	if h.KernelArch != "" {
		info.Arch = h.KernelArch
	}
	if h.BootTime > 0 {
		info.BootTime = time.Unix(int64(h.BootTime), 0).UTC().Format(time.RFC3339)
	}
	return nil
}

func gatherNetworkInterfaces(info *HostInfo) error {
	ifaces, err := gnet.Interfaces()
	if err != nil {
		return err
	}
	for _, iface := range ifaces {
		if iface.Name == "" {
			continue
		}
		info.NetworkInterfaces = append(info.NetworkInterfaces, iface.Name)
	}
	return nil
}
