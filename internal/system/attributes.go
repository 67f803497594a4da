// Package system collects the host attributes the agent publishes to the
// update server.
package system

import (
	"os"
	"runtime"
	"strings"
)

const kernelRelease = "/proc/sys/kernel/osrelease"

// TargetKey carries the configured target name for hawkBit target filters
const TargetKey = "FullMetalUpdate"

// Attributes returns the target attributes sent on configData requests.
// Values that cannot be read are left out.
func Attributes(target, version string) map[string]string {
	attrs := map[string]string{
		TargetKey:       target,
		"target":        target,
		"arch":          runtime.GOARCH,
		"agent_version": version,
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs["hostname"] = hostname
	}
	if data, err := os.ReadFile(kernelRelease); err == nil {
		attrs["kernel"] = strings.TrimSpace(string(data))
	}
	if gpu := DetectGPU(); gpu != "" {
		attrs["gpu_vendor"] = gpu
	}
	return attrs
}
