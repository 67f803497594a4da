package system

import (
	"os"
	"os/exec"
)

// probe looks for binaries and paths on the host
type probe struct {
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

var hostProbe = probe{lookPath: exec.LookPath, stat: os.Stat}

// DetectGPU detects the GPU vendor on the host system
// Returns "nvidia", "amd", "intel", or "" if no GPU detected
func DetectGPU() string {
	return hostProbe.gpu()
}

func (p probe) gpu() string {
	switch {
	case p.has("nvidia-smi"):
		return "nvidia"
	case p.exists("/opt/rocm") || p.has("rocm-smi"):
		return "amd"
	case p.has("intel_gpu_top") || p.exists("/usr/lib/x86_64-linux-gnu/intel-opencl"):
		return "intel"
	}
	return ""
}

func (p probe) has(bin string) bool {
	_, err := p.lookPath(bin)
	return err == nil
}

func (p probe) exists(path string) bool {
	_, err := p.stat(path)
	return err == nil
}
