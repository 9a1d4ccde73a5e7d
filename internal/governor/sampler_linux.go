//go:build linux

package governor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// siLoadShift is the fixed-point shift of sysinfo load averages.
const siLoadShift = 16

type hostSampler struct {
	meminfo string
}

// NewHostSampler reads load from sysinfo(2) and memory from /proc/meminfo,
// falling back to sysinfo free and buffer counts.
func NewHostSampler() Sampler {
	return hostSampler{meminfo: "/proc/meminfo"}
}

func (h hostSampler) Sample() (Sample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Sample{}, fmt.Errorf("sysinfo: %w", err)
	}
	s := Sample{
		Load1: float64(info.Loads[0]) / float64(1<<siLoadShift),
		Cores: numCPU(),
	}
	if total, avail, ok := memAvailableMB(h.meminfo); ok {
		s.UsedMemoryMB = max(0, total-avail)
		return s, nil
	}
	unit := float64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	used := float64(info.Totalram) - float64(info.Freeram) - float64(info.Bufferram)
	s.UsedMemoryMB = max(0, used*unit/(1024*1024))
	return s, nil
}
