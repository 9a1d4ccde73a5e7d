package governor

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Sample is one relief valve reading.
type Sample struct {
	Load1        float64
	Cores        int
	UsedMemoryMB float64
}

// CPUPercent is the one-minute load average as a percentage of all cores.
func (s Sample) CPUPercent() float64 {
	return s.Load1 * 100 / float64(max(1, s.Cores))
}

// Sampler reads host load and memory.
type Sampler interface {
	Sample() (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (Sample, error)

func (f SamplerFunc) Sample() (Sample, error) { return f() }

// memAvailableMB parses MemTotal and MemAvailable from a meminfo file.
func memAvailableMB(path string) (totalMB, availableMB float64, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	var haveTotal, haveAvail bool
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalMB, haveTotal = kb/1024, true
		case "MemAvailable:":
			availableMB, haveAvail = kb/1024, true
		}
	}
	return totalMB, availableMB, haveTotal && haveAvail
}

func numCPU() int { return runtime.NumCPU() }
