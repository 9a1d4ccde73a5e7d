//go:build !linux

package governor

// NewHostSampler reports no pressure on platforms without sysinfo(2).
func NewHostSampler() Sampler {
	return SamplerFunc(func() (Sample, error) {
		return Sample{Cores: numCPU()}, nil
	})
}
