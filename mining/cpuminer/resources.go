package cpuminer

import (
	"runtime"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Resources returns one resource per logical CPU.  A positive limit caps
// the number of resources.
func Resources(limit int) []mining.ResourceID {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		log.Warnf("Unable to count logical CPUs (%v), using %d",
			err, runtime.NumCPU())
		n = runtime.NumCPU()
	}
	if limit > 0 && limit < n {
		n = limit
	}

	resources := make([]mining.ResourceID, n)
	for i := range resources {
		resources[i] = ResourceID(i)
	}
	return resources
}

// DetectFeatures reports the processor capabilities of this machine.
func DetectFeatures() Features {
	features := Features{
		SHA: cpuid.CPU.Supports(cpuid.SHA) || cpuid.CPU.Supports(cpuid.SHA2),
	}
	log.Debugf("CPU %q, %d logical cores, SHA extensions: %v",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, features.SHA)
	return features
}
