package coordinator

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pbnjay/memory"
	"github.com/ricochet2200/go-disk-usage/du"
	"github.com/rs/zerolog/log"

	"github.com/fleetmesh-project/fleetmesh/pkg/system"
)

// benchmarkIterations is deliberately a fixed iteration count rather than a
// wall-clock budget, so reports from different hosts measure the same work.
const benchmarkIterations = 10_000_000

// Diagnostics composes the multi-line report served to DIAGNOSTICS commands
// and the admin surface. A GPU benchmark fault becomes a failure line in the
// report, never an error for the session.
func (s *Server) Diagnostics(ctx context.Context) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "Host: %s\n", system.HostName())
	fmt.Fprintf(&b, "OS: %s\n", system.OSDescription())
	fmt.Fprintf(&b, "Logical processors: %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "Active sessions: %d\n", s.registry.Count())
	fmt.Fprintf(&b, "Process memory: %s\n", datasize.ByteSize(system.ProcessMemory()).HumanReadable())
	fmt.Fprintf(&b, "System memory: %s\n", datasize.ByteSize(memory.TotalMemory()).HumanReadable())

	wd, err := os.Getwd()
	if err == nil {
		if usage := du.NewDiskUsage(wd); usage != nil {
			fmt.Fprintf(&b, "Free disk: %s\n", datasize.ByteSize(usage.Free()).HumanReadable())
		}
	}

	start := time.Now()
	checksum := cpuBenchmark(benchmarkIterations)
	fmt.Fprintf(&b, "CPU benchmark: %d iterations in %s (checksum %.4f)\n",
		benchmarkIterations, time.Since(start).Round(time.Microsecond), checksum)

	if s.acceleratorCtx != nil && s.acceleratorCtx.Accelerated() {
		start = time.Now()
		gpuChecksum, err := s.acceleratorCtx.Benchmark(benchmarkIterations)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("GPU benchmark failed")
			fmt.Fprintf(&b, "GPU benchmark: FAILED (%s)\n", err)
		} else {
			fmt.Fprintf(&b, "GPU benchmark (%s): %d iterations in %s (checksum %.4f)\n",
				s.acceleratorCtx.Device(), benchmarkIterations,
				time.Since(start).Round(time.Microsecond), gpuChecksum)
		}
	} else {
		fmt.Fprintf(&b, "GPU benchmark: skipped, no accelerator\n")
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

func cpuBenchmark(iterations int) float64 {
	var sum float64
	x := 1.0001
	for i := 0; i < iterations; i++ {
		x = x*1.0000001 + float64(i%13)
		sum += x
	}
	return sum
}
