package endpoint

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LoadSampler provides the cpu load figure carried in STATUS_UPDATE
// heartbeats. Sampling must be cheap: it runs on the status loop.
type LoadSampler interface {
	Sample() float64
}

// SystemLoadSampler reads the one-minute load average normalized by the
// logical processor count, so 1.0 means "fully busy". On platforms without
// /proc it reports zero rather than guessing.
type SystemLoadSampler struct{}

func (SystemLoadSampler) Sample() float64 {
	contents, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(contents))
	if len(fields) == 0 {
		return 0
	}
	loadavg, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return loadavg / float64(runtime.NumCPU())
}

// StaticLoadSampler always reports the same figure; used in tests.
type StaticLoadSampler struct {
	Load float64
}

func (s StaticLoadSampler) Sample() float64 {
	return s.Load
}
