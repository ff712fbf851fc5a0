package accelerator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/rs/zerolog/log"
)

const DefaultSelfTestSize = 1000

type SelectorParams struct {
	// Disabled forces the CPU fallback without probing any hardware.
	Disabled bool
	// SelfTestSize is the vector length of the startup self-test.
	// DefaultSelfTestSize when zero.
	SelfTestSize int
	// Runner overrides tool execution, for tests.
	Runner CommandRunner
}

// Select enumerates compute devices, prefers the first usable non-CPU device
// and falls back to the CPU. The chosen context is validated with a trivial
// vector-add self-test; a self-test failure demotes to CPU rather than
// aborting startup, so acceleration is simply reported unavailable
// downstream.
func Select(ctx context.Context, params SelectorParams) (*Context, error) {
	runner := params.Runner
	if runner == nil {
		runner = defaultCommandRunner
	}
	size := params.SelfTestSize
	if size <= 0 {
		size = DefaultSelfTestSize
	}

	if !params.Disabled {
		for _, probe := range defaultProbes() {
			devices, err := probe.detect(ctx, runner)
			if err != nil {
				// hosts without the tool, or with broken drivers, are
				// expected; probe the next vendor
				log.Ctx(ctx).Debug().Err(err).Msgf("Cannot inspect %s devices", probe.Vendor)
				continue
			}
			if len(devices) == 0 {
				continue
			}
			sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
			accelerated := newContext(devices[0])
			if err := selfTest(accelerated, size); err != nil {
				log.Ctx(ctx).Warn().Err(err).
					Msgf("Accelerator self-test failed on %s, falling back to CPU", devices[0])
				_ = accelerated.Close()
				break
			}
			log.Ctx(ctx).Info().Msgf("Accelerator self-test passed on %s", devices[0])
			return accelerated, nil
		}
	}

	fallback := newContext(Device{Kind: KindCPU, Name: "cpu"})
	if err := selfTest(fallback, size); err != nil {
		// the fallback failing its own self-test is still not fatal:
		// report and run unaccelerated
		log.Ctx(ctx).Warn().Err(err).Msg("CPU context self-test failed")
	} else {
		log.Ctx(ctx).Info().Msg("Accelerator self-test passed on CPU fallback")
	}
	return fallback, nil
}

// selfTest validates a freshly created context with a vector add and checks
// every element of the result.
func selfTest(c *Context, size int) error {
	rng := rand.New(rand.NewSource(int64(size))) //nolint:gosec // test data, not crypto
	a := make([]float32, size)
	b := make([]float32, size)
	for i := 0; i < size; i++ {
		a[i] = rng.Float32()
		b[i] = rng.Float32()
	}

	out, err := c.VectorAdd(a, b)
	if err != nil {
		return err
	}
	for i := range out {
		if out[i] != a[i]+b[i] {
			return fmt.Errorf("self-test result mismatch at element %d", i)
		}
	}
	return nil
}
