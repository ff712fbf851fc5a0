package accelerator

import (
	"fmt"
	"runtime"
	"sync"
)

// Kind distinguishes a hardware device context from the CPU fallback.
type Kind int

const (
	KindCPU Kind = iota
	KindGPU
)

func (k Kind) String() string {
	if k == KindGPU {
		return "GPU"
	}
	return "CPU"
}

// Device describes one detected compute device. Memory is in MiB.
type Device struct {
	Kind   Kind
	Vendor string
	Name   string
	Index  uint64
	Memory uint64
}

func (d Device) String() string {
	if d.Kind == KindCPU {
		return fmt.Sprintf("CPU (%d logical processors)", runtime.NumCPU())
	}
	return fmt.Sprintf("%s %s (%d MiB)", d.Vendor, d.Name, d.Memory)
}

// Context is the process-wide compute context created once at startup and
// shared read-only by everything that needs it. The actual workload kernels
// are dispatched by the (out of scope) compute library; the context owns
// device selection, the startup self-test and the diagnostic benchmark, and
// is disposed exactly once at shutdown.
type Context struct {
	device Device

	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

func newContext(device Device) *Context {
	return &Context{device: device}
}

// Device returns the selected device.
func (c *Context) Device() Device {
	return c.device
}

// Accelerated reports whether a non-CPU device backs this context.
func (c *Context) Accelerated() bool {
	return c.device.Kind == KindGPU
}

// VectorAdd computes a[i]+b[i] for equal-length vectors. It is the kernel
// used by the startup self-test and is deliberately trivial.
func (c *Context) VectorAdd(a, b []float32) ([]float32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("accelerator context is closed")
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("vector length mismatch: %d != %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out, nil
}

// Benchmark runs a deterministic fixed-iteration kernel and returns its
// checksum. Iteration count, not wall clock, bounds the work so results are
// comparable across hosts.
func (c *Context) Benchmark(iterations int) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, fmt.Errorf("accelerator context is closed")
	}
	if iterations <= 0 {
		return 0, fmt.Errorf("benchmark iterations must be positive, got %d", iterations)
	}
	var sum float64
	x := 1.0001
	for i := 0; i < iterations; i++ {
		x = x*1.0000001 + float64(i%7)
		sum += x
	}
	return sum, nil
}

// Close releases the context. Safe to call more than once; only the first
// call has any effect.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	})
	return nil
}
