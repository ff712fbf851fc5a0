package accelerator

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	VendorNvidia = "NVIDIA"
	VendorAMDATI = "AMD/ATI"
)

// CommandRunner executes a detection tool and returns its stdout. Tests
// substitute canned output; production uses exec.CommandContext.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "running %s %s", name, strings.Join(args, " "))
	}
	return stdout.Bytes(), nil
}

// toolProbe detects one vendor's devices through its management tool, the
// same way host capacity is probed from nvidia-smi and rocm-smi elsewhere.
type toolProbe struct {
	Vendor string
	Tool   string
	Args   []string
	Parse  func(io.Reader) ([]Device, error)
}

func nvidiaProbe() toolProbe {
	return toolProbe{
		Vendor: VendorNvidia,
		Tool:   "nvidia-smi",
		Args:   []string{"--query-gpu=index,gpu_name,memory.total", "--format=csv,noheader,nounits"},
		Parse:  parseNvidiaSMIOutput,
	}
}

func amdProbe() toolProbe {
	return toolProbe{
		Vendor: VendorAMDATI,
		Tool:   "rocm-smi",
		Args:   []string{"--showproductname", "--showmeminfo", "vram", "--json"},
		Parse:  parseRocmSMIOutput,
	}
}

func defaultProbes() []toolProbe {
	return []toolProbe{nvidiaProbe(), amdProbe()}
}

func (p toolProbe) detect(ctx context.Context, run CommandRunner) ([]Device, error) {
	output, err := run(ctx, p.Tool, p.Args...)
	if err != nil {
		return nil, err
	}
	return p.Parse(bytes.NewReader(output))
}

// parseNvidiaSMIOutput parses `nvidia-smi --query-gpu=... --format=csv`:
// one "index, name, memory" record per device.
func parseNvidiaSMIOutput(output io.Reader) ([]Device, error) {
	reader := csv.NewReader(output)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "parsing nvidia-smi output")
	}

	devices := make([]Device, 0, len(records))
	for _, record := range records {
		if len(record) != 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi record: %v", record)
		}
		index, err := strconv.ParseUint(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parsing nvidia-smi device index")
		}
		memory, err := strconv.ParseUint(strings.TrimSpace(record[2]), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parsing nvidia-smi device memory")
		}
		devices = append(devices, Device{
			Kind:   KindGPU,
			Vendor: VendorNvidia,
			Name:   strings.TrimSpace(record[1]),
			Index:  index,
			Memory: memory,
		})
	}
	return devices, nil
}

const bytesInMiB = 1024 * 1024

// parseRocmSMIOutput parses `rocm-smi --json`: a map of cardN objects whose
// fields of interest are the card series and VRAM total in bytes.
func parseRocmSMIOutput(output io.Reader) ([]Device, error) {
	var parsed map[string]map[string]string
	if err := json.NewDecoder(output).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "parsing rocm-smi output")
	}

	devices := make([]Device, 0, len(parsed))
	for card, fields := range parsed {
		index, err := strconv.ParseUint(strings.TrimPrefix(card, "card"), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing rocm-smi card id %q", card)
		}
		var memory uint64
		if raw, ok := fields["VRAM Total Memory (B)"]; ok {
			memoryBytes, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, errors.Wrap(err, "parsing rocm-smi VRAM total")
			}
			memory = memoryBytes / bytesInMiB
		}
		devices = append(devices, Device{
			Kind:   KindGPU,
			Vendor: VendorAMDATI,
			Name:   fields["Card series"],
			Index:  index,
			Memory: memory,
		})
	}
	return devices, nil
}
