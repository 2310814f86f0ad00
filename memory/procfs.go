package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcSource reads system memory from a Linux meminfo file.
type ProcSource struct {
	Path string
}

// NewProcSource returns a ProcSource for path ("/proc/meminfo" when empty).
func NewProcSource(path string) *ProcSource {
	if path == "" {
		path = "/proc/meminfo"
	}
	return &ProcSource{Path: path}
}

// Info parses MemTotal and MemAvailable. Kernels without MemAvailable fall
// back to MemFree + Buffers + Cached.
func (p *ProcSource) Info(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	f, err := os.Open(p.Path)
	if err != nil {
		return Info{}, fmt.Errorf("memory: open %s: %w", p.Path, err)
	}
	defer f.Close()

	fields := make(map[string]uint64, 8)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		v, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		// Values are reported in kB.
		fields[key] = v * 1024
	}
	if err := sc.Err(); err != nil {
		return Info{}, fmt.Errorf("memory: read %s: %w", p.Path, err)
	}

	total, ok := fields["MemTotal"]
	if !ok {
		return Info{}, fmt.Errorf("memory: MemTotal missing from %s", p.Path)
	}
	avail, ok := fields["MemAvailable"]
	if !ok {
		avail = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}

	return Info{CapacityBytes: total, AvailableCapacityBytes: avail}, nil
}

// ProcessRSS returns the resident set size of pid, read from the VmRSS line
// of <procRoot>/<pid>/status. procRoot defaults to "/proc".
func ProcessRSS(procRoot string, pid int) (uint64, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	path := filepath.Join(procRoot, strconv.Itoa(pid), "status")
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("memory: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || key != "VmRSS" {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			break
		}
		kb, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memory: parse VmRSS of %d: %w", pid, err)
		}
		return kb * 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("memory: read %s: %w", path, err)
	}
	return 0, fmt.Errorf("memory: VmRSS missing for pid %d", pid)
}
