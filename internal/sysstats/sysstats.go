// Package sysstats takes a snapshot of host and process resource usage for
// the system health endpoint.
package sysstats

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const mb = 1024.0 * 1024.0

// Stats is one snapshot. Values that could not be read stay zero and the
// reason is listed in Errors.
type Stats struct {
	CPULoad      float64   `json:"cpuLoad"`
	RAMUsedMB    float64   `json:"ramUsedMB"`
	RAMTotalMB   float64   `json:"ramTotalMB"`
	ProcessRSSMB float64   `json:"processRssMB"`
	DiskUsedGB   float64   `json:"diskUsedGB"`
	DiskTotalGB  float64   `json:"diskTotalGB"`
	CollectedAt  time.Time `json:"collectedAt"`
	Errors       []string  `json:"errors,omitempty"`
}

// Collector reads Stats. The zero value measures CPU over 200ms and disk
// usage of "/".
type Collector struct {
	CPUInterval time.Duration
	DiskPath    string
}

// Collect gathers every metric it can. It fails only when none could be read.
func (c Collector) Collect(ctx context.Context) (Stats, error) {
	interval := c.CPUInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	path := c.DiskPath
	if path == "" {
		path = "/"
	}

	s := Stats{CollectedAt: time.Now().UTC()}
	var errs []error
	fail := func(what string, err error) {
		errs = append(errs, err)
		s.Errors = append(s.Errors, what+": "+err.Error())
	}

	if pct, err := cpu.PercentWithContext(ctx, interval, false); err != nil {
		fail("cpu", err)
	} else if len(pct) > 0 {
		s.CPULoad = pct[0]
	}

	// Used memory is Total - Available; Linux page cache counts as available.
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		fail("memory", err)
	} else {
		s.RAMUsedMB = float64(vm.Total-vm.Available) / mb
		s.RAMTotalMB = float64(vm.Total) / mb
	}

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err != nil {
		fail("process", err)
	} else if info, err := p.MemoryInfoWithContext(ctx); err != nil {
		fail("process", err)
	} else {
		s.ProcessRSSMB = float64(info.RSS) / mb
	}

	if du, err := disk.UsageWithContext(ctx, path); err != nil {
		fail("disk", err)
	} else {
		s.DiskUsedGB = float64(du.Used) / mb / 1024.0
		s.DiskTotalGB = float64(du.Total) / mb / 1024.0
	}

	if len(errs) == 4 {
		return s, errors.Join(errs...)
	}
	return s, nil
}
