// Package admission implements CPU/memory based admission control. One
// sampler goroutine owns the state and publishes atomic snapshots;
// request paths read the latest snapshot without locking. Existing,
// already-admitted work is never interrupted by a status change.
package admission

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/nestgraph/nestgraph/internal/errdefs"
)

// Status is the derived admission status.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Snapshot is one published admission state. Immutable once published.
type Snapshot struct {
	Status        Status
	CPUPercent    float64
	MemoryPercent float64
	SampledAt     time.Time

	// RetryAfter is a soft backoff hint surfaced to callers while the
	// process is under warning or critical load.
	RetryAfter time.Duration
}

// UsageFunc reads current CPU and memory utilization percentages.
type UsageFunc func(ctx context.Context) (cpuPct, memPct float64, err error)

// Config holds sampler thresholds and hysteresis windows.
type Config struct {
	Interval time.Duration

	CPUWarningPercent  float64
	CPUCriticalPercent float64
	MemWarningPercent  float64
	MemCriticalPercent float64

	// CriticalSamples is how many consecutive at-or-above-critical
	// samples are required to enter critical.
	CriticalSamples int

	// RecoverySamples is how many consecutive below-warning samples
	// are required to return to healthy.
	RecoverySamples int

	// Usage overrides the system sampler; tests inject a fake here.
	Usage UsageFunc

	Logger *slog.Logger
}

// ApplyDefaults fills zero fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.CPUWarningPercent <= 0 {
		c.CPUWarningPercent = 75
	}
	if c.CPUCriticalPercent <= 0 {
		c.CPUCriticalPercent = 90
	}
	if c.MemWarningPercent <= 0 {
		c.MemWarningPercent = 80
	}
	if c.MemCriticalPercent <= 0 {
		c.MemCriticalPercent = 92
	}
	if c.CriticalSamples <= 0 {
		c.CriticalSamples = 3
	}
	if c.RecoverySamples <= 0 {
		c.RecoverySamples = 3
	}
	if c.Usage == nil {
		c.Usage = systemUsage
	}
}

// systemUsage samples process-host utilization via gopsutil.
func systemUsage(ctx context.Context) (float64, float64, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	cpuPct := 0.0
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}
	return cpuPct, vm.UsedPercent, nil
}

// Controller samples resource usage and gates new work.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	current atomic.Pointer[Snapshot]

	// Consecutive-sample counters for hysteresis. Touched only by the
	// sampler goroutine.
	criticalStreak int
	recoveryStreak int
}

// New creates a controller with an initial healthy snapshot.
func New(cfg Config) *Controller {
	cfg.ApplyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Controller{cfg: cfg, logger: logger}
	c.current.Store(&Snapshot{Status: StatusHealthy, SampledAt: time.Now()})
	return c
}

// Run samples on the configured interval until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sample(ctx)
		}
	}
}

// Sample takes one reading and publishes the derived snapshot. Exposed
// for tests, which drive hysteresis sample by sample.
func (c *Controller) Sample(ctx context.Context) {
	cpuPct, memPct, err := c.cfg.Usage(ctx)
	if err != nil {
		c.logger.Warn("resource sampling failed", "error", err)
		return
	}

	prev := c.current.Load()
	next := c.derive(prev.Status, cpuPct, memPct)

	snap := &Snapshot{
		Status:        next,
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		SampledAt:     time.Now(),
	}
	if next != StatusHealthy {
		snap.RetryAfter = c.cfg.Interval
	}
	c.current.Store(snap)

	if next != prev.Status {
		c.logger.Info("admission status changed",
			"from", prev.Status, "to", next,
			"cpu", cpuPct, "memory", memPct)
	}
}

// derive applies thresholds with hysteresis on the consecutive-sample
// counters.
func (c *Controller) derive(prev Status, cpuPct, memPct float64) Status {
	atCritical := cpuPct >= c.cfg.CPUCriticalPercent || memPct >= c.cfg.MemCriticalPercent
	belowWarning := cpuPct < c.cfg.CPUWarningPercent && memPct < c.cfg.MemWarningPercent

	if atCritical {
		c.criticalStreak++
	} else {
		c.criticalStreak = 0
	}
	if belowWarning {
		c.recoveryStreak++
	} else {
		c.recoveryStreak = 0
	}

	switch prev {
	case StatusCritical:
		if c.recoveryStreak >= c.cfg.RecoverySamples {
			return StatusHealthy
		}
		return StatusCritical
	default:
		if c.criticalStreak >= c.cfg.CriticalSamples {
			return StatusCritical
		}
		if belowWarning {
			return StatusHealthy
		}
		return StatusWarning
	}
}

// Current returns the latest published snapshot.
func (c *Controller) Current() *Snapshot {
	return c.current.Load()
}

// Admit returns nil when new work may proceed, or an
// AdmissionRejectedError when the process is critical.
func (c *Controller) Admit() error {
	snap := c.current.Load()
	if snap.Status == StatusCritical {
		return &errdefs.AdmissionRejectedError{
			CPUPercent:    snap.CPUPercent,
			MemoryPercent: snap.MemoryPercent,
		}
	}
	return nil
}
