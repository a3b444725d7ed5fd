package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/heartline/alertd/internal/types"
)

// Host metric names
const (
	MetricCPUUsage    = "system.cpu.usage"
	MetricMemoryUsage = "system.memory.usage"
	MetricDiskUsage   = "system.disk.usage"
	MetricLoad1       = "system.load.1m"
)

type probe struct {
	metric string
	read   func(ctx context.Context) (float64, error)
}

// SystemCollector samples host resource usage into a Sink
type SystemCollector struct {
	sink     Sink
	interval time.Duration
	logger   zerolog.Logger
	probes   []probe
	now      func() time.Time
}

// NewSystemCollector creates a collector for cpu, memory, disk and load
func NewSystemCollector(sink Sink, interval time.Duration, diskPath string, logger zerolog.Logger) *SystemCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemCollector{
		sink:     sink,
		interval: interval,
		logger:   logger.With().Str("component", "system-collector").Logger(),
		now:      time.Now,
		probes: []probe{
			{metric: MetricCPUUsage, read: func(ctx context.Context) (float64, error) {
				pct, err := cpu.PercentWithContext(ctx, 0, false)
				if err != nil {
					return 0, err
				}
				if len(pct) == 0 {
					return 0, fmt.Errorf("no cpu sample")
				}
				return pct[0], nil
			}},
			{metric: MetricMemoryUsage, read: func(ctx context.Context) (float64, error) {
				vmem, err := mem.VirtualMemoryWithContext(ctx)
				if err != nil {
					return 0, err
				}
				return vmem.UsedPercent, nil
			}},
			{metric: MetricDiskUsage, read: func(ctx context.Context) (float64, error) {
				usage, err := disk.UsageWithContext(ctx, diskPath)
				if err != nil {
					return 0, err
				}
				return usage.UsedPercent, nil
			}},
			{metric: MetricLoad1, read: func(ctx context.Context) (float64, error) {
				avg, err := load.AvgWithContext(ctx)
				if err != nil {
					return 0, err
				}
				return avg.Load1, nil
			}},
		},
	}
}

// Run samples once immediately and then every interval until ctx is done
func (c *SystemCollector) Run(ctx context.Context) {
	c.logger.Info().Dur("interval", c.interval).Msg("System collector started")
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("System collector stopped")
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect reads every probe once. A failing probe is logged and skipped so
// that its metric goes stale instead of reporting a wrong value.
func (c *SystemCollector) Collect(ctx context.Context) int {
	recorded := 0
	for _, p := range c.probes {
		value, err := p.read(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Str("metric", p.metric).Msg("Failed to read host metric")
			continue
		}
		c.sink.Record(types.MetricSample{MetricName: p.metric, Value: value, Timestamp: c.now()})
		recorded++
	}
	return recorded
}
