// ABOUTME: Host telemetry collection via gopsutil: cpu, memory, disks, NICs
// ABOUTME: NIC rates derive from counter deltas between collection cycles

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/docker"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/fleetd-io/fleetd/internal/protocol"
)

// Collector samples host telemetry. Not safe for concurrent use; the collect
// loop is its only caller.
type Collector struct {
	logger *slog.Logger

	prevNICs map[string]gopsnet.IOCountersStat
	prevAt   time.Time
}

// NewCollector creates a collector.
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger:   logger.With("component", "collector"),
		prevNICs: make(map[string]gopsnet.IOCountersStat),
	}
}

// Collect gathers one metric frame.
func (c *Collector) Collect(ctx context.Context) (*protocol.MetricFrame, error) {
	now := time.Now()
	frame := &protocol.MetricFrame{TimestampMs: now.UnixMilli()}

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("sampling cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		frame.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sampling memory: %w", err)
	}
	frame.MemUsedBytes = int64(vm.Used)
	frame.MemTotalBytes = int64(vm.Total)

	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		c.logger.Debug("listing partitions failed", "error", err)
	}
	for _, partition := range partitions {
		usage, err := disk.UsageWithContext(ctx, partition.Mountpoint)
		if err != nil {
			continue
		}
		frame.Disks = append(frame.Disks, protocol.DiskSample{
			Mountpoint: partition.Mountpoint,
			UsedBytes:  int64(usage.Used),
			TotalBytes: int64(usage.Total),
		})
	}

	frame.NICs = c.nicRates(ctx, now)
	return frame, nil
}

// nicRates converts cumulative interface counters into per-second rates. The
// first cycle has no baseline and reports no NICs.
func (c *Collector) nicRates(ctx context.Context, now time.Time) []protocol.NICSample {
	counters, err := gopsnet.IOCountersWithContext(ctx, true)
	if err != nil {
		c.logger.Debug("sampling nics failed", "error", err)
		return nil
	}

	elapsed := now.Sub(c.prevAt).Seconds()
	var samples []protocol.NICSample
	for _, counter := range counters {
		prev, seen := c.prevNICs[counter.Name]
		if seen && elapsed > 0 &&
			counter.BytesRecv >= prev.BytesRecv && counter.BytesSent >= prev.BytesSent {
			samples = append(samples, protocol.NICSample{
				Name:        counter.Name,
				RxBytesRate: int64(float64(counter.BytesRecv-prev.BytesRecv) / elapsed),
				TxBytesRate: int64(float64(counter.BytesSent-prev.BytesSent) / elapsed),
			})
		}
		c.prevNICs[counter.Name] = counter
	}
	c.prevAt = now
	return samples
}

// DockerInventory lists the host's containers. Fails cleanly on hosts
// without docker.
func (c *Collector) DockerInventory() (*protocol.DockerInventory, error) {
	stats, err := docker.GetDockerStat()
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	inventory := &protocol.DockerInventory{}
	for _, stat := range stats {
		state := "exited"
		if stat.Running {
			state = "running"
		}
		inventory.Containers = append(inventory.Containers, protocol.ContainerInfo{
			ContainerID: stat.ContainerID,
			Name:        stat.Name,
			Image:       stat.Image,
			State:       state,
		})
	}
	return inventory, nil
}
