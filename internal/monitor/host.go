// Package monitor watches host resource usage and raises alerts through
// the streaming hub when thresholds are breached, so operators see a
// degrading instance the same way they see a portfolio drift alert.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	cpuutil "github.com/shirou/gopsutil/v3/cpu"
	memutil "github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-network/investment-core/infrastructure/logging"
	"github.com/r3e-network/investment-core/internal/streaming"
)

// Thresholds configures when HostMonitor raises an alert.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
}

// DefaultThresholds returns conservative defaults for a backend instance.
func DefaultThresholds() Thresholds {
	return Thresholds{CPUPercent: 85, MemoryPercent: 90}
}

// HostMonitor samples CPU and memory usage and broadcasts an Alert frame to
// every session of the configured alert user when a threshold is exceeded.
type HostMonitor struct {
	hub        *streaming.Hub
	logger     *logging.Logger
	thresholds Thresholds
	// alertUser receives host-level alerts; operational alerts aren't
	// scoped to an investor, so they're broadcast to a fixed operator
	// channel rather than every portfolio owner.
	alertUser string
}

// Config wires a HostMonitor's dependencies.
type Config struct {
	Hub        *streaming.Hub
	Logger     *logging.Logger
	Thresholds Thresholds
	AlertUser  string
}

// New constructs a HostMonitor.
func New(cfg Config) *HostMonitor {
	th := cfg.Thresholds
	if th.CPUPercent == 0 {
		th = DefaultThresholds()
	}
	return &HostMonitor{hub: cfg.Hub, logger: cfg.Logger, thresholds: th, alertUser: cfg.AlertUser}
}

// Sample takes one CPU/memory reading and returns the run's summary. It is
// intended to be invoked by the job scheduler on a short interval.
func (m *HostMonitor) Sample(ctx context.Context, runID string) (interface{}, error) {
	percentages, err := cpuutil.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	cpuPercent := 0.0
	if len(percentages) > 0 {
		cpuPercent = percentages[0]
	}

	vm, err := memutil.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample memory: %w", err)
	}

	summary := map[string]float64{"cpu_percent": cpuPercent, "memory_percent": vm.UsedPercent}

	if cpuPercent > m.thresholds.CPUPercent {
		m.raise("host.cpu.high", fmt.Sprintf("CPU at %.1f%%, above %.1f%% threshold", cpuPercent, m.thresholds.CPUPercent))
	}
	if vm.UsedPercent > m.thresholds.MemoryPercent {
		m.raise("host.memory.high", fmt.Sprintf("Memory at %.1f%%, above %.1f%% threshold", vm.UsedPercent, m.thresholds.MemoryPercent))
	}

	return summary, nil
}

func (m *HostMonitor) raise(title, body string) {
	if m.hub == nil || m.alertUser == "" {
		return
	}
	m.hub.BroadcastAlert(m.alertUser, streaming.Alert{
		ID:        uuid.NewString(),
		Severity:  streaming.SeverityHigh,
		Title:     title,
		Body:      body,
		Timestamp: time.Now().UTC(),
	})
	if m.logger != nil {
		m.logger.WithFields(map[string]interface{}{"alert": title}).Warn(body)
	}
}
