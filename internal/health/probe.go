// Package health samples process resource usage on a background interval so
// the scheduler can gate autonomous work on a cached snapshot instead of
// paying for a fresh reading every tick.
package health

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/inkstone-app/inkstone/internal/model"
)

// Snapshot is one cached resource reading.
type Snapshot struct {
	Healthy    bool      `json:"healthy"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Goroutines int       `json:"goroutines"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Probe samples resource usage in the background and serves the latest
// snapshot from memory.
type Probe struct {
	limits   func() model.ResourceLimits
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	latest  Snapshot
	lastCPU cpuSample

	cancel context.CancelFunc
	done   chan struct{}
}

type cpuSample struct {
	busy time.Duration
	at   time.Time
}

// NewProbe builds a probe. limits is read fresh on every sample so config
// updates take effect without a restart.
func NewProbe(limits func() model.ResourceLimits, interval time.Duration, logger *slog.Logger) *Probe {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Probe{
		limits:   limits,
		interval: interval,
		logger:   logger,
		latest:   Snapshot{Healthy: true, SampledAt: time.Now()},
	}
}

// Start takes an immediate sample and begins the background loop.
func (p *Probe) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.sample()
	go p.loop(ctx)
}

// Stop halts the background loop and waits for it to exit.
func (p *Probe) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// Latest returns the most recent snapshot without sampling.
func (p *Probe) Latest() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

func (p *Probe) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

// sample reads memory and goroutine stats and derives CPU usage from the
// growth of process CPU time between samples.
func (p *Probe) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	now := time.Now()
	busy := cpuBusy()

	p.mu.Lock()
	defer p.mu.Unlock()

	cpu := 0.0
	if !p.lastCPU.at.IsZero() {
		wall := now.Sub(p.lastCPU.at)
		if wall > 0 {
			cpu = float64(busy-p.lastCPU.busy) / float64(wall) * 100
			cpu = min(max(cpu, 0), 100*float64(runtime.NumCPU()))
		}
	}
	p.lastCPU = cpuSample{busy: busy, at: now}

	memMB := float64(ms.HeapAlloc+ms.StackInuse) / (1 << 20)
	limits := p.limits()
	healthy := true
	if limits.MaxMemoryMB > 0 && memMB > float64(limits.MaxMemoryMB) {
		healthy = false
	}
	if limits.MaxCPUPercent > 0 && cpu > limits.MaxCPUPercent {
		healthy = false
	}

	prev := p.latest.Healthy
	p.latest = Snapshot{
		Healthy:    healthy,
		CPUPercent: cpu,
		MemoryMB:   memMB,
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  now,
	}
	if prev != healthy {
		p.logger.Warn("health: state changed",
			"healthy", healthy, "cpu_percent", cpu, "memory_mb", memMB)
	}
}
