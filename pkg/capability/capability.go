// Package capability measures local resource headroom and keeps a bounded
// history used for allocation and prediction.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/types"
)

const (
	HistorySize = 100
	// PredictWindow is how many recent samples feed Predict.
	PredictWindow = 10
	// NominalNetworkMbps is reported for network until bandwidth is measured.
	NominalNetworkMbps = 100.0

	highWatermark = 80.0
	lowWatermark  = 20.0

	gigabyte = 1 << 30
)

// Sample is one historical assessment.
type Sample struct {
	Profile   types.CapabilityProfile `json:"capabilities"`
	Timestamp time.Time               `json:"timestamp"`
}

// Feedback reports observed utilization percentages.
type Feedback struct {
	ComputeUtilization float64 `json:"compute_utilization"`
	MemoryUsage        float64 `json:"memory_usage"`
}

// Optimization actions emitted by Adjust.
const (
	ActionReduceCompute   = "reduce_compute_load"
	ActionIncreaseCompute = "increase_compute_load"
	ActionReduceMemory    = "reduce_memory_usage"
	ActionIncreaseMemory  = "increase_memory_usage"
)

type OptimizationAction struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// OptimizationPlan explains the adjustments Adjust applied.
type OptimizationPlan struct {
	Timestamp time.Time               `json:"timestamp"`
	Actions   []OptimizationAction    `json:"actions"`
	Profile   types.CapabilityProfile `json:"profile"`
}

// Assessor owns the live capability profile of a node.
type Assessor struct {
	mu      sync.Mutex
	sampler Sampler
	now     func() time.Time
	live    types.CapabilityProfile
	history []Sample

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewAssessor(sampler Sampler, logger *zap.Logger) *Assessor {
	if sampler == nil {
		sampler = NewSystemSampler()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assessor{
		sampler: sampler,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock replaces the time source.
func (a *Assessor) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

func (a *Assessor) SetMetrics(m *metrics.Metrics) {
	a.mu.Lock()
	a.metrics = m
	a.mu.Unlock()
}

// Profile returns the live profile without sampling.
func (a *Assessor) Profile() types.CapabilityProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// SetProfile overwrites the live profile, clamping negatives to zero.
func (a *Assessor) SetProfile(p types.CapabilityProfile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, v := range p.Map() {
		a.live.Set(name, v)
	}
	a.observeLocked()
}

// History returns the retained samples, oldest first.
func (a *Assessor) History() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sample(nil), a.history...)
}

// Assess samples the host, replaces the live profile and appends to history.
func (a *Assessor) Assess(ctx context.Context) (types.CapabilityProfile, error) {
	busy, err := a.sampler.CPUBusyPercent(ctx)
	if err != nil {
		return types.CapabilityProfile{}, types.ResourceError("assess compute", err)
	}
	memAvail, err := a.sampler.AvailableMemoryBytes(ctx)
	if err != nil {
		return types.CapabilityProfile{}, types.ResourceError("assess memory", err)
	}
	diskFree, err := a.sampler.FreeStorageBytes(ctx)
	if err != nil {
		return types.CapabilityProfile{}, types.ResourceError("assess storage", err)
	}

	var p types.CapabilityProfile
	p.Set(types.CapCompute, 100-busy)
	p.Set(types.CapMemory, float64(memAvail)/gigabyte)
	p.Set(types.CapStorage, float64(diskFree)/gigabyte)
	p.Set(types.CapNetwork, NominalNetworkMbps)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.live = p
	a.history = append(a.history, Sample{Profile: p, Timestamp: a.now()})
	if len(a.history) > HistorySize {
		a.history = append([]Sample(nil), a.history[len(a.history)-HistorySize:]...)
	}
	a.observeLocked()

	a.logger.Debug("Capabilities assessed",
		zap.Float64("compute", p.Compute),
		zap.Float64("memory_gb", p.Memory),
		zap.Float64("storage_gb", p.Storage),
		zap.Int("history", len(a.history)))
	return p, nil
}

// HistoricalAverage averages every retained sample. ok is false with no history.
func (a *Assessor) HistoricalAverage() (avg types.CapabilityProfile, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.history) == 0 {
		return avg, false
	}
	for _, s := range a.history {
		avg.Compute += s.Profile.Compute
		avg.Memory += s.Profile.Memory
		avg.Storage += s.Profile.Storage
		avg.Network += s.Profile.Network
	}
	n := float64(len(a.history))
	avg.Compute /= n
	avg.Memory /= n
	avg.Storage /= n
	avg.Network /= n
	return avg, true
}

// Predict extrapolates compute and memory horizon into the future with a
// least-squares trend over the most recent samples. Storage and network come
// from a fresh assessment. Without a usable trend it returns Assess.
func (a *Assessor) Predict(ctx context.Context, horizon time.Duration) (types.CapabilityProfile, error) {
	a.mu.Lock()
	recent := a.history
	if len(recent) > PredictWindow {
		recent = recent[len(recent)-PredictWindow:]
	}
	recent = append([]Sample(nil), recent...)
	now := a.now()
	a.mu.Unlock()

	if len(recent) < 2 {
		return a.Assess(ctx)
	}

	xs := make([]float64, len(recent))
	cpu := make([]float64, len(recent))
	memory := make([]float64, len(recent))
	origin := recent[0].Timestamp
	for i, s := range recent {
		xs[i] = s.Timestamp.Sub(origin).Seconds()
		cpu[i] = s.Profile.Compute
		memory[i] = s.Profile.Memory
	}
	cpuSlope, ok := slope(xs, cpu)
	if !ok {
		return a.Assess(ctx)
	}
	memSlope, _ := slope(xs, memory)

	last := recent[len(recent)-1]
	dt := now.Add(horizon).Sub(last.Timestamp).Seconds()

	fresh, err := a.Assess(ctx)
	if err != nil {
		return types.CapabilityProfile{}, err
	}
	return types.CapabilityProfile{
		Compute: clamp(last.Profile.Compute+cpuSlope*dt, 0, 100),
		Memory:  clamp(last.Profile.Memory+memSlope*dt, 0, 100),
		Storage: fresh.Storage,
		Network: fresh.Network,
	}, nil
}

// slope is the ordinary least squares slope of y over x. ok is false when x
// has no variance.
func slope(x, y []float64) (float64, bool) {
	n := float64(len(x))
	var mx, my float64
	for i := range x {
		mx += x[i]
		my += y[i]
	}
	mx /= n
	my /= n

	var sxy, sxx float64
	for i := range x {
		dx := x[i] - mx
		sxy += dx * (y[i] - my)
		sxx += dx * dx
	}
	if sxx == 0 {
		return 0, false
	}
	return sxy / sxx, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Adjust shrinks compute or memory by 10% when its utilization is above 80
// and grows it by 10% when below 20.
func (a *Assessor) Adjust(fb Feedback) OptimizationPlan {
	a.mu.Lock()
	defer a.mu.Unlock()

	plan := OptimizationPlan{Timestamp: a.now()}
	switch {
	case fb.ComputeUtilization > highWatermark:
		a.live.Set(types.CapCompute, a.live.Compute*0.9)
		plan.Actions = append(plan.Actions, OptimizationAction{
			Type:   ActionReduceCompute,
			Reason: fmt.Sprintf("compute utilization high (%.1f%%)", fb.ComputeUtilization),
		})
	case fb.ComputeUtilization < lowWatermark:
		a.live.Set(types.CapCompute, a.live.Compute*1.1)
		plan.Actions = append(plan.Actions, OptimizationAction{
			Type:   ActionIncreaseCompute,
			Reason: fmt.Sprintf("compute utilization low (%.1f%%)", fb.ComputeUtilization),
		})
	}
	switch {
	case fb.MemoryUsage > highWatermark:
		a.live.Set(types.CapMemory, a.live.Memory*0.9)
		plan.Actions = append(plan.Actions, OptimizationAction{
			Type:   ActionReduceMemory,
			Reason: fmt.Sprintf("memory usage high (%.1f%%)", fb.MemoryUsage),
		})
	case fb.MemoryUsage < lowWatermark:
		a.live.Set(types.CapMemory, a.live.Memory*1.1)
		plan.Actions = append(plan.Actions, OptimizationAction{
			Type:   ActionIncreaseMemory,
			Reason: fmt.Sprintf("memory usage low (%.1f%%)", fb.MemoryUsage),
		})
	}
	plan.Profile = a.live
	a.observeLocked()

	a.logger.Info("Capabilities adjusted",
		zap.Float64("compute_utilization", fb.ComputeUtilization),
		zap.Float64("memory_usage", fb.MemoryUsage),
		zap.Int("actions", len(plan.Actions)))
	return plan
}

// Optimize derives feedback from the last assessment and the sampler's memory
// usage, then applies Adjust. Compute utilization is 100 minus the live
// compute headroom. Without a UsageSampler memory is left untouched.
func (a *Assessor) Optimize(ctx context.Context) (OptimizationPlan, error) {
	fb := Feedback{
		ComputeUtilization: 100 - a.Profile().Compute,
		MemoryUsage:        (highWatermark + lowWatermark) / 2,
	}
	if us, ok := a.sampler.(UsageSampler); ok {
		used, err := us.MemoryUsedPercent(ctx)
		if err != nil {
			return OptimizationPlan{}, types.ResourceError("optimize memory", err)
		}
		fb.MemoryUsage = used
	}
	return a.Adjust(fb), nil
}

// Expand multiplies each named capability by (1 + percent/100). Unknown
// names are logged and ignored.
func (a *Assessor) Expand(plan map[string]float64) types.CapabilityProfile {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(plan))
	for name := range plan {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		current, ok := a.live.Get(name)
		if !ok {
			a.logger.Warn("Ignoring unknown capability in expansion plan", zap.String("capability", name))
			continue
		}
		a.live.Set(name, current*(1+plan[name]/100))
	}
	a.observeLocked()

	a.logger.Info("Capabilities expanded",
		zap.Any("plan", plan),
		zap.Float64("compute", a.live.Compute),
		zap.Float64("memory", a.live.Memory))
	return a.live
}

func (a *Assessor) observeLocked() {
	if a.metrics == nil {
		return
	}
	for name, v := range a.live.Map() {
		a.metrics.Capability.WithLabelValues(name).Set(v)
	}
}
