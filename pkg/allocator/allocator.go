// Package allocator grants resources against the local capability profile.
package allocator

import (
	"sort"

	"go.uber.org/zap"

	"meshdeploy/pkg/types"
)

// Source supplies the live profile and its historical average.
type Source interface {
	Profile() types.CapabilityProfile
	HistoricalAverage() (types.CapabilityProfile, bool)
}

type Allocator struct {
	source Source
	logger *zap.Logger
}

func New(source Source, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{source: source, logger: logger}
}

// Allocate grants min(required, available) for every known capability.
// Unknown requirement names are ignored. When the historical average of
// compute or memory exceeds 80 the grant for it is raised by 20%, capped at 100.
func (a *Allocator) Allocate(requirements map[string]float64) map[string]float64 {
	available := a.source.Profile()
	grants := make(map[string]float64, len(requirements))

	names := make([]string, 0, len(requirements))
	for name := range requirements {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		have, ok := available.Get(name)
		if !ok {
			a.logger.Debug("Ignoring unknown requirement", zap.String("capability", name))
			continue
		}
		want := requirements[name]
		if want < 0 {
			want = 0
		}
		grants[name] = min(want, have)
	}

	if avg, ok := a.source.HistoricalAverage(); ok {
		boost(grants, types.CapCompute, avg.Compute)
		boost(grants, types.CapMemory, avg.Memory)
	}

	a.logger.Debug("Resources allocated", zap.Any("requirements", requirements), zap.Any("grants", grants))
	return grants
}

func boost(grants map[string]float64, name string, average float64) {
	g, ok := grants[name]
	if !ok || average <= 80 {
		return
	}
	grants[name] = min(g*1.2, 100)
}

// Shortfalls reports, per known capability, how far the requirement exceeds
// what is available. Satisfied capabilities are omitted.
func (a *Allocator) Shortfalls(requirements map[string]float64) map[string]float64 {
	available := a.source.Profile()
	out := make(map[string]float64)
	for name, want := range requirements {
		have, ok := available.Get(name)
		if !ok || want <= have {
			continue
		}
		out[name] = want - have
	}
	return out
}
