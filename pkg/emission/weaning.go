package emission

import (
	"math"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Weaning is the progressive external-dependence schedule: exponential
// decay toward a floor over the organism's lifetime, in turns.
type Weaning struct {
	Initial  float64
	HalfLife float64
	Floor    float64
}

// WeaningFromConfig reads the schedule.
func WeaningFromConfig(cfg core.EmissionConfig) Weaning {
	return Weaning{Initial: cfg.WeaningInitial, HalfLife: cfg.WeaningHalfLife, Floor: cfg.WeaningFloor}
}

// Weight returns max(floor, initial · 2^(−turns/halfLife)).
func (w Weaning) Weight(turns uint64) float64 {
	if w.HalfLife <= 0 {
		return core.Clamp01(w.Floor)
	}
	decayed := w.Initial * math.Exp2(-float64(turns)/w.HalfLife)
	return core.Clamp01(math.Max(w.Floor, decayed))
}
