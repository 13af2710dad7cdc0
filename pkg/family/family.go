// Package family discovers conversation families online: greedy
// nearest-centroid assignment with a member-weighted centroid EMA.
package family

import (
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Family is one online-discovered cluster of structurally similar turns.
type Family struct {
	ID       core.FamilyID `msgpack:"id" json:"id"`
	Ordinal  uint64        `msgpack:"ordinal" json:"ordinal"`
	Centroid []float64     `msgpack:"centroid" json:"centroid"`

	// Members is capped at the configured maximum; Assignments is not.
	Members     int    `msgpack:"members" json:"members"`
	Assignments uint64 `msgpack:"assignments" json:"assignments"`

	MeanSatisfaction float64 `msgpack:"mean_satisfaction" json:"meanSatisfaction"`

	// V0Target is the learned convergence energy. It only moves on
	// high-quality turns.
	V0Target  float64 `msgpack:"v0_target" json:"v0Target"`
	HasTarget bool    `msgpack:"has_target" json:"hasTarget"`

	EnergyHistory       core.Ring[float64] `msgpack:"energy_history" json:"energyHistory"`
	SatisfactionHistory core.Ring[float64] `msgpack:"satisfaction_history" json:"satisfactionHistory"`

	CreatedAt time.Time `msgpack:"created_at" json:"createdAt"`
	UpdatedAt time.Time `msgpack:"updated_at" json:"updatedAt"`
}

func newFamily(ordinal uint64, sig []float64, historySize int) *Family {
	now := time.Now()
	return &Family{
		ID:                  core.NewFamilyID(),
		Ordinal:             ordinal,
		Centroid:            append([]float64(nil), sig...),
		EnergyHistory:       core.NewRing[float64](historySize),
		SatisfactionHistory: core.NewRing[float64](historySize),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Clone deep-copies the family.
func (f *Family) Clone() Family {
	out := *f
	out.Centroid = append([]float64(nil), f.Centroid...)
	out.EnergyHistory.Items = f.EnergyHistory.Values()
	out.SatisfactionHistory.Items = f.SatisfactionHistory.Values()
	return out
}

// memberAlpha is the EMA weight of the next member. It decays as the family
// grows and bottoms out at 1/maxMembers once the counter is capped.
func memberAlpha(members, maxMembers int) float64 {
	return max(1/float64(members+1), 1/float64(maxMembers))
}

// moveCentroid applies centroid = (1−α)·centroid + α·v in place.
func (f *Family) moveCentroid(v []float64, alpha float64) {
	floats.Scale(1-alpha, f.Centroid)
	floats.AddScaled(f.Centroid, alpha, v)
}

// observe folds one turn's satisfaction and energy into the family statistics.
func (f *Family) observe(sat, energy float64, cfg core.FamilyConfig) {
	if f.Assignments == 0 {
		f.MeanSatisfaction = sat
	} else {
		f.MeanSatisfaction = (1-cfg.SatisfactionAlpha)*f.MeanSatisfaction + cfg.SatisfactionAlpha*sat
	}
	f.Assignments++
	f.SatisfactionHistory.Push(sat)
	f.EnergyHistory.Push(energy)

	if sat > cfg.QualityGate {
		if !f.HasTarget {
			f.V0Target = energy
			f.HasTarget = true
		} else {
			f.V0Target = (1-cfg.TargetAlpha)*f.V0Target + cfg.TargetAlpha*energy
		}
	}
	f.UpdatedAt = time.Now()
}

// absorb merges other into f with member-weighted statistics.
func (f *Family) absorb(other *Family, maxMembers int) {
	wf, wo := float64(max(f.Members, 1)), float64(max(other.Members, 1))
	total := wf + wo

	floats.Scale(wf/total, f.Centroid)
	floats.AddScaled(f.Centroid, wo/total, other.Centroid)
	f.MeanSatisfaction = (wf*f.MeanSatisfaction + wo*other.MeanSatisfaction) / total

	switch {
	case f.HasTarget && other.HasTarget:
		f.V0Target = (wf*f.V0Target + wo*other.V0Target) / total
	case other.HasTarget:
		f.V0Target, f.HasTarget = other.V0Target, true
	}

	for _, e := range other.EnergyHistory.Items {
		f.EnergyHistory.Push(e)
	}
	for _, s := range other.SatisfactionHistory.Items {
		f.SatisfactionHistory.Push(s)
	}
	f.Members = min(f.Members+other.Members, maxMembers)
	f.Assignments += other.Assignments
	f.UpdatedAt = time.Now()
}
