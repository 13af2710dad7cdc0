// Package convergence runs the bounded per-turn energy descent and its
// Kairos stopping test.
package convergence

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/coupling"
	"github.com/denizumutdereli/kairos/pkg/nexus"
)

// Satisfaction blend. The family target bonus is added on top and the
// result clamped.
const (
	coherenceShare = 0.45
	agreementShare = 0.25
	lureShare      = 0.30

	// targetBand is the energy distance at which the target bonus reaches 0.
	targetBand = 0.25

	// maxGain bounds how far spreading can amplify a feature contribution.
	maxGain = 2.0
	gainEps = 1e-6
)

// Input is everything one descent reads. The matrix is read-only here.
type Input struct {
	Activations []core.Activation
	Matrix      *coupling.Matrix

	// Target is the family's learned convergence energy, if any.
	Target    float64
	HasTarget bool
}

// Cycle records the terms of one descent step.
type Cycle struct {
	Index        int     `json:"index"`
	Energy       float64 `json:"energy"`
	Satisfaction float64 `json:"satisfaction"`
	Coherence    float64 `json:"coherence"`
	Agreement    float64 `json:"agreement"`
	Resonance    float64 `json:"resonance"`
	Complexity   float64 `json:"complexity"`
	Lure         float64 `json:"lure"`
	Delta        float64 `json:"delta"`
	Nexuses      int     `json:"nexuses"`
}

// Result is the terminal convergence state handed downstream.
type Result struct {
	State        core.ConvergenceState `json:"state"`
	Cycles       int                   `json:"cycles"`
	Energy       float64               `json:"energy"`
	Satisfaction float64               `json:"satisfaction"`
	Confidence   float64               `json:"confidence"`
	Kairos       bool                  `json:"kairos"`
	KairosCycle  int                   `json:"kairosCycle,omitempty"`
	Urgency      float64               `json:"urgency"`

	Trace   core.Ring[float64] `json:"trace"`
	Steps   []Cycle            `json:"steps"`
	Nexuses []nexus.Nexus      `json:"nexuses"`
	Summary nexus.Summary      `json:"summary"`

	// Coherence holds the original per-extractor coherence scores used by
	// the Hebbian update; spreading does not leak into learning.
	Coherence []float64 `json:"coherence"`
}

// Loop is the energy descent. It is stateless between turns.
type Loop struct {
	cfg      core.ConvergenceConfig
	detector *nexus.Detector
}

// NewLoop creates a descent bound to a nexus detector.
func NewLoop(cfg core.ConvergenceConfig, detector *nexus.Detector) *Loop {
	if cfg.MaxCycles < 1 {
		cfg.MaxCycles = 1
	}
	if cfg.MinKairosCycle < 1 {
		cfg.MinKairosCycle = 1
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = cfg.MaxCycles
	}
	return &Loop{cfg: cfg, detector: detector}
}

// Run descends until the Kairos test passes or the cycle cap is hit. It
// always returns within MaxCycles cycles.
func (l *Loop) Run(in Input) Result {
	cfg := l.cfg
	n := len(in.Activations)

	base := make([]float64, n)
	levels := make([]float64, n)
	urgency := make([]float64, n)
	for i, a := range in.Activations {
		base[i] = core.Clamp01(a.Coherence)
		levels[i] = base[i]
		urgency[i] = core.Clamp01(a.Urgency)
	}

	res := Result{
		State:     core.StateDescending,
		Energy:    cfg.InitialEnergy,
		Trace:     core.NewRing[float64](cfg.HistorySize),
		Coherence: append([]float64(nil), base...),
	}
	if n > 0 {
		res.Urgency = stat.Mean(urgency, nil)
	}
	res.Trace.Push(res.Energy)

	prev := cfg.InitialEnergy
	for cycle := 1; cycle <= cfg.MaxCycles; cycle++ {
		levels = spread(levels, in.Matrix, cfg.SpreadRate)
		working := amplify(in.Activations, base, levels)
		nexuses := l.detector.Detect(working, in.Matrix)

		step := Cycle{Index: cycle, Nexuses: len(nexuses)}
		step.Coherence, step.Agreement = coherenceAndAgreement(levels)
		step.Resonance = resonance(levels, in.Matrix)
		step.Lure = lure(nexuses)
		step.Complexity = complexity(working, res.Urgency)

		sat := coherenceShare*step.Coherence + agreementShare*step.Agreement + lureShare*step.Lure
		if in.HasTarget {
			closeness := math.Max(0, 1-math.Abs(prev-in.Target)/targetBand)
			sat += cfg.TargetBonus * closeness
		}
		step.Satisfaction = core.Clamp01(sat)

		w := cfg.Weights
		partial := w.Satisfaction*(1-step.Satisfaction) +
			w.Agreement*(1-step.Agreement) +
			w.Resonance*(1-step.Resonance) +
			w.Complexity*step.Complexity +
			w.Lure*(1-step.Lure)
		candidate := partial
		if rest := 1 - w.Delta; rest > 0 {
			candidate = partial / rest
		}
		step.Delta = math.Abs(candidate - prev)
		step.Energy = core.Clamp01(partial + w.Delta*step.Delta)

		res.Steps = append(res.Steps, step)
		res.Trace.Push(step.Energy)
		res.Cycles = cycle
		res.Energy = step.Energy
		res.Satisfaction = step.Satisfaction
		res.Nexuses = nexuses
		prev = step.Energy

		if l.kairos(cycle, step.Energy, step.Satisfaction) {
			res.State = core.StateConverged
			res.Kairos = true
			res.KairosCycle = cycle
			res.Confidence = math.Min(1, step.Satisfaction*cfg.ConfidenceBoost)
			break
		}
	}

	if res.State != core.StateConverged {
		res.State = core.StateMaxCyclesReached
		res.Confidence = core.Clamp01(res.Satisfaction * cfg.NonConvergencePenalty)
	}
	res.Summary = nexus.Summarize(res.Nexuses)
	return res
}

// kairos is the stopping test. Cycles before MinKairosCycle never stop.
func (l *Loop) kairos(cycle int, energy, satisfaction float64) bool {
	if cycle < l.cfg.MinKairosCycle {
		return false
	}
	return energy >= l.cfg.KairosLow && energy <= l.cfg.KairosHigh && satisfaction > l.cfg.SatisfactionBar
}

// spread moves a share rho of each level toward the coupling-weighted mean
// of all levels. The unit diagonal keeps every denominator ≥ 1.
func spread(levels []float64, m *coupling.Matrix, rho float64) []float64 {
	n := len(levels)
	out := make([]float64, n)
	if m == nil || m.Size() < n || rho <= 0 {
		copy(out, levels)
		return out
	}
	for i := 0; i < n; i++ {
		num, den := 0.0, 0.0
		for j := 0; j < n; j++ {
			r := m.At(i, j)
			num += r * levels[j]
			den += r
		}
		pulled := levels[i]
		if den > 0 {
			pulled = num / den
		}
		out[i] = core.Clamp01((1-rho)*levels[i] + rho*pulled)
	}
	return out
}

// amplify rescales each extractor's feature contributions by how much
// spreading raised or lowered its level.
func amplify(acts []core.Activation, base, levels []float64) []core.Activation {
	out := make([]core.Activation, len(acts))
	for i, a := range acts {
		out[i] = a
		if len(a.Features) == 0 {
			continue
		}
		gain := core.Clamp((levels[i]+gainEps)/(base[i]+gainEps), 0, maxGain)
		feats := make(map[string]float64, len(a.Features))
		for tag, v := range a.Features {
			feats[tag] = core.Clamp01(v * gain)
		}
		out[i].Features = feats
	}
	return out
}

// coherenceAndAgreement returns the mean level and 1 − 2σ of the levels.
func coherenceAndAgreement(levels []float64) (float64, float64) {
	if len(levels) == 0 {
		return 0, 0
	}
	mean, variance := stat.PopMeanVariance(levels, nil)
	return mean, core.Clamp01(1 - 2*math.Sqrt(variance))
}

// resonance is the coherence-weighted mean coupling over all pairs.
func resonance(levels []float64, m *coupling.Matrix) float64 {
	if m == nil {
		return 0
	}
	n := min(len(levels), m.Size())
	num, den := 0.0, 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			w := levels[i] * levels[j]
			num += w * m.At(i, j)
			den += w
		}
	}
	if den == 0 {
		return 0
	}
	return core.Clamp01(num / den)
}

// lure saturates the combined pull of all nexuses into [0,1). Coupled
// strength counts on top of raw co-activation, so a well-trained matrix
// lures harder.
func lure(ns []nexus.Nexus) float64 {
	total := 0.0
	for _, nx := range ns {
		total += nx.Activation + nx.Strength
	}
	return 1 - math.Exp(-total)
}

// complexity blends urgency with the strongest reported complexity feature.
func complexity(acts []core.Activation, urgency float64) float64 {
	peak := 0.0
	for _, a := range acts {
		peak = max(peak, a.Features[core.FeatureComplexity])
	}
	return core.Clamp01(0.5*urgency + 0.5*peak)
}
