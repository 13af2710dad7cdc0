package coupling

import (
	"fmt"
	"math"
	"time"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Updater applies the saturating Hebbian rule after each turn:
//
//	R[i,j] += η · coh[i] · coh[j] · satisfaction · (1 − R[i,j])
//
// mirrored to R[j,i]. The (1 − R) factor shrinks the step as an entry
// approaches 1, and every factor is ≤ 1, so no entry moves by more than η.
type Updater struct {
	policy        string
	reducedFactor float64
}

// NewUpdater creates an updater for the given non-convergence policy.
func NewUpdater(cfg core.CouplingConfig) *Updater {
	policy := cfg.NonConvergedPolicy
	if policy == "" {
		policy = core.PolicyReduced
	}
	factor := cfg.ReducedFactor
	if factor <= 0 || factor > 1 {
		factor = 0.5
	}
	return &Updater{policy: policy, reducedFactor: factor}
}

// UpdateReport describes one Hebbian pass.
type UpdateReport struct {
	Applied       bool    `json:"applied"`
	Policy        string  `json:"policy"`
	EffectiveRate float64 `json:"effectiveRate"`
	PairsTouched  int     `json:"pairsTouched"`
	MaxDelta      float64 `json:"maxDelta"`
	MeanDelta     float64 `json:"meanDelta"`
}

// rateFor resolves η for a terminal convergence state.
func (u *Updater) rateFor(eta float64, state core.ConvergenceState) float64 {
	if state == core.StateConverged {
		return eta
	}
	switch u.policy {
	case core.PolicySkip:
		return 0
	case core.PolicyFull:
		return eta
	default:
		return eta * u.reducedFactor
	}
}

// Update mutates m in place. coherence must have one entry per extractor.
func (u *Updater) Update(m *Matrix, coherence []float64, satisfaction float64, state core.ConvergenceState) (UpdateReport, error) {
	report := UpdateReport{Policy: u.policy}
	n := m.Size()
	if len(coherence) != n {
		return report, fmt.Errorf("%w: %d coherence scores for %d extractors", core.ErrShapeMismatch, len(coherence), n)
	}

	rate := u.rateFor(m.LearningRate, state)
	report.EffectiveRate = rate
	if rate <= 0 {
		return report, nil
	}

	sat := core.Clamp01(satisfaction)
	coh := make([]float64, n)
	for i, c := range coherence {
		coh[i] = core.Clamp01(c)
	}

	total := 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			cur := m.Values[i][j]
			delta := rate * coh[i] * coh[j] * sat * (1 - cur)
			if delta <= 0 {
				continue
			}
			next := clampWeight(cur + delta)
			m.Values[i][j] = next
			m.Values[j][i] = next

			applied := next - cur
			report.PairsTouched++
			report.MaxDelta = max(report.MaxDelta, applied)
			total += applied
		}
	}

	report.Applied = true
	if report.PairsTouched > 0 {
		report.MeanDelta = total / float64(report.PairsTouched)
	}
	m.UpdateCount++
	m.Version++
	m.ModifiedAt = time.Now()
	return report, nil
}

// clampWeight keeps an entry in [0,1] and maps NaN to 0.
func clampWeight(w float64) float64 {
	if math.IsNaN(w) {
		return 0
	}
	return math.Max(0, math.Min(1, w))
}
