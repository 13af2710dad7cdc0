// Package regime classifies recent learning dynamics from satisfaction
// windows and evolves the dispatcher's confidence threshold.
package regime

import (
	"gonum.org/v1/gonum/stat"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Classification is the derived, non-persisted regime label of a window.
type Classification struct {
	Regime   core.Regime `json:"regime"`
	Mean     float64     `json:"mean"`
	Variance float64     `json:"variance"`
	Trend    float64     `json:"trend"`
	Samples  int         `json:"samples"`
	Rate     float64     `json:"rate"`
}

// Classifier applies the ordered regime rules; the first match wins.
type Classifier struct {
	cfg core.RegimeConfig
}

// NewClassifier creates a classifier.
func NewClassifier(cfg core.RegimeConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify labels the newest cfg.Window values of window.
func (c *Classifier) Classify(window []float64) Classification {
	if c.cfg.Window > 0 && len(window) > c.cfg.Window {
		window = window[len(window)-c.cfg.Window:]
	}
	out := Classification{Samples: len(window)}
	if out.Samples > 0 {
		out.Mean = stat.Mean(window, nil)
	}
	if out.Samples > 1 {
		_, out.Variance = stat.MeanVariance(window, nil)
		out.Trend = slope(window)
	}

	switch {
	case out.Samples < c.cfg.MinSamples:
		out.Regime = core.RegimeCalibrating
	case out.Mean >= c.cfg.CommittedMean && out.Variance <= c.cfg.CommittedVariance:
		out.Regime = core.RegimeCommitted
	case out.Variance >= c.cfg.ExploringVariance:
		out.Regime = core.RegimeExploring
	case out.Trend >= c.cfg.RisingTrend:
		out.Regime = core.RegimeConverging
	default:
		out.Regime = core.RegimePlateaued
	}
	out.Rate = c.Rate(out.Regime)
	return out
}

// Rate returns the evolution rate of a regime, clamped to the shared range.
func (c *Classifier) Rate(r core.Regime) float64 {
	rates := c.cfg.Rates
	var rate float64
	switch r {
	case core.RegimeCalibrating:
		rate = rates.Calibrating
	case core.RegimeExploring:
		rate = rates.Exploring
	case core.RegimeConverging:
		rate = rates.Converging
	case core.RegimeCommitted:
		rate = rates.Committed
	default:
		rate = rates.Plateaued
	}
	return core.Clamp(rate, core.MinEvolutionRate, core.MaxEvolutionRate)
}

// slope is the least-squares slope of the window against its index.
func slope(ys []float64) float64 {
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return beta
}
