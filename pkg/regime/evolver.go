package regime

import (
	"fmt"
	"math"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Window sources used by Step.
const (
	SourceFamily = "family"
	SourceGlobal = "global"
)

// Step reports one threshold evolution.
type Step struct {
	Classification
	Source    string  `json:"source"`
	Previous  float64 `json:"previous"`
	Threshold float64 `json:"threshold"`
	Direction float64 `json:"direction"`
	Magnitude float64 `json:"magnitude"`
	Delta     float64 `json:"delta"`
}

// Evolver owns the confidence threshold and the global satisfaction window.
// The threshold never leaves [ThresholdMin, ThresholdMax].
type Evolver struct {
	cfg        core.RegimeConfig
	classifier *Classifier
	threshold  float64
	global     core.Ring[float64]
	history    core.Ring[float64]
	steps      uint64
	last       Classification
}

// NewEvolver starts at the configured initial threshold.
func NewEvolver(cfg core.RegimeConfig) *Evolver {
	return &Evolver{
		cfg:        cfg,
		classifier: NewClassifier(cfg),
		threshold:  core.Clamp(cfg.InitialThreshold, cfg.ThresholdMin, cfg.ThresholdMax),
		global:     core.NewRing[float64](cfg.Window),
		history:    core.NewRing[float64](cfg.HistorySize),
		last:       Classification{Regime: core.RegimeCalibrating, Rate: cfg.Rates.Calibrating},
	}
}

// Threshold returns the current evolved threshold.
func (e *Evolver) Threshold() float64 { return e.threshold }

// Last returns the most recent classification.
func (e *Evolver) Last() Classification { return e.last }

// Steps returns how many turns have evolved the threshold.
func (e *Evolver) Steps() uint64 { return e.steps }

// GlobalWindow returns a copy of the global satisfaction window.
func (e *Evolver) GlobalWindow() []float64 { return e.global.Values() }

// Classify labels the family window when it holds enough samples, else
// the global window.
func (e *Evolver) Classify(familyWindow []float64) (Classification, string) {
	if len(familyWindow) >= e.cfg.MinSamples {
		return e.classifier.Classify(familyWindow), SourceFamily
	}
	return e.classifier.Classify(e.global.Items), SourceGlobal
}

// Step records sat, classifies, and nudges the threshold by
// sign(sat − target) × |sat − target| × rate × stepGain.
func (e *Evolver) Step(sat float64, familyWindow []float64) Step {
	sat = core.Clamp01(sat)
	e.global.Push(sat)

	c, source := e.Classify(familyWindow)
	diff := sat - e.cfg.TargetSatisfaction

	st := Step{
		Classification: c,
		Source:         source,
		Previous:       e.threshold,
		Direction:      core.Sign(diff),
		Magnitude:      math.Abs(diff),
	}
	st.Delta = st.Direction * st.Magnitude * c.Rate * e.cfg.StepGain
	e.threshold = core.Clamp(e.threshold+st.Delta, e.cfg.ThresholdMin, e.cfg.ThresholdMax)
	st.Threshold = e.threshold

	e.history.Push(e.threshold)
	e.steps++
	e.last = c
	return st
}

// State is the persisted shape of an Evolver.
type State struct {
	Threshold float64            `msgpack:"threshold"`
	Global    core.Ring[float64] `msgpack:"global"`
	History   core.Ring[float64] `msgpack:"history"`
	Steps     uint64             `msgpack:"steps"`
}

// State snapshots the evolver for persistence.
func (e *Evolver) State() State {
	global := core.NewRing[float64](e.global.Limit)
	global.Items = append(global.Items, e.global.Items...)
	history := core.NewRing[float64](e.history.Limit)
	history.Items = append(history.Items, e.history.Items...)
	return State{Threshold: e.threshold, Global: global, History: history, Steps: e.steps}
}

// RestoreEvolver rebuilds an evolver, rejecting out-of-clamp or non-finite
// state with ErrCorruptState.
func RestoreEvolver(cfg core.RegimeConfig, st State) (*Evolver, error) {
	if math.IsNaN(st.Threshold) || st.Threshold < cfg.ThresholdMin || st.Threshold > cfg.ThresholdMax {
		return nil, fmt.Errorf("%w: threshold %f outside [%f, %f]", core.ErrCorruptState, st.Threshold, cfg.ThresholdMin, cfg.ThresholdMax)
	}
	if !core.Finite(st.Global.Items) || !core.Finite(st.History.Items) {
		return nil, fmt.Errorf("%w: evolution history is not finite", core.ErrCorruptState)
	}

	e := NewEvolver(cfg)
	e.threshold = st.Threshold
	e.steps = st.Steps
	for _, v := range st.Global.Items {
		e.global.Push(core.Clamp01(v))
	}
	for _, v := range st.History.Items {
		e.history.Push(v)
	}
	e.last, _ = e.Classify(nil)
	return e, nil
}

// History returns the bounded threshold history, oldest first.
func (e *Evolver) History() []float64 { return e.history.Values() }
