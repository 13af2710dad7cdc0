// Package emission picks an output-generation strategy for a turn and
// resolves it into text plus a confidence.
package emission

import (
	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/nexus"
)

// Inputs is everything the dispatcher reads for one turn.
type Inputs struct {
	Text       string
	FamilyID   core.FamilyID
	Regime     core.Regime
	Nexuses    []nexus.Nexus
	NexusCount int

	// Confidence is the convergence confidence; Threshold the evolved bar.
	Confidence float64
	Threshold  float64

	// LLMAvailable reports a configured generator. ExternalWeight is the
	// weaning coefficient for this turn.
	LLMAvailable   bool
	ExternalWeight float64
}

// Policy holds the weight bands of the decision tree.
type Policy struct {
	HeavyWeight float64
	FusionFloor float64
}

// PolicyFromConfig extracts the decision bands.
func PolicyFromConfig(cfg core.EmissionConfig) Policy {
	return Policy{HeavyWeight: cfg.HeavyWeight, FusionFloor: cfg.FusionFloor}
}

// Decide is the pure strategy decision tree. First match wins:
//
//	no nexus and confidence below threshold      → fallback
//	LLM available and weighted heavily           → llm_scaffold
//	LLM available and weighted moderately        → fusion
//	at least one nexus                           → direct
//	otherwise                                    → fallback
//
// The organism's confidence only gates the first branch; once past it the
// LLM weight decides.
func (p Policy) Decide(in Inputs) core.Strategy {
	switch {
	case in.NexusCount == 0 && in.Confidence < in.Threshold:
		return core.StrategyFallback
	case in.LLMAvailable && in.ExternalWeight >= p.HeavyWeight:
		return core.StrategyLLMScaffold
	case in.LLMAvailable && in.ExternalWeight >= p.FusionFloor:
		return core.StrategyFusion
	case in.NexusCount > 0:
		return core.StrategyDirect
	default:
		return core.StrategyFallback
	}
}
