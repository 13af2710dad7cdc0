package core

import (
	"time"

	"github.com/google/uuid"
)

// ExtractorID names one signal extractor ("organ") in the ensemble.
type ExtractorID string

// FamilyID identifies a discovered conversation family.
type FamilyID string

// NewFamilyID generates a random family identifier.
func NewFamilyID() FamilyID {
	return FamilyID(uuid.New().String())
}

// Shared feature tags. An extractor reports its contribution to each tag
// it attends to; the nexus detector groups extractors per tag.
const (
	FeatureAffect     = "affect"
	FeatureInquiry    = "inquiry"
	FeatureSelf       = "self"
	FeatureOther      = "other"
	FeatureTime       = "time"
	FeatureIntensity  = "intensity"
	FeatureNovelty    = "novelty"
	FeatureComplexity = "complexity"
)

// TurnContext is the input of one conversational turn.
type TurnContext struct {
	ID         string            `json:"id,omitempty"`
	Text       string            `json:"text"`
	Session    string            `json:"session,omitempty"`
	History    []string          `json:"history,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// Activation is what one extractor reports for a turn.
type Activation struct {
	Vector    []float64          `json:"vector"`
	Coherence float64            `json:"coherence"`
	Urgency   float64            `json:"urgency"`
	Features  map[string]float64 `json:"features,omitempty"`

	// Degraded marks a zero result substituted for a failed extractor.
	Degraded bool `json:"degraded,omitempty"`
}

// ZeroActivation returns the zero-coherence stand-in for a failed extractor.
func ZeroActivation(dim int) Activation {
	return Activation{
		Vector:   make([]float64, dim),
		Degraded: true,
	}
}

// Clone deep-copies the activation.
func (a Activation) Clone() Activation {
	out := a
	out.Vector = append([]float64(nil), a.Vector...)
	if a.Features != nil {
		out.Features = make(map[string]float64, len(a.Features))
		for k, v := range a.Features {
			out.Features[k] = v
		}
	}
	return out
}

// Strategy is the emission path chosen for a turn.
type Strategy string

const (
	StrategyFallback    Strategy = "fallback"
	StrategyDirect      Strategy = "direct"
	StrategyLLMScaffold Strategy = "llm_scaffold"
	StrategyFusion      Strategy = "fusion"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFallback, StrategyDirect, StrategyLLMScaffold, StrategyFusion:
		return true
	}
	return false
}

// Degrade returns the next strategy down the failure order:
// llm_scaffold and fusion fall to direct, direct falls to fallback.
func (s Strategy) Degrade() Strategy {
	switch s {
	case StrategyLLMScaffold, StrategyFusion:
		return StrategyDirect
	default:
		return StrategyFallback
	}
}

// ConvergenceState is the terminal or running state of the energy descent.
type ConvergenceState string

const (
	StateDescending       ConvergenceState = "DESCENDING"
	StateConverged        ConvergenceState = "CONVERGED"
	StateMaxCyclesReached ConvergenceState = "MAX_CYCLES_REACHED"
)

// Regime classifies recent learning-progress dynamics.
type Regime string

const (
	RegimeCalibrating Regime = "calibrating"
	RegimeExploring   Regime = "exploring"
	RegimeConverging  Regime = "converging"
	RegimeCommitted   Regime = "committed"
	RegimePlateaued   Regime = "plateaued"
)

// Evolution rate range shared by every regime.
const (
	MinEvolutionRate = 0.1
	MaxEvolutionRate = 1.0
)

// TurnResult is the per-turn observability surface.
type TurnResult struct {
	TurnID           string   `json:"turnId"`
	EmittedText      string   `json:"emittedText"`
	Confidence       float64  `json:"confidence"`
	Strategy         Strategy `json:"strategy"`
	NexusCount       int      `json:"nexusCount"`
	CyclesToConverge int      `json:"cyclesToConverge"`
	AssignedFamilyID FamilyID `json:"assignedFamilyId"`
	KairosDetected   bool     `json:"kairosDetected"`

	// Diagnostics.
	State            ConvergenceState `json:"state"`
	Energy           float64          `json:"energy"`
	Satisfaction     float64          `json:"satisfaction"`
	FamilyCreated    bool             `json:"familyCreated"`
	FamilySimilarity float64          `json:"familySimilarity"`
	BlankSignature   bool             `json:"blankSignature,omitempty"`
	Regime           Regime           `json:"regime"`
	Threshold        float64          `json:"threshold"`
	ExternalWeight   float64          `json:"externalWeight"`
	Degraded         []ExtractorID    `json:"degraded,omitempty"`
	FallbackReason   string           `json:"fallbackReason,omitempty"`
	Duration         time.Duration    `json:"durationNs"`
	At               time.Time        `json:"at"`
}
