package extractor

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/jonreiter/govader"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Emotion is a coarse basic-emotion label derived from VADER polarity.
type Emotion string

const (
	EmotionHappiness Emotion = "happiness"
	EmotionSadness   Emotion = "sadness"
	EmotionFear      Emotion = "fear"
	EmotionAnger     Emotion = "anger"
	EmotionDisgust   Emotion = "disgust"
	EmotionSurprise  Emotion = "surprise"
	EmotionNeutral   Emotion = "neutral"
)

// negativeWeight grades the negative emotions by arousal.
var negativeWeight = map[Emotion]float64{
	EmotionSadness: 0.25,
	EmotionFear:    0.5,
	EmotionDisgust: 0.75,
	EmotionAnger:   1,
}

// Affect reads emotional valence and intensity.
//
// Vector layout: valence, positive, negative, neutral, |compound|,
// exclamation density, capitals ratio, one-hot happiness and surprise,
// and a graded negative-emotion slot.
type Affect struct {
	sia *govader.SentimentIntensityAnalyzer
	mu  sync.Mutex
}

// NewAffect creates the affect organ. The VADER analyzer is guarded; it is
// not safe for concurrent use on its own.
func NewAffect() *Affect {
	return &Affect{sia: govader.NewSentimentIntensityAnalyzer()}
}

func (a *Affect) Name() core.ExtractorID { return "affect" }
func (a *Affect) Dim() int               { return Dim }

func (a *Affect) Extract(_ context.Context, turn core.TurnContext) (core.Activation, error) {
	text := CleanText(turn.Text)
	vec := make([]float64, Dim)
	if text == "" {
		return core.Activation{Vector: vec}, nil
	}

	a.mu.Lock()
	s := a.sia.PolarityScores(text)
	a.mu.Unlock()

	compound := core.Clamp(s.Compound, -1, 1)
	magnitude := math.Abs(compound)
	exclaim := saturate(float64(strings.Count(text, "!")), 2)
	caps := capitalsRatio(text)
	emotion := classifyEmotion(compound, s.Negative, s.Neutral)

	vec[0] = (compound + 1) / 2
	vec[1] = core.Clamp01(s.Positive)
	vec[2] = core.Clamp01(s.Negative)
	vec[3] = core.Clamp01(s.Neutral)
	vec[4] = magnitude
	vec[5] = exclaim
	vec[6] = caps
	switch emotion {
	case EmotionHappiness:
		vec[7] = 1
	case EmotionSurprise:
		vec[8] = 1
	case EmotionNeutral:
	default:
		vec[9] = negativeWeight[emotion]
	}

	intensity := core.Clamp01(0.6*magnitude + 0.25*exclaim + 0.15*caps)
	return core.Activation{
		Vector:    vec,
		Coherence: core.Clamp01(1 - s.Neutral + 0.5*magnitude*s.Neutral),
		Urgency:   core.Clamp01(0.6*s.Negative*magnitude/math.Max(s.Negative+s.Positive, 0.01) + 0.4*exclaim),
		Features: map[string]float64{
			core.FeatureAffect:    core.Clamp01(magnitude + 0.3*(1-s.Neutral)),
			core.FeatureIntensity: intensity,
		},
	}, nil
}

// classifyEmotion buckets compound polarity; the strong-negative band is
// split by how much of the text is negative versus neutral.
func classifyEmotion(compound, neg, neu float64) Emotion {
	switch {
	case compound >= 0.60:
		return EmotionHappiness
	case compound >= 0.20:
		return EmotionSurprise
	case compound <= -0.60:
		switch {
		case neu == 0 || neg/neu > 1.5:
			return EmotionAnger
		case neu > neg:
			return EmotionFear
		default:
			return EmotionDisgust
		}
	case compound <= -0.20:
		return EmotionSadness
	}
	return EmotionNeutral
}

func capitalsRatio(text string) float64 {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters < 4 {
		return 0
	}
	// Sentence-initial capitals are normal; only heavy capitalisation counts.
	return core.Clamp01((ratio(upper, letters) - 0.15) / 0.6)
}
