package extractor

import (
	"context"
	"strings"

	"github.com/denizumutdereli/kairos/pkg/core"
)

var (
	pastMarkers    = set("was", "were", "did", "had", "used", "ago", "yesterday", "last", "before", "remember", "once")
	presentMarkers = set("is", "am", "are", "now", "today", "currently", "tonight", "still", "these")
	futureMarkers  = set("will", "gonna", "tomorrow", "next", "soon", "plan", "planning", "later", "someday", "hope")
	timeNouns      = set("day", "days", "week", "weeks", "month", "months", "year", "years", "morning",
		"night", "evening", "hour", "hours", "minute", "minutes", "time", "weekend", "season")
	habitual = set("always", "never", "often", "usually", "sometimes", "every", "again", "keep", "forever")
	pressing = set("now", "urgent", "asap", "immediately", "deadline", "hurry", "quickly", "tonight", "today")
)

// Temporal reads tense and time references.
//
// Vector layout: past, present, future, time nouns, habitual markers,
// pressing markers, -ed forms, dominant tense spread, reference density,
// going-to futures.
type Temporal struct{}

func NewTemporal() *Temporal { return &Temporal{} }

func (t *Temporal) Name() core.ExtractorID { return "temporal" }
func (t *Temporal) Dim() int               { return Dim }

func (t *Temporal) Extract(_ context.Context, turn core.TurnContext) (core.Activation, error) {
	text := CleanText(turn.Text)
	toks := words(text)
	vec := make([]float64, Dim)
	if len(toks) == 0 {
		return core.Activation{Vector: vec}, nil
	}

	var past, present, future, nouns, habit, press, ed int
	for _, w := range toks {
		if pastMarkers[w] {
			past++
		}
		if presentMarkers[w] {
			present++
		}
		if futureMarkers[w] {
			future++
		}
		if timeNouns[w] {
			nouns++
		}
		if habitual[w] {
			habit++
		}
		if pressing[w] {
			press++
		}
		if len(w) > 4 && strings.HasSuffix(w, "ed") {
			ed++
		}
	}
	goingTo := strings.Count(strings.ToLower(text), "going to")
	future += goingTo
	past += ed

	refs := past + present + future + nouns + habit
	vec[0] = saturate(float64(past), 1.5)
	vec[1] = saturate(float64(present), 2)
	vec[2] = saturate(float64(future), 1)
	vec[3] = saturate(float64(nouns), 1)
	vec[4] = saturate(float64(habit), 1)
	vec[5] = saturate(float64(press), 1)
	vec[6] = saturate(float64(ed), 1.5)
	vec[7] = tenseSpread(past, present, future)
	vec[8] = core.Clamp01(float64(refs) / float64(len(toks)) * 2)
	vec[9] = saturate(float64(goingTo), 1)

	timeFeature := core.Clamp01(0.35*vec[3] + 0.25*vec[0] + 0.25*vec[2] + 0.15*vec[4])
	return core.Activation{
		Vector:    vec,
		Coherence: core.Clamp01(0.3*vec[8] + 0.7*(1-vec[7])*saturate(float64(refs), 1)),
		Urgency:   core.Clamp01(0.8*vec[5] + 0.2*vec[2]),
		Features: map[string]float64{
			core.FeatureTime: timeFeature,
		},
	}, nil
}

// tenseSpread is 0 when one tense dominates and approaches 1 when the three
// are evenly mixed.
func tenseSpread(past, present, future int) float64 {
	total := past + present + future
	if total == 0 {
		return 0
	}
	top := past
	if present > top {
		top = present
	}
	if future > top {
		top = future
	}
	return core.Clamp01(1.5 * (1 - float64(top)/float64(total)))
}
