package extractor

import (
	"context"

	"github.com/denizumutdereli/kairos/pkg/core"
)

var (
	firstSingular = set("i", "me", "my", "mine", "myself", "i'm", "i've", "i'd", "i'll")
	firstPlural   = set("we", "us", "our", "ours", "ourselves", "we're", "we've")
	secondPerson  = set("you", "your", "yours", "yourself", "you're", "you've", "you'd")
	thirdPerson   = set("he", "she", "they", "him", "her", "them", "his", "hers", "their", "theirs", "he's", "she's", "they're")
	relations     = set("mom", "mother", "dad", "father", "parent", "parents", "brother", "sister",
		"friend", "friends", "partner", "wife", "husband", "boyfriend", "girlfriend", "boss",
		"colleague", "coworker", "son", "daughter", "family", "kids", "child", "team")
	conflict = set("fight", "argue", "argued", "angry", "ignore", "ignored", "left", "hate", "blame", "yelled")
	bonding  = set("love", "miss", "together", "support", "trust", "thank", "thanks", "care", "hug")
)

func set(ws ...string) map[string]bool {
	m := make(map[string]bool, len(ws))
	for _, w := range ws {
		m[w] = true
	}
	return m
}

// Relational reads who a turn is about.
//
// Vector layout: first singular, first plural, second person, third person,
// relation nouns, self/other balance, conflict words, bonding words,
// pronoun density, addressee focus.
type Relational struct{}

func NewRelational() *Relational { return &Relational{} }

func (r *Relational) Name() core.ExtractorID { return "relational" }
func (r *Relational) Dim() int               { return Dim }

func (r *Relational) Extract(_ context.Context, turn core.TurnContext) (core.Activation, error) {
	toks := words(CleanText(turn.Text))
	vec := make([]float64, Dim)
	if len(toks) == 0 {
		return core.Activation{Vector: vec}, nil
	}

	var fs, fp, sp, tp, rel, con, bond int
	for _, w := range toks {
		switch {
		case firstSingular[w]:
			fs++
		case firstPlural[w]:
			fp++
		case secondPerson[w]:
			sp++
		case thirdPerson[w]:
			tp++
		}
		if relations[w] {
			rel++
		}
		if conflict[w] {
			con++
		}
		if bonding[w] {
			bond++
		}
	}

	n := float64(len(toks))
	self := float64(fs) + 0.5*float64(fp)
	other := float64(tp+rel) + 0.5*float64(fp) + 0.5*float64(sp)
	pronouns := fs + fp + sp + tp

	vec[0] = saturate(float64(fs), 2)
	vec[1] = saturate(float64(fp), 1.5)
	vec[2] = saturate(float64(sp), 1.5)
	vec[3] = saturate(float64(tp), 1.5)
	vec[4] = saturate(float64(rel), 1)
	if self+other > 0 {
		vec[5] = self / (self + other)
	} else {
		vec[5] = 0.5
	}
	vec[6] = saturate(float64(con), 1)
	vec[7] = saturate(float64(bond), 1)
	vec[8] = core.Clamp01(float64(pronouns) / n * 3)
	vec[9] = ratio(sp, pronouns)

	return core.Activation{
		Vector:    vec,
		Coherence: core.Clamp01(vec[8] + 0.3*vec[4]),
		Urgency:   core.Clamp01(0.7*vec[6] + 0.2*vec[4]),
		Features: map[string]float64{
			core.FeatureSelf:  saturate(self, 1.5),
			core.FeatureOther: saturate(other, 1.5),
		},
	}, nil
}
