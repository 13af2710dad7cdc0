package extractor

import (
	"context"
	"strings"

	"github.com/sentencizer/sentencizer"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// segmenter is safe for concurrent use.
var segmenter = sentencizer.NewSegmenter("en")

var questionOpeners = map[string]bool{
	"what": true, "why": true, "how": true, "when": true, "where": true, "who": true,
	"which": true, "should": true, "could": true, "would": true, "can": true,
	"do": true, "does": true, "is": true, "are": true, "am": true, "will": true,
}

// Structure reads the syntactic shape of a turn.
//
// Vector layout: sentence count, mean sentence length, question ratio,
// question-word openers, exclamation ratio, comma density, word count,
// long-word ratio, type/token ratio, ellipsis.
type Structure struct{}

func NewStructure() *Structure { return &Structure{} }

func (s *Structure) Name() core.ExtractorID { return "structure" }
func (s *Structure) Dim() int               { return Dim }

func (s *Structure) Extract(_ context.Context, turn core.TurnContext) (core.Activation, error) {
	text := CleanText(turn.Text)
	vec := make([]float64, Dim)
	toks := words(text)
	if len(toks) == 0 {
		return core.Activation{Vector: vec}, nil
	}

	var sentences []string
	for _, sen := range segmenter.Segment(text) {
		if sen = strings.TrimSpace(sen); sen != "" {
			sentences = append(sentences, sen)
		}
	}
	if len(sentences) == 0 {
		sentences = []string{text}
	}

	questions, exclaims, openers := 0, 0, 0
	for _, sen := range sentences {
		switch {
		case strings.HasSuffix(sen, "?"):
			questions++
		case strings.HasSuffix(sen, "!"):
			exclaims++
		}
		if w := words(sen); len(w) > 0 && questionOpeners[w[0]] {
			openers++
		}
	}

	long, types := 0, make(map[string]struct{}, len(toks))
	for _, w := range toks {
		if len([]rune(w)) >= 7 {
			long++
		}
		types[w] = struct{}{}
	}

	n := len(sentences)
	meanLen := float64(len(toks)) / float64(n)
	qRatio := ratio(questions, n)
	openRatio := ratio(openers, n)

	vec[0] = saturate(float64(n), 3)
	vec[1] = saturate(meanLen, 12)
	vec[2] = qRatio
	vec[3] = openRatio
	vec[4] = ratio(exclaims, n)
	vec[5] = saturate(float64(strings.Count(text, ","))/float64(n), 1.5)
	vec[6] = saturate(float64(len(toks)), 20)
	vec[7] = ratio(long, len(toks))
	vec[8] = ratio(len(types), len(toks))
	if strings.Contains(text, "...") || strings.Contains(text, "…") {
		vec[9] = 1
	}

	inquiry := core.Clamp01(0.7*qRatio + 0.3*openRatio)
	complexity := core.Clamp01(0.4*vec[1] + 0.3*vec[5] + 0.3*vec[7])
	return core.Activation{
		Vector:    vec,
		Coherence: core.Clamp01(0.4 + 0.6*saturate(float64(len(toks)), 6)),
		Urgency:   core.Clamp01(0.5*qRatio + 0.5*vec[4]),
		Features: map[string]float64{
			core.FeatureInquiry:    inquiry,
			core.FeatureComplexity: complexity,
		},
	}, nil
}
