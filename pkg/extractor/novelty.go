package extractor

import (
	"context"
	"math"
	"sync"

	"github.com/denizumutdereli/kairos/pkg/core"
)

var stopwords = set("the", "a", "an", "and", "or", "but", "to", "of", "in", "on", "at", "for",
	"it", "is", "am", "are", "was", "be", "i", "you", "that", "this", "with", "so", "just", "me", "my")

type tokenSet struct {
	words   map[string]struct{}
	bigrams map[string]struct{}
	length  int
}

func newTokenSet(toks []string) tokenSet {
	ts := tokenSet{
		words:   make(map[string]struct{}, len(toks)),
		bigrams: make(map[string]struct{}, len(toks)),
		length:  len(toks),
	}
	for i, w := range toks {
		ts.words[w] = struct{}{}
		if i > 0 {
			ts.bigrams[toks[i-1]+" "+w] = struct{}{}
		}
	}
	return ts
}

// Novelty measures how much of a turn was not seen in recent turns.
// It keeps its own bounded window and is never cached.
//
// Vector layout: unseen words, unseen content words, max overlap, mean
// overlap, exact repeat of the previous turn, length deviation, unseen long
// words, window fill, unseen bigrams, history supplied.
type Novelty struct {
	mu     sync.Mutex
	recent core.Ring[tokenSet]
}

// NewNovelty remembers up to window turns (minimum 1).
func NewNovelty(window int) *Novelty {
	if window < 1 {
		window = 1
	}
	return &Novelty{recent: core.NewRing[tokenSet](window)}
}

func (n *Novelty) Name() core.ExtractorID { return "novelty" }
func (n *Novelty) Dim() int               { return Dim }
func (n *Novelty) Stateful() bool         { return true }

// Reset forgets the window.
func (n *Novelty) Reset() {
	n.mu.Lock()
	n.recent.Reset()
	n.mu.Unlock()
}

func (n *Novelty) Extract(_ context.Context, turn core.TurnContext) (core.Activation, error) {
	toks := words(CleanText(turn.Text))
	vec := make([]float64, Dim)
	if len(toks) == 0 {
		return core.Activation{Vector: vec}, nil
	}
	cur := newTokenSet(toks)

	n.mu.Lock()
	defer n.mu.Unlock()

	window := n.recent.Values()
	for _, h := range turn.History {
		if ht := words(CleanText(h)); len(ht) > 0 {
			window = append(window, newTokenSet(ht))
		}
	}

	known := make(map[string]struct{})
	knownBigrams := make(map[string]struct{})
	var maxOverlap, sumOverlap, sumLen float64
	for _, ts := range window {
		for w := range ts.words {
			known[w] = struct{}{}
		}
		for b := range ts.bigrams {
			knownBigrams[b] = struct{}{}
		}
		ov := jaccard(cur.words, ts.words)
		sumOverlap += ov
		if ov > maxOverlap {
			maxOverlap = ov
		}
		sumLen += float64(ts.length)
	}

	var unseen, content, unseenContent, unseenLong, unseenBigrams int
	for w := range cur.words {
		_, seen := known[w]
		if !seen {
			unseen++
		}
		if !stopwords[w] {
			content++
			if !seen {
				unseenContent++
				if len([]rune(w)) >= 7 {
					unseenLong++
				}
			}
		}
	}
	for b := range cur.bigrams {
		if _, ok := knownBigrams[b]; !ok {
			unseenBigrams++
		}
	}

	vec[0] = ratio(unseen, len(cur.words))
	vec[1] = ratio(unseenContent, content)
	vec[2] = maxOverlap
	if len(window) > 0 {
		vec[3] = sumOverlap / float64(len(window))
		meanLen := sumLen / float64(len(window))
		vec[5] = core.Clamp01(math.Abs(float64(cur.length)-meanLen) / (meanLen + 1))
	}
	if last, ok := n.recent.Last(); ok && jaccard(cur.words, last.words) == 1 {
		vec[4] = 1
	}
	vec[6] = saturate(float64(unseenLong), 1)
	vec[7] = ratio(n.recent.Len(), n.recent.Limit)
	if len(cur.bigrams) > 0 {
		vec[8] = ratio(unseenBigrams, len(cur.bigrams))
	} else {
		vec[8] = vec[0]
	}
	if len(turn.History) > 0 {
		vec[9] = 1
	}

	n.recent.Push(cur)

	novelty := core.Clamp01(0.5*vec[1] + 0.3*vec[8] + 0.2*vec[0])
	fill := 1.0
	if len(window) < 4 {
		fill = float64(len(window)) / 4
	}
	return core.Activation{
		Vector:    vec,
		Coherence: core.Clamp01(0.2 + 0.8*fill*(1-vec[4])),
		Urgency:   core.Clamp01(0.3 * novelty),
		Features: map[string]float64{
			core.FeatureNovelty:    novelty,
			core.FeatureComplexity: core.Clamp01(0.5 * vec[6]),
		},
	}, nil
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
