package extractor

import (
	"context"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/core"
)

var sampleTurns = []string{
	"",
	"ok",
	"I love this so much!",
	"I hate this, it is awful and I'm so angry!!!",
	"What is going on? Why now?",
	"My mom and I argued yesterday and I still feel bad about it.",
	"Tomorrow I will start again, I'm going to plan the whole week.",
	"<p>WHY DOES THIS KEEP HAPPENING</p> 😡",
	"Well... I don't know, maybe, perhaps, it depends on several complicated considerations.",
}

func organs() []Extractor {
	return []Extractor{NewAffect(), NewStructure(), NewRelational(), NewTemporal(), NewNovelty(8)}
}

func extract(t *testing.T, x Extractor, text string) core.Activation {
	t.Helper()
	a, err := x.Extract(context.Background(), core.TurnContext{Text: text})
	if err != nil {
		t.Fatalf("%s.Extract(%q): %v", x.Name(), text, err)
	}
	return a
}

func TestOrgansInRange(t *testing.T) {
	for _, x := range organs() {
		for _, text := range sampleTurns {
			a := extract(t, x, text)
			if len(a.Vector) != x.Dim() {
				t.Fatalf("%s: vector length %d", x.Name(), len(a.Vector))
			}
			for i, v := range a.Vector {
				if v < 0 || v > 1 || v != v {
					t.Fatalf("%s(%q): vector[%d] = %v", x.Name(), text, i, v)
				}
			}
			if a.Coherence < 0 || a.Coherence > 1 || a.Urgency < 0 || a.Urgency > 1 {
				t.Fatalf("%s(%q): coherence %v urgency %v", x.Name(), text, a.Coherence, a.Urgency)
			}
			for k, v := range a.Features {
				if v < 0 || v > 1 {
					t.Fatalf("%s(%q): feature %s = %v", x.Name(), text, k, v)
				}
			}
		}
	}
}

func TestAffectValence(t *testing.T) {
	a := NewAffect()
	pos := extract(t, a, "I love this, it is wonderful and I am so happy")
	neg := extract(t, a, "I hate this, it is awful and terrible")
	if pos.Vector[0] <= 0.5 || neg.Vector[0] >= 0.5 {
		t.Fatalf("valence pos %v neg %v", pos.Vector[0], neg.Vector[0])
	}
	if pos.Features[core.FeatureAffect] <= extract(t, a, "the table is brown").Features[core.FeatureAffect] {
		t.Fatal("emotional text does not out-score neutral text")
	}
}

func TestClassifyEmotion(t *testing.T) {
	cases := []struct {
		compound, neg, neu float64
		want               Emotion
	}{
		{0.8, 0, 0.2, EmotionHappiness},
		{0.3, 0, 0.7, EmotionSurprise},
		{-0.3, 0.3, 0.7, EmotionSadness},
		{-0.8, 0.8, 0.2, EmotionAnger},
		{-0.8, 0.3, 0.7, EmotionFear},
		{-0.8, 0.5, 0.5, EmotionDisgust},
		{0, 0, 1, EmotionNeutral},
	}
	for _, tc := range cases {
		if got := classifyEmotion(tc.compound, tc.neg, tc.neu); got != tc.want {
			t.Errorf("classifyEmotion(%v, %v, %v) = %s, want %s", tc.compound, tc.neg, tc.neu, got, tc.want)
		}
	}
}

func TestStructureInquiry(t *testing.T) {
	s := NewStructure()
	q := extract(t, s, "What is going on? Why now?")
	st := extract(t, s, "The meeting went fine.")
	if q.Features[core.FeatureInquiry] < 0.7 {
		t.Fatalf("inquiry = %v", q.Features[core.FeatureInquiry])
	}
	if st.Features[core.FeatureInquiry] != 0 {
		t.Fatalf("statement inquiry = %v", st.Features[core.FeatureInquiry])
	}
}

func TestRelationalFocus(t *testing.T) {
	r := NewRelational()
	a := extract(t, r, "My mom and I argued again")
	if a.Features[core.FeatureSelf] == 0 || a.Features[core.FeatureOther] == 0 {
		t.Fatalf("features = %v", a.Features)
	}
	if a.Vector[6] == 0 {
		t.Fatal("conflict word not detected")
	}
	solo := extract(t, r, "I am tired and I need sleep")
	if solo.Vector[5] != 1 {
		t.Fatalf("self balance = %v", solo.Vector[5])
	}
}

func TestTemporalTense(t *testing.T) {
	tm := NewTemporal()
	fut := extract(t, tm, "Tomorrow I will start, I'm going to try")
	if fut.Vector[2] == 0 || fut.Vector[9] == 0 {
		t.Fatalf("future markers missing: %v", fut.Vector)
	}
	if fut.Features[core.FeatureTime] == 0 {
		t.Fatal("no time feature")
	}
	urgent := extract(t, tm, "I need this done now, it is urgent")
	if urgent.Urgency <= fut.Urgency {
		t.Fatalf("urgency %v not above %v", urgent.Urgency, fut.Urgency)
	}
	if got := tenseSpread(3, 0, 0); got != 0 {
		t.Fatalf("tenseSpread single = %v", got)
	}
}

func TestNoveltyWindow(t *testing.T) {
	n := NewNovelty(2)
	first := extract(t, n, "completely fresh words here")
	if first.Features[core.FeatureNovelty] != 1 {
		t.Fatalf("first-turn novelty = %v", first.Features[core.FeatureNovelty])
	}
	again := extract(t, n, "completely fresh words here")
	if again.Features[core.FeatureNovelty] != 0 || again.Vector[4] != 1 {
		t.Fatalf("repeat novelty = %v repeat flag %v", again.Features[core.FeatureNovelty], again.Vector[4])
	}
	for _, s := range []string{"alpha", "beta", "gamma", "delta"} {
		extract(t, n, s)
	}
	if n.recent.Len() != 2 {
		t.Fatalf("window holds %d turns", n.recent.Len())
	}
	back := extract(t, n, "completely fresh words here")
	if back.Features[core.FeatureNovelty] != 1 {
		t.Fatalf("evicted turn still known: %v", back.Features[core.FeatureNovelty])
	}

	n.Reset()
	if n.recent.Len() != 0 {
		t.Fatal("reset kept window")
	}
}

func TestNoveltyUsesHistory(t *testing.T) {
	n := NewNovelty(4)
	a, err := n.Extract(context.Background(), core.TurnContext{
		Text:    "the garden again",
		History: []string{"my garden is growing", "again and again"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Vector[9] != 1 || a.Features[core.FeatureNovelty] == 1 {
		t.Fatalf("history ignored: %v", a.Vector)
	}
}
