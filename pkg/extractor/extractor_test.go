package extractor

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/core"
)

type fakeExtractor struct {
	id       core.ExtractorID
	dim      int
	vec      []float64
	err      error
	panics   bool
	stateful bool
	calls    int
}

func (f *fakeExtractor) Name() core.ExtractorID { return f.id }
func (f *fakeExtractor) Dim() int               { return f.dim }
func (f *fakeExtractor) Stateful() bool         { return f.stateful }

func (f *fakeExtractor) Extract(context.Context, core.TurnContext) (core.Activation, error) {
	f.calls++
	if f.panics {
		panic("organ failure")
	}
	if f.err != nil {
		return core.Activation{}, f.err
	}
	vec := f.vec
	if vec == nil {
		vec = make([]float64, f.dim)
		for i := range vec {
			vec[i] = 0.5
		}
	}
	return core.Activation{
		Vector:    append([]float64(nil), vec...),
		Coherence: 1.4,
		Urgency:   -0.2,
		Features:  map[string]float64{core.FeatureAffect: 2},
	}, nil
}

func TestEnsembleFailureIsolation(t *testing.T) {
	cases := []struct {
		name string
		bad  *fakeExtractor
	}{
		{"error", &fakeExtractor{id: "bad", dim: 3, err: errors.New("model offline")}},
		{"panic", &fakeExtractor{id: "bad", dim: 3, panics: true}},
		{"wrong dim", &fakeExtractor{id: "bad", dim: 3, vec: []float64{1, 2}}},
		{"nan", &fakeExtractor{id: "bad", dim: 3, vec: []float64{0, math.NaN(), 0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			good := &fakeExtractor{id: "good", dim: 2}
			e, err := NewEnsemble(0, good, tc.bad)
			if err != nil {
				t.Fatal(err)
			}
			acts, degraded := e.Run(context.Background(), core.TurnContext{Text: "hello"})
			if len(acts) != 2 {
				t.Fatalf("got %d activations", len(acts))
			}
			if len(degraded) != 1 || degraded[0] != "bad" {
				t.Fatalf("degraded = %v", degraded)
			}
			bad := acts[1]
			if !bad.Degraded || bad.Coherence != 0 || len(bad.Vector) != 3 {
				t.Fatalf("bad activation = %+v", bad)
			}
			for _, v := range bad.Vector {
				if v != 0 {
					t.Fatalf("zero activation has %v", bad.Vector)
				}
			}
			if acts[0].Degraded || acts[0].Coherence != 1 || acts[0].Urgency != 0 || acts[0].Features[core.FeatureAffect] != 1 {
				t.Fatalf("good activation not clamped: %+v", acts[0])
			}
			if got := len(Signature(acts)); got != e.SignatureDim() {
				t.Fatalf("signature length %d, want %d", got, e.SignatureDim())
			}
		})
	}
}

func TestEnsembleCache(t *testing.T) {
	plain := &fakeExtractor{id: "plain", dim: 2}
	hist := &fakeExtractor{id: "hist", dim: 2, stateful: true}
	e, err := NewEnsemble(8, plain, hist)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	first, _ := e.Run(ctx, core.TurnContext{Text: "Hello there"})
	first[0].Vector[0] = 99
	second, _ := e.Run(ctx, core.TurnContext{Text: "<i>hello</i>   THERE"})

	if plain.calls != 1 {
		t.Fatalf("stateless extractor called %d times", plain.calls)
	}
	if hist.calls != 2 {
		t.Fatalf("stateful extractor called %d times", hist.calls)
	}
	if second[0].Vector[0] != 0.5 {
		t.Fatal("cached activation shares memory with a returned one")
	}

	e.Purge()
	e.Run(ctx, core.TurnContext{Text: "hello there"})
	if plain.calls != 2 {
		t.Fatalf("purge did not drop cache, calls = %d", plain.calls)
	}
}

func TestNewEnsembleRejects(t *testing.T) {
	a := &fakeExtractor{id: "a", dim: 1}
	if _, err := NewEnsemble(0, a); err == nil {
		t.Fatal("single extractor accepted")
	}
	if _, err := NewEnsemble(0, a, &fakeExtractor{id: "a", dim: 1}); err == nil {
		t.Fatal("duplicate id accepted")
	}
	if _, err := NewEnsemble(0, a, &fakeExtractor{id: "b", dim: 0}); err == nil {
		t.Fatal("zero dim accepted")
	}
}

func TestBuildDefault(t *testing.T) {
	cfg := core.DefaultConfig().Extractors
	e, err := Build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if e.Len() != 5 || e.SignatureDim() != 5*Dim {
		t.Fatalf("len %d dim %d", e.Len(), e.SignatureDim())
	}
	ids := e.IDs()
	for i, name := range core.DefaultExtractors {
		if string(ids[i]) != name {
			t.Fatalf("ids = %v", ids)
		}
	}

	cfg.Enabled = []string{"affect", "telepathy"}
	if _, err := Build(cfg); err == nil {
		t.Fatal("unknown extractor accepted")
	}
}
