package e2e

import (
	"context"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/extractor"
	"github.com/denizumutdereli/kairos/pkg/organism"
)

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Storage.Fsync = false
	cfg.LLM.Enabled = false
	cfg.Log.Level = "error"
	return cfg
}

func openOrganism(t *testing.T, cfg *core.Config, opts ...organism.Option) *organism.Organism {
	t.Helper()
	org, err := organism.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("organism.Open: %v", err)
	}
	t.Cleanup(func() { org.Close() })
	return org
}

// steadyOrgan reports the same coherent activation for every turn, so every
// turn lands on the same signature.
type steadyOrgan struct {
	id  core.ExtractorID
	vec []float64
}

func (s steadyOrgan) Name() core.ExtractorID { return s.id }
func (s steadyOrgan) Dim() int               { return len(s.vec) }
func (s steadyOrgan) Extract(context.Context, core.TurnContext) (core.Activation, error) {
	return core.Activation{
		Vector:    append([]float64(nil), s.vec...),
		Coherence: 0.9,
		Urgency:   0.2,
		Features:  map[string]float64{core.FeatureAffect: 0.7},
	}, nil
}

func steadyEnsemble(t *testing.T) *extractor.Ensemble {
	t.Helper()
	e, err := extractor.NewEnsemble(0,
		steadyOrgan{"steady-a", []float64{1, 0, 0.5}},
		steadyOrgan{"steady-b", []float64{0, 1, 0.5}},
		steadyOrgan{"steady-c", []float64{0.5, 0.5, 1}},
	)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

var therapyChat = []string{
	"I had a rough day at work and my boss yelled at me in front of everyone.",
	"Why does this keep happening to me? I try so hard.",
	"Tomorrow I will try to talk to him calmly before the standup.",
	"My partner says I should quit, but I love the team.",
	"Honestly I'm just tired.",
	"Last year I was promoted and everything felt easier.",
	"Do you think I'm overreacting?",
	"We have a deadline on Friday and nobody has started.",
	"My sister always says I take things too personally!",
	"Maybe I should take a few days off next week.",
}

var smallTalk = []string{
	"The weather is lovely today.",
	"I made pasta for dinner.",
	"Have you seen the new movie everyone talks about?",
	"My cat knocked over a plant this morning.",
	"Weekend plans: hiking and a long nap.",
}
