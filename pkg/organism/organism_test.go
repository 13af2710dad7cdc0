package organism

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/emission"
	"github.com/denizumutdereli/kairos/pkg/extractor"
	"github.com/denizumutdereli/kairos/pkg/family"
	"github.com/denizumutdereli/kairos/pkg/persistence"
)

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Storage.Fsync = false
	cfg.LLM.Enabled = false
	return cfg
}

func openTest(t *testing.T, cfg *core.Config, opts ...Option) *Organism {
	t.Helper()
	org, err := Open(cfg, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { org.Close() })
	return org
}

// steadyOrgan reports the same coherent activation for every turn.
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
		Urgency:   0.3,
		Features:  map[string]float64{core.FeatureAffect: 0.8, core.FeatureSelf: 0.6},
	}, nil
}

func steadyEnsemble(t *testing.T) *extractor.Ensemble {
	t.Helper()
	e, err := extractor.NewEnsemble(0,
		steadyOrgan{"a", []float64{1, 0, 0.5}},
		steadyOrgan{"b", []float64{0, 1, 0.5}},
		steadyOrgan{"c", []float64{0.5, 0.5, 1}},
	)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

type echoGenerator struct{ calls int }

func (g *echoGenerator) Generate(_ context.Context, prompt string, _ emission.GenerateContext) (string, float64, error) {
	g.calls++
	return "You said: " + prompt, 0.7, nil
}

var conversation = []string{
	"I had a rough day at work and my boss yelled at me.",
	"Why does this keep happening to me?",
	"Tomorrow I will try to talk to him calmly.",
	"My partner says I should quit, but I love the team.",
	"Honestly I'm just tired.",
}

func TestProcessTurn(t *testing.T) {
	org := openTest(t, testConfig(t))
	ctx := context.Background()

	for i, text := range conversation {
		res, err := org.ProcessTurn(ctx, core.TurnContext{Text: text})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if strings.TrimSpace(res.EmittedText) == "" || !res.Strategy.Valid() {
			t.Fatalf("turn %d: result %+v", i, res)
		}
		if res.Confidence < 0 || res.Confidence > 1 {
			t.Fatalf("turn %d: confidence %v", i, res.Confidence)
		}
		if res.CyclesToConverge < 1 || res.CyclesToConverge > org.cfg.Convergence.MaxCycles {
			t.Fatalf("turn %d: cycles %d", i, res.CyclesToConverge)
		}
		if res.AssignedFamilyID == "" || res.TurnID == "" {
			t.Fatalf("turn %d: missing ids %+v", i, res)
		}
		if res.Threshold < org.cfg.Regime.ThresholdMin || res.Threshold > org.cfg.Regime.ThresholdMax {
			t.Fatalf("turn %d: threshold %v", i, res.Threshold)
		}
		if res.Strategy == core.StrategyLLMScaffold || res.Strategy == core.StrategyFusion {
			t.Fatalf("turn %d: LLM strategy without a generator", i)
		}
	}

	st := org.Stats()
	if st.Turns != uint64(len(conversation)) || st.JournalTurns != len(conversation) {
		t.Fatalf("stats = %+v", st)
	}
	if st.Families < 1 || st.Coupling.Size != 5 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBlankTurnsFoundNoFamilies(t *testing.T) {
	org := openTest(t, testConfig(t))
	ctx := context.Background()

	if _, err := org.ProcessTurn(ctx, core.TurnContext{Text: conversation[0]}); err != nil {
		t.Fatal(err)
	}
	before := org.Families()

	for i := 0; i < 8; i++ {
		res, err := org.ProcessTurn(ctx, core.TurnContext{Text: "🙂🙂🙂"})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if !res.BlankSignature || res.FamilyCreated || res.AssignedFamilyID != "" {
			t.Fatalf("turn %d: result %+v", i, res)
		}
		if strings.TrimSpace(res.EmittedText) == "" || !res.Strategy.Valid() {
			t.Fatalf("turn %d: no emission %+v", i, res)
		}
	}

	after := org.Families()
	if len(after) != len(before) {
		t.Fatalf("families %d -> %d after blank turns", len(before), len(after))
	}
	for i := range after {
		if after[i].Members != before[i].Members || after[i].Assignments != before[i].Assignments {
			t.Fatalf("blank turns changed family %s", after[i].ID)
		}
	}
	if org.Turns() != 9 {
		t.Fatalf("turns = %d", org.Turns())
	}
}

func TestProcessTurnRejectsInvalidText(t *testing.T) {
	org := openTest(t, testConfig(t))
	ctx := context.Background()

	if _, err := org.ProcessTurn(ctx, core.TurnContext{Text: "   "}); !errors.Is(err, core.ErrInvalidContent) {
		t.Fatalf("blank err = %v", err)
	}
	huge := strings.Repeat("a", int(core.GetMaxTurnBytes())+1)
	if _, err := org.ProcessTurn(ctx, core.TurnContext{Text: huge}); !errors.Is(err, core.ErrContentTooLarge) {
		t.Fatalf("oversized err = %v", err)
	}
	if org.Turns() != 0 {
		t.Fatalf("rejected turns counted: %d", org.Turns())
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	org, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range conversation {
		if _, err := org.ProcessTurn(ctx, core.TurnContext{Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	families := org.Families()
	matrix := org.Coupling()
	threshold := org.Stats().Threshold
	if err := org.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again := openTest(t, cfg)
	if again.Turns() != uint64(len(conversation)) {
		t.Fatalf("turns after reopen = %d", again.Turns())
	}
	if got := again.Families(); len(got) != len(families) || got[0].ID != families[0].ID {
		t.Fatalf("families after reopen = %d", len(got))
	}
	m := again.Coupling()
	for i := range matrix.Values {
		for j := range matrix.Values[i] {
			if m.Values[i][j] != matrix.Values[i][j] {
				t.Fatalf("coupling[%d][%d] = %v, want %v", i, j, m.Values[i][j], matrix.Values[i][j])
			}
		}
	}
	if again.Stats().Threshold != threshold {
		t.Fatal("threshold not restored")
	}
	if len(again.Stats().Recovered) != 0 {
		t.Fatalf("clean reopen recovered %v", again.Stats().Recovered)
	}
}

func TestCorruptStructureIsReinitialisedAlone(t *testing.T) {
	cfg := testConfig(t)
	org, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range conversation {
		org.ProcessTurn(context.Background(), core.TurnContext{Text: text})
	}
	families := len(org.Families())
	org.Close()

	store, _ := persistence.NewStore(cfg.Storage)
	if err := os.WriteFile(store.FilePath(persistence.KindCoupling), []byte("KRS1 but then garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	again := openTest(t, cfg)
	st := again.Stats()
	if len(st.Recovered) != 1 || st.Recovered[0] != "coupling" {
		t.Fatalf("recovered = %v", st.Recovered)
	}
	if st.Coupling.UpdateCount != 0 || st.Coupling.MaxOffDiagonal != 0 {
		t.Fatalf("coupling not reset to identity: %+v", st.Coupling)
	}
	if len(again.Families()) != families || again.Turns() != uint64(len(conversation)) {
		t.Fatal("healthy structures were lost")
	}
}

func TestEnsembleChangeMigratesState(t *testing.T) {
	cfg := testConfig(t)
	org, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	org.ProcessTurn(context.Background(), core.TurnContext{Text: conversation[0]})
	org.Close()

	cfg.Extractors.Enabled = []string{"affect", "structure", "relational"}
	again := openTest(t, cfg)
	st := again.Stats()
	if st.Coupling.Size != 3 {
		t.Fatalf("matrix size = %d", st.Coupling.Size)
	}
	if st.Families != 0 || len(st.Recovered) != 1 || st.Recovered[0] != "families" {
		t.Fatalf("families = %d recovered = %v", st.Families, st.Recovered)
	}
	if _, err := again.ProcessTurn(context.Background(), core.TurnContext{Text: conversation[1]}); err != nil {
		t.Fatalf("turn after migration: %v", err)
	}
}

func TestTrainBatchesSaves(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.AutoSave = false
	org := openTest(t, cfg)

	turns := make([]core.TurnContext, 0, len(conversation)+1)
	for _, text := range conversation {
		turns = append(turns, core.TurnContext{Text: text})
	}
	turns = append(turns, core.TurnContext{Text: ""})

	rep, err := org.Train(context.Background(), turns, 2)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if rep.Epochs != 2 || rep.Turns != 2*len(conversation) {
		t.Fatalf("report = %+v", rep)
	}
	if rep.MeanSatisfaction <= 0 || rep.MeanSatisfaction > 1 || rep.Families < 1 {
		t.Fatalf("report = %+v", rep)
	}
	for _, k := range []persistence.Kind{persistence.KindCoupling, persistence.KindFamilies, persistence.KindEvolution} {
		if !org.store.Exists(k) {
			t.Fatalf("%s not saved after training", k)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := org.Train(ctx, turns, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled train err = %v", err)
	}
}

func TestReset(t *testing.T) {
	org := openTest(t, testConfig(t))
	ctx := context.Background()
	for _, text := range conversation {
		org.ProcessTurn(ctx, core.TurnContext{Text: text})
	}
	updates := org.Stats().Coupling.UpdateCount

	if err := org.Reset(ctx, ResetFamilies); err != nil {
		t.Fatal(err)
	}
	st := org.Stats()
	if st.Families != 0 || st.Coupling.UpdateCount != updates || st.Turns != uint64(len(conversation)) {
		t.Fatalf("after family reset: %+v", st)
	}

	if err := org.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	st = org.Stats()
	if st.Turns != 0 || st.Coupling.UpdateCount != 0 || st.JournalTurns != 0 {
		t.Fatalf("after full reset: %+v", st)
	}
	if err := org.Reset(ctx, "everything"); err == nil {
		t.Fatal("unknown scope accepted")
	}
}

func TestGeneratorScaffoldsEarlyTurns(t *testing.T) {
	gen := &echoGenerator{}
	org := openTest(t, testConfig(t), WithEnsemble(steadyEnsemble(t)), WithGenerator(gen))

	res, err := org.ProcessTurn(context.Background(), core.TurnContext{Text: "hello there"})
	if err != nil {
		t.Fatal(err)
	}
	if res.NexusCount == 0 {
		t.Fatal("steady organs formed no nexus")
	}
	if res.Strategy != core.StrategyLLMScaffold || res.EmittedText != "You said: hello there" {
		t.Fatalf("result = %+v", res)
	}
	if res.ExternalWeight != org.cfg.Emission.WeaningInitial || gen.calls != 1 {
		t.Fatalf("weight %v calls %d", res.ExternalWeight, gen.calls)
	}
}

func TestClosedOrganism(t *testing.T) {
	org, err := Open(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := org.Close(); err != nil {
		t.Fatal(err)
	}
	if err := org.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := org.ProcessTurn(context.Background(), core.TurnContext{Text: "hi"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestFollowMerges(t *testing.T) {
	merges := []family.Merge{{Kept: "a", Absorbed: "b"}, {Kept: "c", Absorbed: "a"}}
	if got := followMerges("b", merges); got != "c" {
		t.Fatalf("followMerges = %s", got)
	}
	if got := followMerges("z", merges); got != "z" {
		t.Fatalf("unrelated id changed to %s", got)
	}
}
