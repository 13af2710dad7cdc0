package family

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/core"
)

func newTestConfig() core.FamilyConfig {
	cfg := core.DefaultConfig().Family
	cfg.MaxMembers = 20
	return cfg
}

func newTestSet(dim int) *Set {
	return NewSet(newTestConfig(), dim)
}

func TestAssign_FirstTurnFoundsFamily(t *testing.T) {
	s := newTestSet(3)
	a, err := s.Assign([]float64{1, 0, 0}, 0.9, 0.4)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if !a.Created || a.Members != 1 || a.Ordinal != 1 {
		t.Fatalf("Expected a new family with 1 member, got %+v", a)
	}
	f, err := s.Get(a.FamilyID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if f.MeanSatisfaction != 0.9 || !f.HasTarget || f.V0Target != 0.4 {
		t.Errorf("Unexpected founding stats %+v", f)
	}
}

func TestAssign_CentroidEMA(t *testing.T) {
	s := newTestSet(3)
	first, _ := s.Assign([]float64{1, 0.2, 0}, 0.9, 0.4)
	s.Assign([]float64{1, 0.25, 0}, 0.9, 0.4)
	s.Assign([]float64{1, 0.15, 0.05}, 0.9, 0.4)

	before, _ := s.Get(first.FamilyID)
	v := []float64{0.95, 0.2, 0.1}
	a, err := s.Assign(v, 0.9, 0.4)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if a.Created || a.FamilyID != first.FamilyID {
		t.Fatalf("Expected assignment to the existing family, got %+v", a)
	}

	wantAlpha := math.Max(1/float64(before.Members+1), 1/float64(20))
	if math.Abs(a.Alpha-wantAlpha) > 1e-12 {
		t.Errorf("Expected alpha %f, got %f", wantAlpha, a.Alpha)
	}
	after, _ := s.Get(first.FamilyID)
	for i := range v {
		want := (1-wantAlpha)*before.Centroid[i] + wantAlpha*v[i]
		if math.Abs(after.Centroid[i]-want) > 1e-12 {
			t.Errorf("Centroid[%d]: expected %f, got %f", i, want, after.Centroid[i])
		}
	}
}

func TestAssign_BelowThresholdCreates(t *testing.T) {
	s := newTestSet(2)
	a1, _ := s.Assign([]float64{1, 0}, 0.9, 0.4)
	a2, _ := s.Assign([]float64{0, 1}, 0.9, 0.4)
	if !a2.Created || a2.FamilyID == a1.FamilyID || s.Len() != 2 {
		t.Fatalf("Expected a second family, got %+v (len %d)", a2, s.Len())
	}
	if a2.Ordinal != 2 {
		t.Errorf("Expected ordinal 2, got %d", a2.Ordinal)
	}
}

func TestAssign_MemberCapStillMovesCentroid(t *testing.T) {
	s := newTestSet(2)
	sig := []float64{1, 1}
	var last Assignment
	for i := 0; i < 50; i++ {
		sat := 0.85
		if i%2 == 1 {
			sat = 0.95
		}
		a, err := s.Assign(sig, sat, 0.4)
		if err != nil {
			t.Fatalf("Assign %d failed: %v", i, err)
		}
		last = a
	}
	if s.Len() != 1 {
		t.Fatalf("Expected 1 family, got %d", s.Len())
	}
	if last.Members != 20 {
		t.Errorf("Expected members capped at 20, got %d", last.Members)
	}
	if last.Alpha != 1.0/20 {
		t.Errorf("Expected capped alpha 1/20, got %f", last.Alpha)
	}
	f, _ := s.Get(last.FamilyID)
	if f.Assignments != 50 {
		t.Errorf("Expected 50 assignments, got %d", f.Assignments)
	}

	// a capped family still follows new members
	moved, _ := s.Assign([]float64{1, 0.8}, 0.9, 0.4)
	g, _ := s.Get(moved.FamilyID)
	if g.Centroid[1] >= f.Centroid[1] {
		t.Errorf("Expected capped centroid to move, got %f -> %f", f.Centroid[1], g.Centroid[1])
	}
	if g.Members != 20 {
		t.Errorf("Expected member counter to stay capped, got %d", g.Members)
	}
}

func TestAssign_UnconfirmedDoesNotMoveCentroid(t *testing.T) {
	s := newTestSet(2)
	a, _ := s.Assign([]float64{1, 0.1}, 0.9, 0.4)
	before, _ := s.Get(a.FamilyID)

	b, err := s.Assign([]float64{1, 0.2}, 0.3, 0.6)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if b.Confirmed || b.FamilyID != a.FamilyID {
		t.Fatalf("Expected unconfirmed assignment to the same family, got %+v", b)
	}
	after, _ := s.Get(a.FamilyID)
	if after.Centroid[1] != before.Centroid[1] || after.Members != before.Members {
		t.Error("Unconfirmed assignment must not move the centroid or count as a member")
	}
	if after.MeanSatisfaction >= before.MeanSatisfaction {
		t.Error("Satisfaction EMA must still absorb the turn")
	}
}

func TestAssign_TargetOnlyMovesAboveQualityGate(t *testing.T) {
	s := newTestSet(2)
	a, _ := s.Assign([]float64{1, 0}, 0.7, 0.5)
	f, _ := s.Get(a.FamilyID)
	if f.HasTarget {
		t.Fatal("Target must not be set below the quality gate")
	}

	s.Assign([]float64{1, 0}, 0.8, 0.6) // equal to gate: still no
	f, _ = s.Get(a.FamilyID)
	if f.HasTarget {
		t.Fatal("Target must only move when satisfaction exceeds the gate")
	}

	s.Assign([]float64{1, 0}, 0.9, 0.3)
	s.Assign([]float64{1, 0}, 0.9, 0.5)
	f, _ = s.Get(a.FamilyID)
	want := 0.9*0.3 + 0.1*0.5
	if !f.HasTarget || math.Abs(f.V0Target-want) > 1e-12 {
		t.Errorf("Expected target %f, got %f (has=%v)", want, f.V0Target, f.HasTarget)
	}
	if f.EnergyHistory.Len() != 4 {
		t.Errorf("Expected 4 energies recorded, got %d", f.EnergyHistory.Len())
	}
}

func TestNearest_DeterministicAndReadOnly(t *testing.T) {
	s := newTestSet(3)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 30; i++ {
		s.Assign([]float64{rng.Float64(), rng.Float64(), rng.Float64()}, 0.9, 0.4)
	}
	snap := s.Snapshot()

	query := []float64{0.3, 0.6, 0.1}
	first, ok := s.Nearest(query)
	if !ok {
		t.Fatal("Expected a match")
	}
	for i := 0; i < 50; i++ {
		m, _ := s.Nearest(query)
		if m.ID != first.ID || m.Similarity != first.Similarity {
			t.Fatalf("Expected identical match, got %s vs %s", m.ID, first.ID)
		}
	}

	restored, err := Restore(newTestConfig(), 3, snap)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if m, _ := restored.Nearest(query); m.ID != first.ID {
		t.Errorf("Expected restored set to resolve to the same family")
	}
	for i, f := range s.List() {
		if f.Members != snap.Families[i].Members || f.Centroid[0] != snap.Families[i].Centroid[0] {
			t.Fatal("Nearest must not mutate the set")
		}
	}
}

func TestNearest_TieGoesToLowestOrdinal(t *testing.T) {
	s := newTestSet(2)
	a1, _ := s.Assign([]float64{1, 0}, 0.9, 0.4)
	s.Assign([]float64{0, 1}, 0.9, 0.4)

	m, ok := s.Nearest([]float64{1, 1})
	if !ok || m.ID != a1.FamilyID || m.Ordinal != 1 {
		t.Errorf("Expected tie to resolve to ordinal 1, got %+v", m)
	}
}

func TestNearest_Empty(t *testing.T) {
	if _, ok := newTestSet(2).Nearest([]float64{1, 0}); ok {
		t.Error("Expected no match on empty set")
	}
}

func TestAssign_RejectsBadSignatures(t *testing.T) {
	s := newTestSet(3)
	if _, err := s.Assign([]float64{1, 0}, 0.9, 0.4); !errors.Is(err, core.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
	if _, err := s.Assign([]float64{1, math.NaN(), 0}, 0.9, 0.4); !errors.Is(err, core.ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}
	if s.Len() != 0 {
		t.Error("Rejected signatures must not create families")
	}
}

func TestAssign_CapacityMergesClosestPair(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxFamilies = 2
	s := NewSet(cfg, 3)

	a1, _ := s.Assign([]float64{1, 0, 0}, 0.9, 0.4)
	a2, _ := s.Assign([]float64{1, 0.8, 0}, 0.9, 0.4)
	a3, err := s.Assign([]float64{0, 0, 1}, 0.9, 0.4)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Expected capacity to hold at 2, got %d", s.Len())
	}
	if a3.Evicted == nil || a3.Evicted.Kept != a1.FamilyID || a3.Evicted.Absorbed != a2.FamilyID {
		t.Fatalf("Expected the older family to absorb the younger, got %+v", a3.Evicted)
	}
	kept, _ := s.Get(a1.FamilyID)
	if kept.Members != 2 || math.Abs(kept.Centroid[1]-0.4) > 1e-12 {
		t.Errorf("Expected member-weighted merge, got members=%d centroid=%v", kept.Members, kept.Centroid)
	}
	if _, err := s.Get(a2.FamilyID); !errors.Is(err, core.ErrUnknownFamily) {
		t.Errorf("Expected absorbed family to be gone, got %v", err)
	}
}

func TestAssign_CapacityHoldsForOpposedCentroids(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxFamilies = 2
	s := NewSet(cfg, 2)

	for _, sig := range [][]float64{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		if _, err := s.Assign(sig, 0.9, 0.4); err != nil {
			t.Fatalf("Assign(%v) failed: %v", sig, err)
		}
		if s.Len() > cfg.MaxFamilies {
			t.Fatalf("Expected at most %d families, got %d", cfg.MaxFamilies, s.Len())
		}
	}
}

func TestAssign_BlankSignatureJoinsNoFamily(t *testing.T) {
	s := newTestSet(3)
	first, _ := s.Assign([]float64{1, 0, 0}, 0.9, 0.4)

	for i := 0; i < 5; i++ {
		a, err := s.Assign([]float64{0, 0, 0}, 0.9, 0.4)
		if err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		if !a.Blank || a.Created || a.FamilyID != "" {
			t.Fatalf("Expected a blank assignment, got %+v", a)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Expected blank signatures to leave 1 family, got %d", s.Len())
	}
	f, _ := s.Get(first.FamilyID)
	if f.Members != 1 || f.Assignments != 1 {
		t.Errorf("Blank signatures touched a real family: %+v", f)
	}
	if d := s.Diversity(); d.Samples != 1 {
		t.Errorf("Expected blank signatures outside the diversity window, got %d samples", d.Samples)
	}
}

func TestConsolidate(t *testing.T) {
	cfg := newTestConfig()
	cfg.SimilarityThreshold = 0.99
	cfg.MergeThreshold = 0.98
	s := NewSet(cfg, 2)

	a, _ := s.Assign([]float64{1, 0}, 0.9, 0.4)
	s.Assign([]float64{1, 0.15}, 0.8, 0.5)
	s.Assign([]float64{0, 1}, 0.9, 0.4)
	if s.Len() != 3 {
		t.Fatalf("Expected 3 families before consolidation, got %d", s.Len())
	}

	merges := s.Consolidate()
	if len(merges) != 1 || merges[0].Kept != a.FamilyID {
		t.Fatalf("Expected one merge into the oldest family, got %+v", merges)
	}
	if s.Len() != 2 {
		t.Errorf("Expected 2 families after consolidation, got %d", s.Len())
	}
	if again := s.Consolidate(); len(again) != 0 {
		t.Errorf("Expected consolidation to be idempotent, got %+v", again)
	}
}

func TestRestore_RejectsCorruption(t *testing.T) {
	s := newTestSet(2)
	s.Assign([]float64{1, 0}, 0.9, 0.4)
	s.Assign([]float64{0, 1}, 0.9, 0.4)

	tests := []struct {
		name    string
		dim     int
		mutate  func(*Snapshot)
		wantErr error
	}{
		{"dim mismatch", 3, func(*Snapshot) {}, core.ErrShapeMismatch},
		{"short centroid", 2, func(sn *Snapshot) { sn.Families[0].Centroid = []float64{1} }, core.ErrShapeMismatch},
		{"nan centroid", 2, func(sn *Snapshot) { sn.Families[0].Centroid[0] = math.NaN() }, core.ErrCorruptState},
		{"no members", 2, func(sn *Snapshot) { sn.Families[1].Members = 0 }, core.ErrCorruptState},
		{"duplicate id", 2, func(sn *Snapshot) { sn.Families[1].ID = sn.Families[0].ID }, core.ErrCorruptState},
		{"empty id", 2, func(sn *Snapshot) { sn.Families[0].ID = "" }, core.ErrCorruptState},
		{"ordinal regress", 2, func(sn *Snapshot) { sn.NextOrdinal = 1 }, core.ErrCorruptState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := s.Snapshot()
			tt.mutate(&snap)
			if _, err := Restore(newTestConfig(), tt.dim, snap); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRestore_ContinuesOrdinals(t *testing.T) {
	s := newTestSet(2)
	s.Assign([]float64{1, 0}, 0.9, 0.4)
	restored, err := Restore(newTestConfig(), 2, s.Snapshot())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	a, _ := restored.Assign([]float64{0, 1}, 0.9, 0.4)
	if a.Ordinal != 2 {
		t.Errorf("Expected ordinal 2 after restore, got %d", a.Ordinal)
	}
}
