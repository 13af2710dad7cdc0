package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/family"
	"github.com/denizumutdereli/kairos/pkg/regime"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := core.DefaultConfig().Storage
	cfg.DataPath = t.TempDir()
	cfg.Fsync = false
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestStoreCouplingRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.LoadCoupling(); !errors.Is(err, core.ErrStateNotFound) {
		t.Fatalf("missing file err = %v", err)
	}

	m := testMatrix()
	if err := store.SaveCoupling(m); err != nil {
		t.Fatalf("SaveCoupling: %v", err)
	}
	got, err := store.LoadCoupling()
	if err != nil {
		t.Fatalf("LoadCoupling: %v", err)
	}
	if !got.Matches(m.IDs) || got.At(0, 1) != m.At(0, 1) {
		t.Fatalf("loaded %+v", got)
	}
	if !store.Exists(KindCoupling) {
		t.Fatal("Exists = false after save")
	}

	entries, _ := os.ReadDir(store.Path())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestStoreRejectsInvalidMatrix(t *testing.T) {
	store := setupTestStore(t)
	m := testMatrix()
	m.Values[0][1] = 0.9 // asymmetric
	if err := store.SaveCoupling(m); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadCoupling(); !errors.Is(err, core.ErrCorruptState) {
		t.Fatalf("asymmetric matrix err = %v", err)
	}
}

func TestStoreGarbageFile(t *testing.T) {
	store := setupTestStore(t)
	if err := os.WriteFile(store.FilePath(KindFamilies), []byte("definitely not msgpack"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadFamilies(); !errors.Is(err, core.ErrCorruptState) {
		t.Fatalf("garbage err = %v", err)
	}

	moved, err := store.Quarantine(KindFamilies)
	if err != nil || moved == "" {
		t.Fatalf("Quarantine = %q, %v", moved, err)
	}
	if store.Exists(KindFamilies) {
		t.Fatal("corrupt file still in place")
	}
	if _, err := os.Stat(moved); err != nil {
		t.Fatalf("quarantined file missing: %v", err)
	}
	if store.Stats()["quarantined"].(uint64) != 1 {
		t.Fatalf("stats = %v", store.Stats())
	}
}

func TestStoreFamiliesRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	cfg := core.DefaultConfig().Family
	set := family.NewSet(cfg, 4)
	for _, sig := range [][]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0.99, 0.05, 0, 0}} {
		if _, err := set.Assign(sig, 0.9, 0.4); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.SaveFamilies(set.Snapshot()); err != nil {
		t.Fatal(err)
	}
	snap, err := store.LoadFamilies()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := family.Restore(cfg, 4, snap)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Len() != set.Len() {
		t.Fatalf("restored %d families, want %d", restored.Len(), set.Len())
	}
	a, _ := set.Nearest([]float64{0.5, 0.5, 0, 0})
	b, _ := restored.Nearest([]float64{0.5, 0.5, 0, 0})
	if a.ID != b.ID || a.Similarity != b.Similarity {
		t.Fatalf("nearest differs after restore: %+v vs %+v", a, b)
	}
}

func TestStoreEvolutionRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ev := regime.NewEvolver(core.DefaultConfig().Regime)
	for i := 0; i < 5; i++ {
		ev.Step(0.9, nil)
	}
	if err := store.SaveEvolution(Evolution{Regime: ev.State(), Turns: 42}); err != nil {
		t.Fatal(err)
	}
	got, err := store.LoadEvolution()
	if err != nil {
		t.Fatal(err)
	}
	if got.Turns != 42 || got.Regime.Threshold != ev.Threshold() || got.SavedAt.IsZero() {
		t.Fatalf("loaded %+v", got)
	}
	if _, err := regime.RestoreEvolver(core.DefaultConfig().Regime, got.Regime); err != nil {
		t.Fatalf("RestoreEvolver: %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Remove(KindEvolution); err != nil {
		t.Fatalf("removing missing file: %v", err)
	}
	if err := store.SaveEvolution(Evolution{}); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(KindEvolution); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(store.Path(), EvolutionFile)); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
}
