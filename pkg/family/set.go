package family

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Match is a read-only nearest-centroid lookup result.
type Match struct {
	ID         core.FamilyID `json:"id"`
	Ordinal    uint64        `json:"ordinal"`
	Similarity float64       `json:"similarity"`
	V0Target   float64       `json:"v0Target"`
	HasTarget  bool          `json:"hasTarget"`
}

// Assignment reports where a signature landed.
type Assignment struct {
	FamilyID   core.FamilyID `json:"familyId"`
	Ordinal    uint64        `json:"ordinal"`
	Created    bool          `json:"created"`
	Similarity float64       `json:"similarity"`

	// Confirmed assignments move the centroid and count as members.
	Confirmed bool    `json:"confirmed"`
	Alpha     float64 `json:"alpha"`
	Members   int     `json:"members"`

	// Evicted is set when capacity forced a merge before creation.
	Evicted *Merge `json:"evicted,omitempty"`

	// Blank is set for an all-zero signature. Such a turn carries no
	// direction to compare, so it joins no family and FamilyID is empty.
	Blank bool `json:"blank,omitempty"`
}

// Merge records one consolidation step.
type Merge struct {
	Kept       core.FamilyID `json:"kept"`
	Absorbed   core.FamilyID `json:"absorbed"`
	Similarity float64       `json:"similarity"`
}

// Set is the persistent family collection. Families are kept in ordinal
// order; they are never deleted except by consolidation.
//
// A Set is owned by one organism and is not safe for concurrent use.
type Set struct {
	cfg         core.FamilyConfig
	dim         int
	nextOrdinal uint64
	families    []*Family
	recent      core.Ring[[]float64]
}

// NewSet creates an empty family set for signatures of length dim.
func NewSet(cfg core.FamilyConfig, dim int) *Set {
	return &Set{
		cfg:         cfg,
		dim:         dim,
		nextOrdinal: 1,
		recent:      core.NewRing[[]float64](cfg.DiversityWindow),
	}
}

// Dim returns the signature length the set accepts.
func (s *Set) Dim() int { return s.dim }

// Len returns the number of families.
func (s *Set) Len() int { return len(s.families) }

// Nearest returns the most similar family by cosine similarity without
// touching the set. Ties resolve to the lowest ordinal.
func (s *Set) Nearest(sig []float64) (Match, bool) {
	best := -1
	bestSim := 0.0
	for i, f := range s.families {
		sim := core.Cosine(sig, f.Centroid)
		if best < 0 || sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best < 0 {
		return Match{}, false
	}
	f := s.families[best]
	return Match{ID: f.ID, Ordinal: f.Ordinal, Similarity: bestSim, V0Target: f.V0Target, HasTarget: f.HasTarget}, true
}

func (s *Set) checkSignature(sig []float64) error {
	if len(sig) != s.dim {
		return fmt.Errorf("%w: signature has %d dims, family set expects %d", core.ErrShapeMismatch, len(sig), s.dim)
	}
	if !core.Finite(sig) {
		return core.ErrInvalidSignature
	}
	return nil
}

// Assign places a signature in its nearest family when similar enough,
// otherwise founds a new family.
func (s *Set) Assign(sig []float64, satisfaction, energy float64) (Assignment, error) {
	if err := s.checkSignature(sig); err != nil {
		return Assignment{}, err
	}
	if blank(sig) {
		return Assignment{Blank: true}, nil
	}
	sat := core.Clamp01(satisfaction)
	energy = core.Clamp01(energy)
	s.recent.Push(append([]float64(nil), sig...))

	if m, ok := s.Nearest(sig); ok && m.Similarity >= s.cfg.SimilarityThreshold {
		f := s.byID(m.ID)
		a := Assignment{
			FamilyID:   f.ID,
			Ordinal:    f.Ordinal,
			Similarity: m.Similarity,
			Confirmed:  sat >= s.cfg.ConfirmGate,
		}
		if a.Confirmed {
			a.Alpha = memberAlpha(f.Members, s.cfg.MaxMembers)
			f.moveCentroid(sig, a.Alpha)
			f.Members = min(f.Members+1, s.cfg.MaxMembers)
		}
		f.observe(sat, energy, s.cfg)
		a.Members = f.Members
		return a, nil
	}

	a := Assignment{Created: true, Confirmed: true, Alpha: 1}
	if len(s.families) >= s.cfg.MaxFamilies {
		if merge, ok := s.mergeClosest(math.Inf(-1)); ok {
			a.Evicted = &merge
			slog.Warn("family capacity reached, merged closest pair",
				"kept", merge.Kept, "absorbed", merge.Absorbed, "similarity", merge.Similarity)
		}
	}

	f := newFamily(s.nextOrdinal, sig, s.cfg.HistorySize)
	s.nextOrdinal++
	f.Members = 1
	f.observe(sat, energy, s.cfg)
	s.families = append(s.families, f)

	a.FamilyID = f.ID
	a.Ordinal = f.Ordinal
	a.Similarity = 1
	a.Members = 1
	return a, nil
}

// Consolidate merges every pair of families whose centroids are at least
// MergeThreshold similar. The older family absorbs the younger.
func (s *Set) Consolidate() []Merge {
	var merges []Merge
	for {
		m, ok := s.mergeClosest(s.cfg.MergeThreshold)
		if !ok {
			return merges
		}
		merges = append(merges, m)
	}
}

// mergeClosest merges the most similar pair if its similarity reaches floor.
func (s *Set) mergeClosest(floor float64) (Merge, bool) {
	bi, bj := -1, -1
	bestSim := 0.0
	for i := 0; i < len(s.families); i++ {
		for j := i + 1; j < len(s.families); j++ {
			sim := core.Cosine(s.families[i].Centroid, s.families[j].Centroid)
			if bi < 0 || sim > bestSim {
				bi, bj, bestSim = i, j, sim
			}
		}
	}
	if bi < 0 || bestSim < floor {
		return Merge{}, false
	}

	kept, absorbed := s.families[bi], s.families[bj]
	kept.absorb(absorbed, s.cfg.MaxMembers)
	s.families = append(s.families[:bj], s.families[bj+1:]...)
	return Merge{Kept: kept.ID, Absorbed: absorbed.ID, Similarity: bestSim}, true
}

func blank(sig []float64) bool {
	for _, v := range sig {
		if v != 0 {
			return false
		}
	}
	return true
}

func (s *Set) byID(id core.FamilyID) *Family {
	for _, f := range s.families {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Get returns a copy of one family.
func (s *Set) Get(id core.FamilyID) (Family, error) {
	f := s.byID(id)
	if f == nil {
		return Family{}, fmt.Errorf("%w: %s", core.ErrUnknownFamily, id)
	}
	return f.Clone(), nil
}

// List returns copies of all families in ordinal order.
func (s *Set) List() []Family {
	out := make([]Family, len(s.families))
	for i, f := range s.families {
		out[i] = f.Clone()
	}
	return out
}

// SatisfactionWindow returns the family's recent satisfaction values.
func (s *Set) SatisfactionWindow(id core.FamilyID) []float64 {
	if f := s.byID(id); f != nil {
		return f.SatisfactionHistory.Values()
	}
	return nil
}
