package family

import (
	"fmt"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Snapshot is the persisted shape of a Set.
type Snapshot struct {
	Dim         int                  `msgpack:"dim"`
	NextOrdinal uint64               `msgpack:"next_ordinal"`
	Families    []Family             `msgpack:"families"`
	Recent      core.Ring[[]float64] `msgpack:"recent"`
}

// Snapshot deep-copies the set for persistence.
func (s *Set) Snapshot() Snapshot {
	recent := core.NewRing[[]float64](s.recent.Limit)
	for _, v := range s.recent.Items {
		recent.Push(append([]float64(nil), v...))
	}
	return Snapshot{
		Dim:         s.dim,
		NextOrdinal: s.nextOrdinal,
		Families:    s.List(),
		Recent:      recent,
	}
}

// Restore rebuilds a Set from a snapshot, checking it against the expected
// signature length. Any inconsistency wraps ErrShapeMismatch or
// ErrCorruptState so the caller can reinitialise.
func Restore(cfg core.FamilyConfig, dim int, snap Snapshot) (*Set, error) {
	if snap.Dim != dim {
		return nil, fmt.Errorf("%w: family set has %d dims, ensemble produces %d", core.ErrShapeMismatch, snap.Dim, dim)
	}

	s := NewSet(cfg, dim)
	seen := make(map[core.FamilyID]struct{}, len(snap.Families))
	var lastOrdinal uint64
	for i := range snap.Families {
		f := snap.Families[i].Clone()
		switch {
		case f.ID == "":
			return nil, fmt.Errorf("%w: family %d has no id", core.ErrCorruptState, i)
		case len(f.Centroid) != dim:
			return nil, fmt.Errorf("%w: family %s centroid has %d dims", core.ErrShapeMismatch, f.ID, len(f.Centroid))
		case !core.Finite(f.Centroid):
			return nil, fmt.Errorf("%w: family %s centroid is not finite", core.ErrCorruptState, f.ID)
		case f.Members < 1 || f.Ordinal <= lastOrdinal:
			return nil, fmt.Errorf("%w: family %s has members=%d ordinal=%d", core.ErrCorruptState, f.ID, f.Members, f.Ordinal)
		}
		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate family %s", core.ErrCorruptState, f.ID)
		}
		seen[f.ID] = struct{}{}
		lastOrdinal = f.Ordinal

		f.Members = min(f.Members, cfg.MaxMembers)
		f.EnergyHistory.Resize(cfg.HistorySize)
		f.SatisfactionHistory.Resize(cfg.HistorySize)
		s.families = append(s.families, &f)
	}
	if snap.NextOrdinal <= lastOrdinal {
		return nil, fmt.Errorf("%w: next ordinal %d not past %d", core.ErrCorruptState, snap.NextOrdinal, lastOrdinal)
	}
	s.nextOrdinal = snap.NextOrdinal

	for _, v := range snap.Recent.Items {
		if len(v) == dim && core.Finite(v) {
			s.recent.Push(append([]float64(nil), v...))
		}
	}
	return s, nil
}
