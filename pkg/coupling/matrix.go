package coupling

import (
	"fmt"
	"math"
	"time"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// SaturationLevel is the entry value counted as saturated by Stats.
const SaturationLevel = 0.95

// symmetryTolerance is the largest accepted |R[i,j] - R[j,i]| on load.
const symmetryTolerance = 1e-9

// Matrix is the learned pairwise coupling between extractors ("R-matrix").
// It is symmetric, bounded to [0,1] and carries a fixed unit diagonal.
// Entries only ever grow through the Hebbian updater.
//
// A Matrix is owned by one organism and is not safe for concurrent mutation.
type Matrix struct {
	IDs          []core.ExtractorID `msgpack:"ids" json:"ids"`
	Values       [][]float64        `msgpack:"values" json:"values"`
	LearningRate float64            `msgpack:"learning_rate" json:"learningRate"`
	UpdateCount  uint64             `msgpack:"update_count" json:"updateCount"`

	Version    uint64    `msgpack:"version" json:"version"`
	CreatedAt  time.Time `msgpack:"created_at" json:"createdAt"`
	ModifiedAt time.Time `msgpack:"modified_at" json:"modifiedAt"`
}

// NewIdentity creates the first-run matrix: ones on the diagonal, zero coupling.
func NewIdentity(ids []core.ExtractorID, learningRate float64) *Matrix {
	n := len(ids)
	values := make([][]float64, n)
	for i := range values {
		values[i] = make([]float64, n)
		values[i][i] = 1.0
	}
	now := time.Now()
	return &Matrix{
		IDs:          append([]core.ExtractorID(nil), ids...),
		Values:       values,
		LearningRate: learningRate,
		Version:      1,
		CreatedAt:    now,
		ModifiedAt:   now,
	}
}

// Size returns N.
func (m *Matrix) Size() int { return len(m.IDs) }

// At returns R[i,j].
func (m *Matrix) At(i, j int) float64 { return m.Values[i][j] }

// Index returns the row of an extractor.
func (m *Matrix) Index(id core.ExtractorID) (int, bool) {
	for i, x := range m.IDs {
		if x == id {
			return i, true
		}
	}
	return -1, false
}

// Matches reports whether the matrix is laid out for exactly these extractors.
func (m *Matrix) Matches(ids []core.ExtractorID) bool {
	if len(ids) != len(m.IDs) {
		return false
	}
	for i := range ids {
		if ids[i] != m.IDs[i] {
			return false
		}
	}
	return true
}

// Clone deep-copies the matrix.
func (m *Matrix) Clone() *Matrix {
	out := *m
	out.IDs = append([]core.ExtractorID(nil), m.IDs...)
	out.Values = make([][]float64, len(m.Values))
	for i, row := range m.Values {
		out.Values[i] = append([]float64(nil), row...)
	}
	return &out
}

// Validate checks the structural invariants of a loaded matrix.
// Shape problems wrap ErrShapeMismatch, value problems wrap ErrCorruptState.
func (m *Matrix) Validate() error {
	n := len(m.IDs)
	if n == 0 {
		return fmt.Errorf("%w: coupling matrix has no extractors", core.ErrShapeMismatch)
	}
	if len(m.Values) != n {
		return fmt.Errorf("%w: coupling matrix has %d rows for %d extractors", core.ErrShapeMismatch, len(m.Values), n)
	}
	seen := make(map[core.ExtractorID]struct{}, n)
	for _, id := range m.IDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate extractor %q", core.ErrCorruptState, id)
		}
		seen[id] = struct{}{}
	}
	for i, row := range m.Values {
		if len(row) != n {
			return fmt.Errorf("%w: coupling row %d has %d columns, want %d", core.ErrShapeMismatch, i, len(row), n)
		}
	}
	for i := 0; i < n; i++ {
		if m.Values[i][i] != 1.0 {
			return fmt.Errorf("%w: coupling diagonal [%d] is %f", core.ErrCorruptState, i, m.Values[i][i])
		}
		for j := i + 1; j < n; j++ {
			a, b := m.Values[i][j], m.Values[j][i]
			if math.IsNaN(a) || a < 0 || a > 1 {
				return fmt.Errorf("%w: coupling [%d,%d]=%f outside [0,1]", core.ErrCorruptState, i, j, a)
			}
			if !(math.Abs(a-b) <= symmetryTolerance) {
				return fmt.Errorf("%w: coupling [%d,%d] is not symmetric", core.ErrCorruptState, i, j)
			}
		}
	}
	if m.LearningRate <= 0 {
		return fmt.Errorf("%w: coupling learning rate %f", core.ErrCorruptState, m.LearningRate)
	}
	return nil
}

// Migrate re-indexes the matrix for a changed ensemble. Couplings between
// extractors present in both layouts survive; new extractors start uncoupled.
func (m *Matrix) Migrate(ids []core.ExtractorID) *Matrix {
	out := NewIdentity(ids, m.LearningRate)
	out.UpdateCount = m.UpdateCount
	out.Version = m.Version + 1
	out.CreatedAt = m.CreatedAt
	for i, a := range ids {
		oi, ok := m.Index(a)
		if !ok {
			continue
		}
		for j, b := range ids {
			if i == j {
				continue
			}
			if oj, ok := m.Index(b); ok {
				out.Values[i][j] = m.Values[oi][oj]
			}
		}
	}
	return out
}

// Stats summarises the off-diagonal couplings; SaturatedFraction is the
// early warning for a learning rate that is too high.
type Stats struct {
	Size              int     `json:"size"`
	Pairs             int     `json:"pairs"`
	MeanOffDiagonal   float64 `json:"meanOffDiagonal"`
	MinOffDiagonal    float64 `json:"minOffDiagonal"`
	MaxOffDiagonal    float64 `json:"maxOffDiagonal"`
	SaturatedFraction float64 `json:"saturatedFraction"`
	UpdateCount       uint64  `json:"updateCount"`
	LearningRate      float64 `json:"learningRate"`
}

// Stats computes the coupling summary.
func (m *Matrix) Stats() Stats {
	n := m.Size()
	s := Stats{Size: n, UpdateCount: m.UpdateCount, LearningRate: m.LearningRate, MinOffDiagonal: 1}
	sum, saturated := 0.0, 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := m.Values[i][j]
			sum += v
			s.Pairs++
			s.MinOffDiagonal = min(s.MinOffDiagonal, v)
			s.MaxOffDiagonal = max(s.MaxOffDiagonal, v)
			if v >= SaturationLevel {
				saturated++
			}
		}
	}
	if s.Pairs == 0 {
		s.MinOffDiagonal = 0
		return s
	}
	s.MeanOffDiagonal = sum / float64(s.Pairs)
	s.SaturatedFraction = float64(saturated) / float64(s.Pairs)
	return s
}
