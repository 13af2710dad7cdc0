package family

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// minDiversitySamples is the smallest window that can flag collapse.
const minDiversitySamples = 8

// Diversity is the health diagnostic over recent signatures. If the input
// space lacks organic variance, no similarity threshold can split it into
// families; Collapsed says so.
type Diversity struct {
	Samples        int     `json:"samples"`
	Families       int     `json:"families"`
	MeanSimilarity float64 `json:"meanSimilarity"`
	MeanVariance   float64 `json:"meanVariance"`

	// EffectiveDim is the participation ratio (Σλ)²/Σλ² of the signature
	// covariance: ~1 when one direction dominates, up to Dim for isotropic input.
	EffectiveDim float64 `json:"effectiveDim"`

	Collapsed bool `json:"collapsed"`
}

// Diversity computes the diagnostic over the bounded signature window.
func (s *Set) Diversity() Diversity {
	d := Diversity{Samples: s.recent.Len(), Families: len(s.families)}
	if d.Samples < 2 || s.dim == 0 {
		return d
	}
	rows := s.recent.Items

	pairs, simSum := 0, 0.0
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			simSum += core.Cosine(rows[i], rows[j])
			pairs++
		}
	}
	d.MeanSimilarity = simSum / float64(pairs)

	data := make([]float64, 0, len(rows)*s.dim)
	for _, r := range rows {
		data = append(data, r...)
	}
	x := mat.NewDense(len(rows), s.dim, data)

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, x, nil)

	trace, frob := 0.0, 0.0
	for i := 0; i < s.dim; i++ {
		trace += cov.At(i, i)
		for j := 0; j < s.dim; j++ {
			v := cov.At(i, j)
			frob += v * v
		}
	}
	d.MeanVariance = trace / float64(s.dim)
	if frob > 0 && !math.IsNaN(frob) {
		d.EffectiveDim = trace * trace / frob
	}

	d.Collapsed = d.Samples >= minDiversitySamples && d.MeanSimilarity >= s.cfg.CollapseSimilarity
	return d
}
