// Package nexus finds co-activation groups: two or more extractors that
// attend to the same shared feature in one turn.
package nexus

import (
	"sort"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/coupling"
)

// Nexus is an ephemeral co-activation group. It lives for one convergence
// cycle; only its Summary outlives the turn.
type Nexus struct {
	Feature string             `json:"feature"`
	Members []core.ExtractorID `json:"members"`
	Indices []int              `json:"-"`

	// Activation is the mean pairwise product of member contributions.
	Activation float64 `json:"activation"`

	// Strength is Activation weighted by the coupling of each pair.
	Strength float64 `json:"strength"`
}

// Detector groups extractors whose contribution to a feature exceeds
// Threshold. It holds no state and never mutates its inputs.
type Detector struct {
	Threshold float64
}

// NewDetector creates a detector with the given intersection threshold.
func NewDetector(threshold float64) *Detector {
	return &Detector{Threshold: threshold}
}

// Detect returns the nexuses of one cycle, ordered by feature name.
// acts[i] belongs to matrix row i. A nil matrix yields no nexuses.
func (d *Detector) Detect(acts []core.Activation, m *coupling.Matrix) []Nexus {
	if m == nil {
		return nil
	}
	n := min(len(acts), m.Size())

	tagSet := make(map[string]struct{})
	for i := 0; i < n; i++ {
		for tag := range acts[i].Features {
			tagSet[tag] = struct{}{}
		}
	}
	tags := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var out []Nexus
	for _, tag := range tags {
		var idx []int
		for i := 0; i < n; i++ {
			if acts[i].Degraded {
				continue
			}
			if acts[i].Features[tag] > d.Threshold {
				idx = append(idx, i)
			}
		}
		if len(idx) < 2 {
			continue
		}

		pairs := 0
		actSum, strSum := 0.0, 0.0
		for a := 0; a < len(idx); a++ {
			for b := a + 1; b < len(idx); b++ {
				i, j := idx[a], idx[b]
				p := core.Clamp01(acts[i].Features[tag]) * core.Clamp01(acts[j].Features[tag])
				actSum += p
				strSum += p * m.At(i, j)
				pairs++
			}
		}

		members := make([]core.ExtractorID, len(idx))
		for k, i := range idx {
			members[k] = m.IDs[i]
		}
		out = append(out, Nexus{
			Feature:    tag,
			Members:    members,
			Indices:    idx,
			Activation: actSum / float64(pairs),
			Strength:   strSum / float64(pairs),
		})
	}
	return out
}

// Summary is the aggregate of a nexus set that is logged and journaled.
type Summary struct {
	Count           int      `json:"count"`
	TotalStrength   float64  `json:"totalStrength"`
	MeanStrength    float64  `json:"meanStrength"`
	MaxStrength     float64  `json:"maxStrength"`
	TotalActivation float64  `json:"totalActivation"`
	Features        []string `json:"features,omitempty"`
}

// Summarize aggregates nexuses.
func Summarize(ns []Nexus) Summary {
	s := Summary{Count: len(ns)}
	for _, nx := range ns {
		s.TotalStrength += nx.Strength
		s.TotalActivation += nx.Activation
		s.MaxStrength = max(s.MaxStrength, nx.Strength)
		s.Features = append(s.Features, nx.Feature)
	}
	if s.Count > 0 {
		s.MeanStrength = s.TotalStrength / float64(s.Count)
	}
	return s
}
