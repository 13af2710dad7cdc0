// Package extractor turns a conversational turn into per-organ activations.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Dim is the vector length of every built-in extractor.
const Dim = 10

// Extractor is one signal organ.
type Extractor interface {
	Name() core.ExtractorID
	Dim() int
	Extract(ctx context.Context, turn core.TurnContext) (core.Activation, error)
}

// Stateful extractors depend on conversation history and are never cached.
type Stateful interface {
	Stateful() bool
}

// Ensemble runs an ordered set of extractors. Order defines the coupling
// matrix indices and the signature layout.
type Ensemble struct {
	extractors []Extractor
	ids        []core.ExtractorID
	dim        int
	cache      *lru.Cache[string, core.Activation]
}

// NewEnsemble wraps the extractors. cacheSize <= 0 disables the cache.
func NewEnsemble(cacheSize int, extractors ...Extractor) (*Ensemble, error) {
	if len(extractors) < 2 {
		return nil, fmt.Errorf("ensemble needs at least 2 extractors, got %d", len(extractors))
	}
	e := &Ensemble{extractors: extractors}
	seen := make(map[core.ExtractorID]bool, len(extractors))
	for _, x := range extractors {
		id := x.Name()
		if seen[id] {
			return nil, fmt.Errorf("duplicate extractor %q", id)
		}
		if x.Dim() <= 0 {
			return nil, fmt.Errorf("extractor %q has dim %d", id, x.Dim())
		}
		seen[id] = true
		e.ids = append(e.ids, id)
		e.dim += x.Dim()
	}
	if cacheSize > 0 {
		c, err := lru.New[string, core.Activation](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("extraction cache: %w", err)
		}
		e.cache = c
	}
	return e, nil
}

// Build constructs the ensemble named by cfg.Enabled from built-in organs.
func Build(cfg core.ExtractorConfig) (*Ensemble, error) {
	names := cfg.Enabled
	if len(names) == 0 {
		names = core.DefaultExtractors
	}
	xs := make([]Extractor, 0, len(names))
	for _, name := range names {
		x, err := New(name, cfg)
		if err != nil {
			return nil, err
		}
		xs = append(xs, x)
	}
	return NewEnsemble(cfg.CacheSize, xs...)
}

// New returns the built-in extractor called name.
func New(name string, cfg core.ExtractorConfig) (Extractor, error) {
	switch name {
	case "affect":
		return NewAffect(), nil
	case "structure":
		return NewStructure(), nil
	case "relational":
		return NewRelational(), nil
	case "temporal":
		return NewTemporal(), nil
	case "novelty":
		return NewNovelty(cfg.NoveltyWindow), nil
	}
	return nil, fmt.Errorf("unknown extractor %q", name)
}

// IDs returns the ensemble order.
func (e *Ensemble) IDs() []core.ExtractorID {
	return append([]core.ExtractorID(nil), e.ids...)
}

// Len is the number of extractors.
func (e *Ensemble) Len() int { return len(e.extractors) }

// SignatureDim is the total signature length.
func (e *Ensemble) SignatureDim() int { return e.dim }

// Run extracts every organ in order. Failed organs are replaced by a zero
// activation of the right length and reported in the second result.
func (e *Ensemble) Run(ctx context.Context, turn core.TurnContext) ([]core.Activation, []core.ExtractorID) {
	key := CacheKey(turn.Text)
	acts := make([]core.Activation, len(e.extractors))
	var degraded []core.ExtractorID

	for i, x := range e.extractors {
		cacheable := e.cache != nil && !isStateful(x)
		ck := string(e.ids[i]) + "\x00" + key
		if cacheable {
			if a, ok := e.cache.Get(ck); ok {
				acts[i] = a.Clone()
				continue
			}
		}

		a, err := safeExtract(ctx, x, turn)
		if err != nil {
			slog.Warn("extractor failed, substituting zero activation", "extractor", e.ids[i], "error", err)
			acts[i] = core.ZeroActivation(x.Dim())
			degraded = append(degraded, e.ids[i])
			continue
		}
		acts[i] = a
		if cacheable {
			e.cache.Add(ck, a.Clone())
		}
	}
	return acts, degraded
}

// Purge empties the extraction cache.
func (e *Ensemble) Purge() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func isStateful(x Extractor) bool {
	s, ok := x.(Stateful)
	return ok && s.Stateful()
}

func safeExtract(ctx context.Context, x Extractor, turn core.TurnContext) (a core.Activation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return core.Activation{}, err
	}
	a, err = x.Extract(ctx, turn)
	if err != nil {
		return core.Activation{}, err
	}
	return sanitize(a, x.Dim())
}

// sanitize rejects wrong shapes and non-finite values and clamps the
// scalar channels into range.
func sanitize(a core.Activation, dim int) (core.Activation, error) {
	if len(a.Vector) != dim {
		return core.Activation{}, fmt.Errorf("%w: vector length %d, want %d", core.ErrShapeMismatch, len(a.Vector), dim)
	}
	if !core.Finite(a.Vector) || !core.Finite([]float64{a.Coherence, a.Urgency}) {
		return core.Activation{}, fmt.Errorf("%w: non-finite activation", core.ErrInvalidSignature)
	}
	out := a.Clone()
	out.Coherence = core.Clamp01(a.Coherence)
	out.Urgency = core.Clamp01(a.Urgency)
	for k, v := range out.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return core.Activation{}, fmt.Errorf("%w: non-finite feature %q", core.ErrInvalidSignature, k)
		}
		out.Features[k] = core.Clamp01(v)
	}
	out.Degraded = false
	return out, nil
}

// Signature concatenates the activation vectors in ensemble order.
func Signature(acts []core.Activation) []float64 {
	n := 0
	for _, a := range acts {
		n += len(a.Vector)
	}
	sig := make([]float64, 0, n)
	for _, a := range acts {
		sig = append(sig, a.Vector...)
	}
	return sig
}
