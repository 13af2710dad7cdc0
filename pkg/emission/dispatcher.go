package emission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// GenerateContext is what the organism hands an external generator along
// with the prompt. Memory may be empty.
type GenerateContext struct {
	FamilyID   core.FamilyID
	Regime     core.Regime
	Features   []string
	Confidence float64
	Memory     []string
	Draft      string
	MaxTokens  int
}

// Generator is an external text source, typically an LLM.
type Generator interface {
	Generate(ctx context.Context, prompt string, gc GenerateContext) (string, float64, error)
}

// Pattern is one learned response associated with a family.
type Pattern struct {
	Text    string
	Quality float64
	Uses    int
}

// PatternMemory recalls learned text for a family, best first.
type PatternMemory interface {
	Recall(ctx context.Context, family core.FamilyID, limit int) ([]Pattern, error)
}

// Emission is the resolved output of one turn.
type Emission struct {
	Text       string
	Confidence float64
	Strategy   core.Strategy
	Planned    core.Strategy
	// External is the generator's self-reported confidence, when it ran.
	External float64
	Reason   string
}

// Degraded reports whether the resolved strategy differs from the planned one.
func (e Emission) Degraded() bool { return e.Strategy != e.Planned }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithGenerator attaches an external generator with a per-call timeout.
func WithGenerator(g Generator, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.gen = g
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithRateLimit budgets generator calls. rps <= 0 disables the budget.
func WithRateLimit(rps float64, burst int) Option {
	return func(d *Dispatcher) {
		if rps <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMemory attaches the pattern memory used by the fallback strategy.
func WithMemory(m PatternMemory) Option {
	return func(d *Dispatcher) { d.memory = m }
}

// WithMaxTokens is forwarded to the generator.
func WithMaxTokens(n int) Option {
	return func(d *Dispatcher) { d.maxTokens = n }
}

// Dispatcher resolves strategies into text.
type Dispatcher struct {
	cfg       core.EmissionConfig
	policy    Policy
	composer  *Composer
	gen       Generator
	timeout   time.Duration
	limiter   *rate.Limiter
	memory    PatternMemory
	maxTokens int
}

const defaultGenerateTimeout = 20 * time.Second

// NewDispatcher builds a dispatcher from the emission config.
func NewDispatcher(cfg core.EmissionConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		policy:   PolicyFromConfig(cfg),
		composer: NewComposer(cfg.PhraseBank),
		timeout:  defaultGenerateTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LLMAvailable reports whether a generator is attached.
func (d *Dispatcher) LLMAvailable() bool { return d.gen != nil }

// Decide runs the decision tree with the dispatcher's bands.
func (d *Dispatcher) Decide(in Inputs) core.Strategy {
	in.LLMAvailable = in.LLMAvailable && d.gen != nil
	return d.policy.Decide(in)
}

// Emit decides and resolves a strategy. It never fails: every failure
// degrades scaffold and fusion to direct, and direct to fallback.
func (d *Dispatcher) Emit(ctx context.Context, in Inputs) Emission {
	planned := d.Decide(in)
	em := Emission{Planned: planned}

	strategy := planned
	reasons := make([]string, 0, 2)
	for {
		text, conf, ext, err := d.resolve(ctx, strategy, in)
		if err == nil && strings.TrimSpace(text) != "" {
			em.Text = strings.TrimSpace(text)
			em.Confidence = core.Clamp01(conf)
			em.External = ext
			em.Strategy = strategy
			break
		}
		if err == nil {
			err = core.ErrEmptyEmission
		}
		reasons = append(reasons, fmt.Sprintf("%s: %v", strategy, err))
		slog.Debug("emission degraded", "strategy", strategy, "error", err)
		if strategy == core.StrategyFallback {
			em.Text = d.cfg.FallbackText
			em.Confidence = core.Clamp01(d.cfg.FallbackConfidence / 2)
			em.Strategy = core.StrategyFallback
			break
		}
		strategy = strategy.Degrade()
	}
	em.Reason = strings.Join(reasons, "; ")
	return em
}

// resolve runs one strategy, converting panics from collaborators into errors.
func (d *Dispatcher) resolve(ctx context.Context, s core.Strategy, in Inputs) (text string, conf, ext float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s strategy: %v", s, r)
		}
	}()

	switch s {
	case core.StrategyLLMScaffold:
		text, ext, err = d.generate(ctx, in, "")
		return text, ext, ext, err
	case core.StrategyFusion:
		draft := d.composer.Compose(in.Text, in.Nexuses)
		text, ext, err = d.generate(ctx, in, draft)
		if err != nil {
			return "", 0, 0, err
		}
		return fuse(draft, text), blend(in.Confidence, ext, in.ExternalWeight), ext, nil
	case core.StrategyDirect:
		return d.composer.Compose(in.Text, in.Nexuses), in.Confidence, 0, nil
	default:
		return d.recall(ctx, in.FamilyID)
	}
}

func (d *Dispatcher) generate(ctx context.Context, in Inputs, draft string) (string, float64, error) {
	if d.gen == nil {
		return "", 0, core.ErrLLMUnavailable
	}
	if d.limiter != nil && !d.limiter.Allow() {
		return "", 0, fmt.Errorf("%w: rate budget exhausted", core.ErrLLMUnavailable)
	}

	gc := GenerateContext{
		FamilyID:   in.FamilyID,
		Regime:     in.Regime,
		Features:   features(in),
		Confidence: in.Confidence,
		Draft:      draft,
		MaxTokens:  d.maxTokens,
	}
	if d.memory != nil && in.FamilyID != "" {
		if pats, err := d.memory.Recall(ctx, in.FamilyID, 3); err == nil {
			for _, p := range pats {
				gc.Memory = append(gc.Memory, p.Text)
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type result struct {
		text string
		conf float64
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("generator panic: %v", r)}
			}
		}()
		text, conf, err := d.gen.Generate(callCtx, in.Text, gc)
		done <- result{text: text, conf: conf, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return "", 0, fmt.Errorf("%w: %v", core.ErrLLMTimeout, r.err)
			}
			return "", 0, r.err
		}
		if math.IsNaN(r.conf) || math.IsInf(r.conf, 0) {
			r.conf = 0
		}
		return r.text, core.Clamp01(r.conf), nil
	case <-callCtx.Done():
		return "", 0, fmt.Errorf("%w: %v", core.ErrLLMTimeout, callCtx.Err())
	}
}

func (d *Dispatcher) recall(ctx context.Context, family core.FamilyID) (string, float64, float64, error) {
	if d.memory == nil || family == "" {
		return "", 0, 0, core.ErrEmptyEmission
	}
	pats, err := d.memory.Recall(ctx, family, 1)
	if err != nil {
		return "", 0, 0, err
	}
	if len(pats) == 0 {
		return "", 0, 0, core.ErrEmptyEmission
	}
	quality := core.Clamp01(pats[0].Quality)
	if quality < 0.5 {
		quality = 0.5
	}
	return pats[0].Text, d.cfg.FallbackConfidence * quality, 0, nil
}

func features(in Inputs) []string {
	out := make([]string, 0, len(in.Nexuses))
	for _, n := range in.Nexuses {
		out = append(out, n.Feature)
	}
	return out
}

// fuse puts the organism's draft first and the external continuation after
// it. The generator is prompted to continue the draft, so the weight never
// reorders them.
func fuse(draft, external string) string {
	draft, external = strings.TrimSpace(draft), strings.TrimSpace(external)
	switch {
	case draft == "":
		return external
	case external == "":
		return draft
	default:
		return draft + " " + external
	}
}

func blend(internal, external, weight float64) float64 {
	w := core.Clamp01(weight)
	return core.Clamp01((1-w)*core.Clamp01(internal) + w*external)
}
