// Package organism owns the long-lived learning state and runs the
// per-turn pipeline over it.
package organism

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/denizumutdereli/kairos/pkg/convergence"
	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/coupling"
	"github.com/denizumutdereli/kairos/pkg/emission"
	"github.com/denizumutdereli/kairos/pkg/extractor"
	"github.com/denizumutdereli/kairos/pkg/family"
	"github.com/denizumutdereli/kairos/pkg/journal"
	"github.com/denizumutdereli/kairos/pkg/llm"
	"github.com/denizumutdereli/kairos/pkg/nexus"
	"github.com/denizumutdereli/kairos/pkg/persistence"
	"github.com/denizumutdereli/kairos/pkg/regime"
)

// Reset scopes.
const (
	ResetCoupling  = "coupling"
	ResetFamilies  = "families"
	ResetEvolution = "evolution"
	ResetJournal   = "journal"
	ResetAll       = "all"
)

// Option customises Open.
type Option func(*openOptions)

type openOptions struct {
	generator    emission.Generator
	generatorSet bool
	ensemble     *extractor.Ensemble
	now          func() time.Time
}

// WithGenerator replaces the configured LLM client. A nil generator
// disables external generation even when the config enables it.
func WithGenerator(g emission.Generator) Option {
	return func(o *openOptions) {
		o.generator = g
		o.generatorSet = true
	}
}

// WithEnsemble replaces the built-in extractor ensemble.
func WithEnsemble(e *extractor.Ensemble) Option {
	return func(o *openOptions) { o.ensemble = e }
}

// WithClock overrides time.Now for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *openOptions) { o.now = now }
}

// Organism is the single owner of the coupling matrix, the family set and
// the threshold evolver. Methods are serialised by an internal lock; in
// server mode a concurrency.Worker additionally queues callers.
type Organism struct {
	mu sync.Mutex

	cfg        *core.Config
	ensemble   *extractor.Ensemble
	loop       *convergence.Loop
	updater    *coupling.Updater
	dispatcher *emission.Dispatcher
	weaning    emission.Weaning
	store      *persistence.Store
	journal    *journal.Journal
	now        func() time.Time

	matrix   *coupling.Matrix
	families *family.Set
	evolver  *regime.Evolver
	turns    uint64

	sinceConsolidate int
	batching         bool
	recovered        []string
	closed           bool
}

// Open validates the config and loads persisted state. Missing files start
// fresh; a corrupt file is quarantined and only that structure is
// reinitialised.
func Open(cfg *core.Config, opts ...Option) (*Organism, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := core.SetMaxTurnBytes(cfg.Extractors.MaxTurnBytes); err != nil {
		return nil, err
	}

	o := openOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	ens := o.ensemble
	if ens == nil {
		var err error
		if ens, err = extractor.Build(cfg.Extractors); err != nil {
			return nil, fmt.Errorf("build extractors: %w", err)
		}
	}

	store, err := persistence.NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	org := &Organism{
		cfg:      cfg,
		ensemble: ens,
		loop:     convergence.NewLoop(cfg.Convergence, nexus.NewDetector(cfg.Nexus.IntersectionThreshold)),
		updater:  coupling.NewUpdater(cfg.Coupling),
		weaning:  emission.WeaningFromConfig(cfg.Emission),
		store:    store,
		now:      o.now,
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.JournalPath(), cfg.Journal.PatternsPerFamily)
		if err != nil {
			return nil, err
		}
		org.journal = j
	}

	gen := o.generator
	if !o.generatorSet && cfg.LLM.Enabled {
		gen = llm.New(cfg.LLM)
	}
	dopts := []emission.Option{emission.WithMaxTokens(cfg.LLM.MaxTokens)}
	if gen != nil {
		dopts = append(dopts,
			emission.WithGenerator(gen, cfg.LLM.Timeout),
			emission.WithRateLimit(cfg.LLM.RateLimitRPS, cfg.LLM.RateLimitBurst))
	}
	if org.journal != nil {
		dopts = append(dopts, emission.WithMemory(org.journal))
	}
	org.dispatcher = emission.NewDispatcher(cfg.Emission, dopts...)

	org.loadCoupling()
	org.loadFamilies()
	org.loadEvolution()

	slog.Info("organism opened",
		"extractors", len(org.matrix.IDs),
		"families", org.families.Len(),
		"turns", org.turns,
		"threshold", org.evolver.Threshold(),
		"llm", org.dispatcher.LLMAvailable(),
		"journal", org.journal != nil,
	)
	return org, nil
}

func (org *Organism) loadCoupling() {
	ids := org.ensemble.IDs()
	eta := org.cfg.Coupling.LearningRate

	m, err := org.store.LoadCoupling()
	switch {
	case err == nil:
		if !m.Matches(ids) {
			slog.Info("extractor set changed, migrating coupling matrix", "from", m.IDs, "to", ids)
			m = m.Migrate(ids)
		}
		m.LearningRate = eta
		org.matrix = m
		return
	case errors.Is(err, core.ErrStateNotFound):
	default:
		org.quarantine(persistence.KindCoupling, err)
	}
	org.matrix = coupling.NewIdentity(ids, eta)
}

func (org *Organism) loadFamilies() {
	dim := org.ensemble.SignatureDim()

	snap, err := org.store.LoadFamilies()
	if err == nil {
		set, rerr := family.Restore(org.cfg.Family, dim, snap)
		if rerr == nil {
			org.families = set
			return
		}
		err = rerr
	}
	if !errors.Is(err, core.ErrStateNotFound) {
		org.quarantine(persistence.KindFamilies, err)
	}
	org.families = family.NewSet(org.cfg.Family, dim)
}

func (org *Organism) loadEvolution() {
	ev, err := org.store.LoadEvolution()
	if err == nil {
		evolver, rerr := regime.RestoreEvolver(org.cfg.Regime, ev.Regime)
		if rerr == nil {
			org.evolver = evolver
			org.turns = ev.Turns
			return
		}
		err = rerr
	}
	if !errors.Is(err, core.ErrStateNotFound) {
		org.quarantine(persistence.KindEvolution, err)
	}
	org.evolver = regime.NewEvolver(org.cfg.Regime)
	org.turns = 0
}

func (org *Organism) quarantine(kind persistence.Kind, cause error) {
	moved, err := org.store.Quarantine(kind)
	if err != nil {
		slog.Error("failed to quarantine corrupt state", "structure", kind, "error", err)
	}
	slog.Warn("persisted state unusable, reinitialising", "structure", kind, "error", cause, "quarantined", moved)
	org.recovered = append(org.recovered, kind.String())
}

// Save writes all three structures.
func (org *Organism) Save() error {
	org.mu.Lock()
	defer org.mu.Unlock()
	return org.saveLocked()
}

func (org *Organism) saveLocked() error {
	var errs []error
	if err := org.store.SaveCoupling(org.matrix); err != nil {
		errs = append(errs, err)
	}
	if err := org.store.SaveFamilies(org.families.Snapshot()); err != nil {
		errs = append(errs, err)
	}
	if err := org.store.SaveEvolution(persistence.Evolution{Regime: org.evolver.State(), Turns: org.turns}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close saves state and releases the journal. Close is idempotent.
func (org *Organism) Close() error {
	org.mu.Lock()
	defer org.mu.Unlock()
	if org.closed {
		return nil
	}
	org.closed = true

	err := org.saveLocked()
	if org.journal != nil {
		err = errors.Join(err, org.journal.Close())
	}
	return err
}

// Reset reinitialises the named structures and removes their files.
func (org *Organism) Reset(ctx context.Context, what ...string) error {
	org.mu.Lock()
	defer org.mu.Unlock()

	if len(what) == 0 {
		what = []string{ResetAll}
	}
	scope := make(map[string]bool, len(what))
	for _, w := range what {
		switch w {
		case ResetCoupling, ResetFamilies, ResetEvolution, ResetJournal:
			scope[w] = true
		case ResetAll:
			for _, k := range []string{ResetCoupling, ResetFamilies, ResetEvolution, ResetJournal} {
				scope[k] = true
			}
		default:
			return fmt.Errorf("unknown reset scope %q", w)
		}
	}

	var errs []error
	if scope[ResetCoupling] {
		org.matrix = coupling.NewIdentity(org.ensemble.IDs(), org.cfg.Coupling.LearningRate)
		errs = append(errs, org.store.Remove(persistence.KindCoupling))
	}
	if scope[ResetFamilies] {
		org.families = family.NewSet(org.cfg.Family, org.ensemble.SignatureDim())
		org.sinceConsolidate = 0
		errs = append(errs, org.store.Remove(persistence.KindFamilies))
	}
	if scope[ResetEvolution] {
		org.evolver = regime.NewEvolver(org.cfg.Regime)
		org.turns = 0
		errs = append(errs, org.store.Remove(persistence.KindEvolution))
	}
	if scope[ResetJournal] && org.journal != nil {
		errs = append(errs, org.journal.Reset(ctx))
	}
	org.ensemble.Purge()
	slog.Info("organism reset", "scope", what)
	return errors.Join(errs...)
}
