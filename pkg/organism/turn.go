package organism

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/denizumutdereli/kairos/pkg/convergence"
	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/emission"
	"github.com/denizumutdereli/kairos/pkg/extractor"
	"github.com/denizumutdereli/kairos/pkg/family"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("organism is closed")

// ProcessTurn runs one turn end to end: extract, converge, learn coupling,
// assign a family, emit, evolve the threshold, memorise, journal and (unless
// training) save. Only invalid input and a cancelled context fail a turn.
func (org *Organism) ProcessTurn(ctx context.Context, turn core.TurnContext) (core.TurnResult, error) {
	if err := core.ValidateTurnText(turn.Text); err != nil {
		return core.TurnResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.TurnResult{}, err
	}

	org.mu.Lock()
	defer org.mu.Unlock()
	if org.closed {
		return core.TurnResult{}, ErrClosed
	}

	res, err := org.processLocked(ctx, turn)
	if err != nil {
		return res, err
	}
	if org.cfg.Storage.AutoSave && !org.batching {
		if err := org.saveLocked(); err != nil {
			slog.Error("autosave failed", "turn", res.TurnID, "error", err)
		}
	}
	return res, nil
}

func (org *Organism) processLocked(ctx context.Context, turn core.TurnContext) (core.TurnResult, error) {
	start := time.Now()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.ReceivedAt.IsZero() {
		turn.ReceivedAt = org.now()
	}

	acts, degraded := org.ensemble.Run(ctx, turn)
	sig := extractor.Signature(acts)

	in := convergence.Input{Activations: acts, Matrix: org.matrix}
	if m, ok := org.families.Nearest(sig); ok && m.Similarity >= org.cfg.Family.SimilarityThreshold && m.HasTarget {
		in.Target, in.HasTarget = m.V0Target, true
	}
	conv := org.loop.Run(in)

	if _, err := org.updater.Update(org.matrix, conv.Coherence, conv.Satisfaction, conv.State); err != nil {
		slog.Error("coupling update skipped", "turn", turn.ID, "error", err)
	}

	assign, err := org.families.Assign(sig, conv.Satisfaction, conv.Energy)
	if err != nil {
		return core.TurnResult{}, fmt.Errorf("assign family: %w", err)
	}
	if assign.Evicted != nil {
		org.mergeJournal(ctx, []family.Merge{*assign.Evicted})
	}
	if assign.Blank {
		slog.Debug("blank signature, no family assigned", "turn", turn.ID, "degraded", len(degraded))
	}

	classification := org.evolver.Last()
	threshold := org.evolver.Threshold()
	weight := org.weaning.Weight(org.turns)

	em := org.dispatcher.Emit(ctx, emission.Inputs{
		Text:           turn.Text,
		FamilyID:       assign.FamilyID,
		Regime:         classification.Regime,
		Nexuses:        conv.Nexuses,
		NexusCount:     len(conv.Nexuses),
		Confidence:     conv.Confidence,
		Threshold:      threshold,
		LLMAvailable:   org.dispatcher.LLMAvailable(),
		ExternalWeight: weight,
	})

	step := org.evolver.Step(conv.Satisfaction, org.families.SatisfactionWindow(assign.FamilyID))
	org.turns++

	if org.journal != nil && !assign.Blank && em.Strategy != core.StrategyFallback && conv.Satisfaction >= org.cfg.Family.QualityGate {
		if err := org.journal.Learn(ctx, assign.FamilyID, em.Text, conv.Satisfaction); err != nil {
			slog.Warn("pattern not learned", "family", assign.FamilyID, "error", err)
		}
	}

	familyID := assign.FamilyID
	org.sinceConsolidate++
	if org.cfg.Family.ConsolidateEvery > 0 && org.sinceConsolidate >= org.cfg.Family.ConsolidateEvery {
		familyID = followMerges(familyID, org.consolidateLocked(ctx))
	}

	res := core.TurnResult{
		TurnID:           turn.ID,
		EmittedText:      em.Text,
		Confidence:       em.Confidence,
		Strategy:         em.Strategy,
		NexusCount:       len(conv.Nexuses),
		CyclesToConverge: conv.Cycles,
		AssignedFamilyID: familyID,
		KairosDetected:   conv.Kairos,
		State:            conv.State,
		Energy:           conv.Energy,
		Satisfaction:     conv.Satisfaction,
		FamilyCreated:    assign.Created,
		FamilySimilarity: assign.Similarity,
		BlankSignature:   assign.Blank,
		Regime:           step.Regime,
		Threshold:        step.Threshold,
		ExternalWeight:   weight,
		Degraded:         degraded,
		FallbackReason:   em.Reason,
		Duration:         time.Since(start),
		At:               turn.ReceivedAt,
	}

	if org.journal != nil {
		if err := org.journal.Record(ctx, turn, res); err != nil {
			slog.Warn("turn not journaled", "turn", turn.ID, "error", err)
		}
	}

	slog.Debug("turn processed",
		"turn", res.TurnID,
		"strategy", res.Strategy,
		"cycles", res.CyclesToConverge,
		"kairos", res.KairosDetected,
		"nexuses", res.NexusCount,
		"family", res.AssignedFamilyID,
		"satisfaction", res.Satisfaction,
		"threshold", res.Threshold,
	)
	return res, nil
}

// Consolidate merges near-duplicate families now.
func (org *Organism) Consolidate(ctx context.Context) []family.Merge {
	org.mu.Lock()
	defer org.mu.Unlock()
	return org.consolidateLocked(ctx)
}

func (org *Organism) consolidateLocked(ctx context.Context) []family.Merge {
	org.sinceConsolidate = 0
	merges := org.families.Consolidate()
	if len(merges) > 0 {
		slog.Info("families consolidated", "merges", len(merges), "families", org.families.Len())
		org.mergeJournal(ctx, merges)
	}
	return merges
}

func (org *Organism) mergeJournal(ctx context.Context, merges []family.Merge) {
	if org.journal == nil {
		return
	}
	for _, m := range merges {
		if err := org.journal.MergeFamilies(ctx, m.Kept, m.Absorbed); err != nil {
			slog.Warn("journal merge failed", "kept", m.Kept, "absorbed", m.Absorbed, "error", err)
		}
	}
}

// followMerges resolves id through a chain of merges.
func followMerges(id core.FamilyID, merges []family.Merge) core.FamilyID {
	for _, m := range merges {
		if m.Absorbed == id {
			id = m.Kept
		}
	}
	return id
}

// TrainReport summarises a Train call.
type TrainReport struct {
	Epochs           int           `json:"epochs"`
	Turns            int           `json:"turns"`
	Converged        int           `json:"converged"`
	MeanSatisfaction float64       `json:"meanSatisfaction"`
	MeanConfidence   float64       `json:"meanConfidence"`
	Families         int           `json:"families"`
	Threshold        float64       `json:"threshold"`
	Duration         time.Duration `json:"durationNs"`
}

// Train replays turns for the given number of epochs, saving once per
// epoch instead of per turn. Invalid turns are skipped and logged.
func (org *Organism) Train(ctx context.Context, turns []core.TurnContext, epochs int) (TrainReport, error) {
	if epochs < 1 {
		epochs = 1
	}
	start := time.Now()

	org.mu.Lock()
	defer org.mu.Unlock()
	if org.closed {
		return TrainReport{}, ErrClosed
	}
	org.batching = true
	defer func() { org.batching = false }()

	var rep TrainReport
	var satSum, confSum float64
	for epoch := 0; epoch < epochs; epoch++ {
		for i, turn := range turns {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if err := core.ValidateTurnText(turn.Text); err != nil {
				slog.Warn("training turn skipped", "epoch", epoch+1, "index", i, "error", err)
				continue
			}
			turn.ID = ""
			res, err := org.processLocked(ctx, turn)
			if err != nil {
				return rep, err
			}
			rep.Turns++
			if res.KairosDetected {
				rep.Converged++
			}
			satSum += res.Satisfaction
			confSum += res.Confidence
		}
		rep.Epochs++
		if err := org.saveLocked(); err != nil {
			return rep, fmt.Errorf("save after epoch %d: %w", epoch+1, err)
		}
		slog.Info("training epoch complete", "epoch", epoch+1, "turns", rep.Turns, "families", org.families.Len())
	}

	if rep.Turns > 0 {
		rep.MeanSatisfaction = satSum / float64(rep.Turns)
		rep.MeanConfidence = confSum / float64(rep.Turns)
	}
	rep.Families = org.families.Len()
	rep.Threshold = org.evolver.Threshold()
	rep.Duration = time.Since(start)
	return rep, nil
}
