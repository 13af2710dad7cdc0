package organism

import (
	"context"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/coupling"
	"github.com/denizumutdereli/kairos/pkg/family"
	"github.com/denizumutdereli/kairos/pkg/journal"
	"github.com/denizumutdereli/kairos/pkg/regime"
)

// Stats is a health snapshot.
type Stats struct {
	Turns          uint64                `json:"turns"`
	Extractors     []core.ExtractorID    `json:"extractors"`
	Families       int                   `json:"families"`
	Coupling       coupling.Stats        `json:"coupling"`
	Diversity      family.Diversity      `json:"diversity"`
	Regime         regime.Classification `json:"regime"`
	Threshold      float64               `json:"threshold"`
	ExternalWeight float64               `json:"externalWeight"`
	LLMEnabled     bool                  `json:"llmEnabled"`
	JournalEnabled bool                  `json:"journalEnabled"`
	JournalTurns   int                   `json:"journalTurns,omitempty"`
	Recovered      []string              `json:"recovered,omitempty"`
	Storage        map[string]any        `json:"storage"`
}

// Stats reports saturation, diversity, regime, threshold, weaning weight
// and family count.
func (org *Organism) Stats() Stats {
	org.mu.Lock()
	defer org.mu.Unlock()

	classification, _ := org.evolver.Classify(nil)
	st := Stats{
		Turns:          org.turns,
		Extractors:     org.ensemble.IDs(),
		Families:       org.families.Len(),
		Coupling:       org.matrix.Stats(),
		Diversity:      org.families.Diversity(),
		Regime:         classification,
		Threshold:      org.evolver.Threshold(),
		ExternalWeight: org.weaning.Weight(org.turns),
		LLMEnabled:     org.dispatcher.LLMAvailable(),
		JournalEnabled: org.journal != nil,
		Recovered:      append([]string(nil), org.recovered...),
		Storage:        org.store.Stats(),
	}
	if org.journal != nil {
		if n, err := org.journal.Count(context.Background()); err == nil {
			st.JournalTurns = n
		}
	}
	return st
}

// Families lists families in ordinal order.
func (org *Organism) Families() []family.Family {
	org.mu.Lock()
	defer org.mu.Unlock()
	return org.families.List()
}

// Family returns one family by id.
func (org *Organism) Family(id core.FamilyID) (family.Family, error) {
	org.mu.Lock()
	defer org.mu.Unlock()
	return org.families.Get(id)
}

// Coupling returns a copy of the coupling matrix.
func (org *Organism) Coupling() *coupling.Matrix {
	org.mu.Lock()
	defer org.mu.Unlock()
	return org.matrix.Clone()
}

// Turns is the lifetime turn count driving the weaning schedule.
func (org *Organism) Turns() uint64 {
	org.mu.Lock()
	defer org.mu.Unlock()
	return org.turns
}

// Config returns the configuration the organism was opened with.
func (org *Organism) Config() *core.Config { return org.cfg }

// Journal exposes the journal for export; nil when disabled.
func (org *Organism) Journal() *journal.Journal { return org.journal }
