package emission

import (
	"hash/fnv"
	"sort"
	"strings"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/nexus"
)

// DefaultPhraseBank maps nexus features to candidate phrases.
var DefaultPhraseBank = map[string][]string{
	core.FeatureAffect: {
		"That carries real feeling.",
		"I can hear how much this matters to you.",
		"There is a lot of emotion in that.",
	},
	core.FeatureInquiry: {
		"That's a good question to sit with.",
		"Let's look at that question together.",
		"You're asking something important.",
	},
	core.FeatureSelf: {
		"You're telling me about yourself.",
		"This sounds personal.",
		"I'm listening to what this means for you.",
	},
	core.FeatureOther: {
		"Someone else is part of this.",
		"It sounds like this involves other people.",
		"The people around you matter here.",
	},
	core.FeatureTime: {
		"Timing seems to matter here.",
		"This sounds like it has been with you for a while.",
		"There's a sense of when in what you said.",
	},
	core.FeatureIntensity: {
		"That sounds intense.",
		"This feels urgent.",
		"There's a lot of force behind that.",
	},
	core.FeatureNovelty: {
		"That's new ground.",
		"I haven't heard it put that way before.",
		"This is a different direction.",
	},
	core.FeatureComplexity: {
		"There's a lot woven into that.",
		"That has several layers.",
		"Let's take that one piece at a time.",
	},
}

// Composer builds direct-strategy text from the strongest nexus features.
type Composer struct {
	bank     map[string][]string
	maxParts int
}

// NewComposer merges the configured bank over the defaults; a feature
// present in bank replaces the default phrases for that feature.
func NewComposer(bank map[string][]string) *Composer {
	merged := make(map[string][]string, len(DefaultPhraseBank)+len(bank))
	for k, v := range DefaultPhraseBank {
		merged[k] = v
	}
	for k, v := range bank {
		if len(v) > 0 {
			merged[k] = v
		}
	}
	return &Composer{bank: merged, maxParts: 2}
}

// Compose returns "" when no nexus feature has phrases.
func (c *Composer) Compose(text string, nexuses []nexus.Nexus) string {
	ranked := make([]nexus.Nexus, len(nexuses))
	copy(ranked, nexuses)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Strength != ranked[j].Strength {
			return ranked[i].Strength > ranked[j].Strength
		}
		return ranked[i].Activation > ranked[j].Activation
	})

	parts := make([]string, 0, c.maxParts)
	for _, n := range ranked {
		if len(parts) == c.maxParts {
			break
		}
		phrases := c.bank[n.Feature]
		if len(phrases) == 0 {
			continue
		}
		parts = append(parts, phrases[pick(text, n.Feature, len(phrases))])
	}
	return strings.Join(parts, " ")
}

// pick is deterministic for a given turn text and feature.
func pick(text, feature string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(feature))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return int(h.Sum32() % uint32(n))
}
