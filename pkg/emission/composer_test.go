package emission

import (
	"strings"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/nexus"
)

func TestComposerDeterministic(t *testing.T) {
	c := NewComposer(nil)
	nx := nexusFixture(3)

	a := c.Compose("same turn", nx)
	b := c.Compose("same turn", nx)
	if a == "" || a != b {
		t.Fatalf("compose not deterministic: %q vs %q", a, b)
	}
}

func TestComposerStrongestFirst(t *testing.T) {
	bank := map[string][]string{
		core.FeatureAffect: {"A."},
		core.FeatureSelf:   {"S."},
		core.FeatureTime:   {"T."},
	}
	c := NewComposer(bank)
	nx := []nexus.Nexus{
		{Feature: core.FeatureTime, Strength: 0.1},
		{Feature: core.FeatureAffect, Strength: 0.5},
		{Feature: core.FeatureSelf, Strength: 0.3},
	}
	if got := c.Compose("x", nx); got != "A. S." {
		t.Fatalf("Compose = %q", got)
	}
}

func TestComposerEmpty(t *testing.T) {
	c := NewComposer(nil)
	if got := c.Compose("x", nil); got != "" {
		t.Fatalf("Compose(nil) = %q", got)
	}
	if got := c.Compose("x", []nexus.Nexus{{Feature: "unknown"}}); got != "" {
		t.Fatalf("unknown feature composed %q", got)
	}
}

func TestComposerOverrideKeepsDefaults(t *testing.T) {
	c := NewComposer(map[string][]string{core.FeatureAffect: {"Custom."}, core.FeatureSelf: nil})
	got := c.Compose("x", []nexus.Nexus{{Feature: core.FeatureAffect, Strength: 1}, {Feature: core.FeatureSelf}})
	if !strings.HasPrefix(got, "Custom. ") || len(got) <= len("Custom. ") {
		t.Fatalf("Compose = %q", got)
	}
}
