package mode

import (
	"testing"
	"time"
)

func TestDefaultRegistryValidates(t *testing.T) {
	r, err := NewRegistry(DefaultConfigs(), DefaultTransitions())
	if err != nil {
		t.Fatalf("default registry invalid: %v", err)
	}

	for _, m := range All {
		cfg, ok := r.Config(m)
		if !ok {
			t.Fatalf("no config for %q", m)
		}
		if cfg.ID != m {
			t.Errorf("config for %q carries id %q", m, cfg.ID)
		}
	}
}

func TestRegistryRejectsUnknownMode(t *testing.T) {
	bad := append(DefaultConfigs(), Config{ID: Mode("theatre"), Label: "Theatre"})
	if _, err := NewRegistry(bad, DefaultTransitions()); err == nil {
		t.Fatal("expected error for unknown mode in config table")
	}

	badTable := DefaultTransitions()
	badTable[Ward] = append(badTable[Ward], Mode("theatre"))
	if _, err := NewRegistry(DefaultConfigs(), badTable); err == nil {
		t.Fatal("expected error for unknown mode in transition table")
	}
}

func TestRegistryRejectsSelfTransition(t *testing.T) {
	table := DefaultTransitions()
	table[Acute] = append(table[Acute], Acute)
	if _, err := NewRegistry(DefaultConfigs(), table); err == nil {
		t.Fatal("expected error for self-transition entry")
	}
}

func TestRegistryRejectsMissingMode(t *testing.T) {
	configs := DefaultConfigs()[:2] // drop clinic
	if _, err := NewRegistry(configs, DefaultTransitions()); err == nil {
		t.Fatal("expected error for missing mode config")
	}
}

func TestReachableFrom(t *testing.T) {
	table := map[Mode][]Mode{
		Ward:   {Acute},
		Acute:  {Ward, Clinic},
		Clinic: {Ward},
	}
	r, err := NewRegistry(DefaultConfigs(), table)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	got := r.ReachableFrom(Acute)
	want := []Mode{Ward, Clinic}
	if len(got) != len(want) {
		t.Fatalf("reachable from acute = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reachable[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if r.CanTransition(Ward, Clinic) {
		t.Error("ward -> clinic should be disallowed by this table")
	}
}

func TestDefaultCatalogValidates(t *testing.T) {
	r := MustRegistry(DefaultConfigs(), DefaultTransitions())
	if err := ValidateCatalog(DefaultToolCatalog(), r); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
}

func TestValidateCatalogFailsFast(t *testing.T) {
	r := MustRegistry(DefaultConfigs(), DefaultTransitions())

	cases := []struct {
		name  string
		tools []Tool
	}{
		{"unknown mode", []Tool{{ID: "x", Mode: Mode("icu"), Severity: SeverityStandard}}},
		{"unknown severity", []Tool{{ID: "x", Mode: Ward, Severity: Severity("mild")}}},
		{"duplicate id", []Tool{
			{ID: "x", Mode: Ward, Severity: SeverityStandard},
			{ID: "x", Mode: Acute, Severity: SeverityUrgent},
		}},
		{"empty id", []Tool{{Mode: Ward, Severity: SeverityStandard}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateCatalog(tc.tools, r); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestClinicIsPushOnly(t *testing.T) {
	r := MustRegistry(DefaultConfigs(), DefaultTransitions())
	cfg, _ := r.Config(Clinic)
	if cfg.RefreshRate != 0 {
		t.Errorf("clinic refresh rate = %v, want 0 (push only)", cfg.RefreshRate)
	}
	acute, _ := r.Config(Acute)
	if acute.RefreshRate <= 0 || acute.RefreshRate >= time.Minute {
		t.Errorf("acute refresh rate = %v, want tight sub-minute cadence", acute.RefreshRate)
	}
}
