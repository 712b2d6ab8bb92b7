// Package mode defines the closed set of clinical modes and their static
// configuration. All tables here are built once at startup and never mutated;
// a table entry referencing an unknown mode is a configuration error and is
// reported loudly by Validate rather than surfacing at transition time.
package mode

import (
	"fmt"
	"time"
)

// Mode identifies a clinical operating context.
type Mode string

const (
	Ward   Mode = "ward"
	Acute  Mode = "acute"
	Clinic Mode = "clinic"
)

// All lists every known mode in catalog order.
var All = []Mode{Ward, Acute, Clinic}

// IsValid reports whether m is a member of the closed enumeration.
func (m Mode) IsValid() bool {
	switch m {
	case Ward, Acute, Clinic:
		return true
	}
	return false
}

// HighestAcuity is the mode whose entry triggers escalation notifications and
// amplified time-critical scoring.
const HighestAcuity = Acute

// ThemeID identifies a UI theme applied when a mode becomes active.
type ThemeID string

const (
	ThemeStandard ThemeID = "standard"
	ThemeCritical ThemeID = "critical"
	ThemeAmbient  ThemeID = "ambulatory"
)

// FeatureFlags declares which optional surfaces a mode enables.
type FeatureFlags struct {
	VitalsPanel    bool `json:"vitals_panel"`
	LabHistory     bool `json:"lab_history"`
	TaskBoard      bool `json:"task_board"`
	HandoverNotes  bool `json:"handover_notes"`
	QuickProtocols bool `json:"quick_protocols"`
}

// Config is the per-mode declarative record.
type Config struct {
	ID          Mode
	Label       string
	RefreshRate time.Duration // 0 means push-only, no polling
	Features    FeatureFlags
	Theme       ThemeID
}

// Registry is the read-only catalog of modes, their configuration, and the
// legal transition table.
type Registry struct {
	configs     map[Mode]Config
	transitions map[Mode][]Mode
}

// DefaultConfigs returns the shipped mode configuration table.
func DefaultConfigs() []Config {
	return []Config{
		{
			ID:          Ward,
			Label:       "Ward Rounds",
			RefreshRate: 60 * time.Second,
			Features:    FeatureFlags{VitalsPanel: true, TaskBoard: true, HandoverNotes: true},
			Theme:       ThemeStandard,
		},
		{
			ID:          Acute,
			Label:       "Acute Take",
			RefreshRate: 15 * time.Second,
			Features:    FeatureFlags{VitalsPanel: true, LabHistory: true, QuickProtocols: true},
			Theme:       ThemeCritical,
		},
		{
			ID:          Clinic,
			Label:       "Outpatient Clinic",
			RefreshRate: 0,
			Features:    FeatureFlags{LabHistory: true, HandoverNotes: true},
			Theme:       ThemeAmbient,
		},
	}
}

// DefaultTransitions returns a fully connected transition table. Stricter
// deployments supply their own table to NewRegistry.
func DefaultTransitions() map[Mode][]Mode {
	table := make(map[Mode][]Mode, len(All))
	for _, from := range All {
		for _, to := range All {
			if to != from {
				table[from] = append(table[from], to)
			}
		}
	}
	return table
}

// NewRegistry builds and validates a registry. Any reference to an unknown
// mode fails here, at startup, not at transition time.
func NewRegistry(configs []Config, transitions map[Mode][]Mode) (*Registry, error) {
	r := &Registry{
		configs:     make(map[Mode]Config, len(configs)),
		transitions: transitions,
	}

	for _, cfg := range configs {
		if !cfg.ID.IsValid() {
			return nil, fmt.Errorf("mode config references unknown mode %q", cfg.ID)
		}
		if _, dup := r.configs[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate config for mode %q", cfg.ID)
		}
		if cfg.Label == "" {
			return nil, fmt.Errorf("mode %q has empty label", cfg.ID)
		}
		r.configs[cfg.ID] = cfg
	}

	for _, m := range All {
		if _, ok := r.configs[m]; !ok {
			return nil, fmt.Errorf("no config for mode %q", m)
		}
	}

	for from, targets := range transitions {
		if !from.IsValid() {
			return nil, fmt.Errorf("transition table references unknown mode %q", from)
		}
		for _, to := range targets {
			if !to.IsValid() {
				return nil, fmt.Errorf("transition table %q -> unknown mode %q", from, to)
			}
			if to == from {
				return nil, fmt.Errorf("transition table %q lists itself as a target", from)
			}
		}
	}

	return r, nil
}

// MustRegistry is NewRegistry that panics on invalid configuration. Intended
// for the static default tables only.
func MustRegistry(configs []Config, transitions map[Mode][]Mode) *Registry {
	r, err := NewRegistry(configs, transitions)
	if err != nil {
		panic(err)
	}
	return r
}

// Config returns the declarative record for m.
func (r *Registry) Config(m Mode) (Config, bool) {
	cfg, ok := r.configs[m]
	return cfg, ok
}

// CanTransition reports whether the table allows from -> to.
func (r *Registry) CanTransition(from, to Mode) bool {
	for _, t := range r.transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ReachableFrom returns the modes reachable from the given mode, in catalog
// order, for UI affordances.
func (r *Registry) ReachableFrom(from Mode) []Mode {
	var out []Mode
	for _, m := range All {
		if r.CanTransition(from, m) {
			out = append(out, m)
		}
	}
	return out
}
