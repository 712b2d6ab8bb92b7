package mode

import "fmt"

// Severity classifies how urgent a clinical tool is by nature.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityUrgent   Severity = "urgent"
	SeverityStandard Severity = "standard"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityUrgent, SeverityStandard:
		return true
	}
	return false
}

// Tool is a static descriptor for a selectable clinical action or protocol.
// Catalog entries are reference data; the scorer never mutates them.
type Tool struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Mode         Mode     `json:"mode"`
	Severity     Severity `json:"severity"`
	AppliesTo    []string `json:"applies_to"`
	RequiresLabs []string `json:"requires_labs"`
	Tags         []string `json:"tags"`
	TimeCritical bool     `json:"time_critical"`

	// RequiresPatient marks tools that are meaningless without a selected
	// patient; scoring penalises them heavily when none is selected.
	RequiresPatient bool `json:"requires_patient"`
}

// DefaultToolCatalog returns the shipped tool catalog. Order matters: ties in
// scoring preserve catalog order.
func DefaultToolCatalog() []Tool {
	return []Tool{
		{
			ID: "sepsis-six", Label: "Sepsis Six Bundle", Mode: Acute,
			Severity: SeverityCritical, TimeCritical: true, RequiresPatient: true,
			AppliesTo:    []string{"sepsis", "septic shock", "neutropenic sepsis"},
			RequiresLabs: []string{"lactate", "wcc", "crp"},
			Tags:         []string{"acute", "protocol", "oncall"},
		},
		{
			ID: "acs-pathway", Label: "ACS Pathway", Mode: Acute,
			Severity: SeverityCritical, TimeCritical: true, RequiresPatient: true,
			AppliesTo:    []string{"acs", "myocardial infarction", "chest pain"},
			RequiresLabs: []string{"troponin"},
			Tags:         []string{"acute", "protocol", "cardiology"},
		},
		{
			ID: "dka-protocol", Label: "DKA Protocol", Mode: Acute,
			Severity: SeverityUrgent, TimeCritical: true, RequiresPatient: true,
			AppliesTo:    []string{"dka", "diabetic ketoacidosis"},
			RequiresLabs: []string{"glucose", "ketones", "ph"},
			Tags:         []string{"acute", "protocol", "endocrine"},
		},
		{
			ID: "ward-round-note", Label: "Ward Round Note", Mode: Ward,
			Severity: SeverityStandard, RequiresPatient: true,
			Tags: []string{"rounds", "documentation", "assessment"},
		},
		{
			ID: "task-list", Label: "Job List", Mode: Ward,
			Severity: SeverityStandard,
			Tags:     []string{"rounds", "tasks"},
		},
		{
			ID: "fluid-review", Label: "Fluid Balance Review", Mode: Ward,
			Severity: SeverityUrgent, RequiresPatient: true,
			AppliesTo:    []string{"aki", "heart failure", "dehydration"},
			RequiresLabs: []string{"creatinine", "urea", "sodium"},
			Tags:         []string{"review", "renal"},
		},
		{
			ID: "handover-sheet", Label: "Handover Sheet", Mode: Ward,
			Severity: SeverityStandard,
			Tags:     []string{"handover", "documentation"},
		},
		{
			ID: "clinic-letter", Label: "Clinic Letter", Mode: Clinic,
			Severity: SeverityStandard, RequiresPatient: true,
			Tags: []string{"documentation", "clinic"},
		},
		{
			ID: "lab-trend-review", Label: "Lab Trend Review", Mode: Clinic,
			Severity: SeverityStandard, RequiresPatient: true,
			AppliesTo: []string{"ckd", "anaemia", "thyroid"},
			Tags:      []string{"review", "clinic"},
		},
	}
}

// ValidateCatalog checks a tool catalog against the registry. Fails fast on
// unknown modes or severities.
func ValidateCatalog(tools []Tool, r *Registry) error {
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		if t.ID == "" {
			return fmt.Errorf("tool with empty id (label %q)", t.Label)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate tool id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if _, ok := r.Config(t.Mode); !ok {
			return fmt.Errorf("tool %q references unknown mode %q", t.ID, t.Mode)
		}
		if !t.Severity.IsValid() {
			return fmt.Errorf("tool %q has unknown severity %q", t.ID, t.Severity)
		}
	}
	return nil
}
