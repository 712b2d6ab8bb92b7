// Package clinical holds the already-decoded domain objects delivered by the
// external data layer. The engine never fetches or parses these itself; feeds
// hand them over fully formed.
package clinical

import "time"

// Patient is a ward-list entry.
type Patient struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Location   string    `json:"location,omitempty"`
	Diagnosis  string    `json:"diagnosis,omitempty"`
	Conditions []string  `json:"conditions,omitempty"`
	AdmittedAt time.Time `json:"admitted_at,omitempty"`
}

// LabResult is a single analyte value with its abnormality flag.
type LabResult struct {
	Analyte    string    `json:"analyte"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Flag       string    `json:"flag,omitempty"` // "", "high", "low", "critical"
	ResultedAt time.Time `json:"resulted_at"`
}

// LabPanel groups results reported together for one patient.
type LabPanel struct {
	PatientID string      `json:"patient_id"`
	Panel     string      `json:"panel"`
	Results   []LabResult `json:"results"`
}

// CriticalAnalytes extracts the analyte names flagged critical across panels.
func CriticalAnalytes(panels []LabPanel) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range panels {
		for _, r := range p.Results {
			if r.Flag != "critical" {
				continue
			}
			if _, dup := seen[r.Analyte]; dup {
				continue
			}
			seen[r.Analyte] = struct{}{}
			out = append(out, r.Analyte)
		}
	}
	return out
}
