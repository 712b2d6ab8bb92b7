// Package relevance ranks a mode's tool catalog against a context snapshot.
// Scoring is a pure accumulation of independent additive contributions; all
// weights live in a Weights table so tuning never touches the algorithm.
package relevance

import (
	"sort"
	"strings"
	"time"

	"github.com/balhaddad-sys/medward/internal/domain/mode"
)

// Context is the ephemeral snapshot a scoring call runs against. It is built
// per call from the currently subscribed data plus the active mode, and never
// persisted.
type Context struct {
	Mode               mode.Mode
	SelectedPatientID  string
	SuspectedDiagnosis string
	CriticalLabs       []string
	PatientConditions  []string
	NowMillis          int64

	// ToolUsage maps tool id to last-used epoch millis, sourced from the
	// session store's usage map.
	ToolUsage map[string]int64
}

// Weights holds every tunable contribution.
type Weights struct {
	Severity map[mode.Severity]float64

	TimeCritical           float64
	TimeCriticalAcuteBoost float64 // multiplier applied in the highest-acuity mode

	PatientSelected       float64
	PatientMissingPenalty float64 // subtracted; can push a raw score negative

	DiagnosisMatch float64
	PerCriticalLab float64
	PerTagMatch    float64

	Recency       float64
	RecencyWindow time.Duration

	TimeOfDay    float64
	ModeAffinity float64
}

// DefaultWeights returns the shipped tuning.
func DefaultWeights() Weights {
	return Weights{
		Severity: map[mode.Severity]float64{
			mode.SeverityCritical: 50,
			mode.SeverityUrgent:   30,
			mode.SeverityStandard: 10,
		},
		TimeCritical:           25,
		TimeCriticalAcuteBoost: 2,
		PatientSelected:        15,
		PatientMissingPenalty:  40,
		DiagnosisMatch:         30,
		PerCriticalLab:         10,
		PerTagMatch:            8,
		Recency:                12,
		RecencyWindow:          5 * time.Minute,
		TimeOfDay:              10,
		ModeAffinity:           20,
	}
}

// dayPart buckets the hour of day into clinical workflow phases.
type dayPart string

const (
	partMorning   dayPart = "morning"   // 06-11: rounds, assessments
	partAfternoon dayPart = "afternoon" // 12-17: reviews, jobs
	partEvening   dayPart = "evening"   // 18-22: handover, documentation
	partNight     dayPart = "night"     // 23-05: acute take, on-call
)

// workflowTags maps each day part to the tag categories that receive the
// time-of-day bonus in that bucket. This models real ward rhythm: rounds in
// the morning, handover documentation in the evening.
var workflowTags = map[dayPart][]string{
	partMorning:   {"rounds", "assessment"},
	partAfternoon: {"review", "tasks"},
	partEvening:   {"handover", "documentation"},
	partNight:     {"acute", "oncall"},
}

func partOfDay(hour int) dayPart {
	switch {
	case hour >= 6 && hour <= 11:
		return partMorning
	case hour >= 12 && hour <= 17:
		return partAfternoon
	case hour >= 18 && hour <= 22:
		return partEvening
	default:
		return partNight
	}
}

// Score computes the relevance of one tool in one context. The result is
// clamped at zero.
func Score(tool mode.Tool, ctx Context, w Weights) float64 {
	score := w.Severity[tool.Severity]

	if tool.TimeCritical {
		bonus := w.TimeCritical
		if ctx.Mode == mode.HighestAcuity {
			bonus *= w.TimeCriticalAcuteBoost
		}
		score += bonus
	}

	if tool.RequiresPatient {
		if ctx.SelectedPatientID != "" {
			score += w.PatientSelected
		} else {
			score -= w.PatientMissingPenalty
		}
	}

	if diagnosisMatches(ctx.SuspectedDiagnosis, tool.AppliesTo) {
		score += w.DiagnosisMatch
	}

	score += float64(overlap(ctx.CriticalLabs, tool.RequiresLabs)) * w.PerCriticalLab
	score += float64(overlap(ctx.PatientConditions, tool.Tags)) * w.PerTagMatch

	if lastUsed, ok := ctx.ToolUsage[tool.ID]; ok {
		if ctx.NowMillis-lastUsed >= 0 && ctx.NowMillis-lastUsed <= w.RecencyWindow.Milliseconds() {
			score += w.Recency
		}
	}

	hour := time.UnixMilli(ctx.NowMillis).Hour()
	for _, tag := range workflowTags[partOfDay(hour)] {
		if hasTag(tool.Tags, tag) {
			score += w.TimeOfDay
			break
		}
	}

	if tool.Mode == ctx.Mode {
		score += w.ModeAffinity
	}

	if score < 0 {
		return 0
	}
	return score
}

// SortTools returns the catalog sorted by descending score. The sort is
// stable: equal scores keep catalog order, so output is deterministic.
func SortTools(tools []mode.Tool, ctx Context, w Weights) []mode.Tool {
	out := make([]mode.Tool, len(tools))
	copy(out, tools)

	scores := make(map[string]float64, len(out))
	for _, t := range out {
		scores[t.ID] = Score(t, ctx, w)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].ID] > scores[out[j].ID]
	})
	return out
}

// diagnosisMatches checks the suspected diagnosis against each condition the
// tool applies to, case-insensitively and in both directions, so "Sepsis"
// matches "neutropenic sepsis" and vice versa.
func diagnosisMatches(diagnosis string, appliesTo []string) bool {
	d := strings.ToLower(strings.TrimSpace(diagnosis))
	if d == "" {
		return false
	}
	for _, condition := range appliesTo {
		c := strings.ToLower(condition)
		if strings.Contains(d, c) || strings.Contains(c, d) {
			return true
		}
	}
	return false
}

func overlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[strings.ToLower(s)] = struct{}{}
	}
	n := 0
	for _, s := range b {
		if _, ok := set[strings.ToLower(s)]; ok {
			n++
		}
	}
	return n
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
