package models

import "sort"

// Hypothesis is a ranked candidate root cause.
type Hypothesis struct {
	Title       string   `json:"title"`
	Probability float64  `json:"probability"`
	Evidence    []string `json:"evidence"`
	Remediation []string `json:"remediation"`
}

// RCAReport summarises root-cause analysis output.
type RCAReport struct {
	Hypotheses      []Hypothesis `json:"hypotheses"`
	BlastRadius     []string     `json:"blastRadius"`
	Runbooks        []Runbook    `json:"runbooks"`
	RecommendedPlan []string     `json:"recommendedPlan"`
	Confidence      float64      `json:"confidence"`
	Narrative       string       `json:"narrative"`
}

// MaxRecommendedPlanSteps caps the recommended remediation plan.
const MaxRecommendedPlanSteps = 5

// SortHypotheses orders hypotheses by probability, highest first. Ties keep
// their original order.
func SortHypotheses(hypotheses []Hypothesis) {
	sort.SliceStable(hypotheses, func(i, j int) bool {
		return hypotheses[i].Probability > hypotheses[j].Probability
	})
}
