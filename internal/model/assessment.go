package model

// Recommendation is the verdict of the quality gate.
type Recommendation string

const (
	RecommendSave    Recommendation = "save"
	RecommendDiscard Recommendation = "discard"
	RecommendReview  Recommendation = "review"
)

// CriterionScore is one scored criterion within an assessment.
type CriterionScore struct {
	Name    string  `json:"name"`
	Score   int     `json:"score"`  // 0-100
	Weight  float64 `json:"weight"` // relative; normalized when averaging
	Details string  `json:"details,omitempty"`
}

// QualityAssessment is the outcome of scoring one generated artifact.
// Computed fresh per operation and never mutated afterward.
type QualityAssessment struct {
	OverallScore   float64          `json:"overall_score"` // 0-100, weight-normalized
	Criteria       []CriterionScore `json:"criteria"`
	Recommendation Recommendation   `json:"recommendation"`
	Reasoning      string           `json:"reasoning,omitempty"`
	Degraded       bool             `json:"degraded,omitempty"` // assessment path failed; neutral fallback
}

// RecommendationFor maps an overall score to a verdict.
// Save at 70 and above, discard below 50, review in between.
func RecommendationFor(overall float64) Recommendation {
	switch {
	case overall >= 70:
		return RecommendSave
	case overall < 50:
		return RecommendDiscard
	default:
		return RecommendReview
	}
}
