// Package quality scores generated content and decides whether it is
// persisted, flagged for review, or discarded. Scoring delegates to the
// generation collaborator; when that fails the gate degrades to a neutral
// assessment rather than blocking the pipeline.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/inkstone-app/inkstone/internal/generation"
	"github.com/inkstone-app/inkstone/internal/model"
)

// fallbackScore is used for any criterion the collaborator's reply does not
// cover, and for the whole assessment when the collaborator is unreachable.
const fallbackScore = 50

// criterion is one weighted scoring dimension for a content category.
type criterion struct {
	name   string
	weight float64
	hint   string
}

var criteriaByType = map[model.ContentType][]criterion{
	model.ContentChapter: {
		{"prose", 0.30, "quality of the prose line by line"},
		{"pacing", 0.25, "momentum and tension across the chapter"},
		{"voice", 0.25, "consistency and distinctiveness of narrative voice"},
		{"hook", 0.20, "how strongly the chapter pulls the reader onward"},
	},
	model.ContentScene: {
		{"immersion", 0.35, "how vividly the setting and action land"},
		{"dialogue", 0.30, "naturalness and purpose of any dialogue"},
		{"focus", 0.35, "whether the scene stays on one clear beat"},
	},
	model.ContentCharacter: {
		{"depth", 0.40, "interiority and believable motivation"},
		{"distinctiveness", 0.35, "how much the character stands apart"},
		{"usability", 0.25, "how readily the character slots into a story"},
	},
	model.ContentWorldNote: {
		{"originality", 0.35, "freshness of the worldbuilding idea"},
		{"coherence", 0.40, "internal consistency of the detail"},
		{"evocativeness", 0.25, "how much story the note suggests"},
	},
	model.ContentOutline: {
		{"structure", 0.40, "shape of the arc across the beats"},
		{"escalation", 0.30, "whether stakes rise beat over beat"},
		{"premise", 0.30, "strength of the central idea"},
	},
}

// genericCriteria covers categories without a dedicated table.
var genericCriteria = []criterion{
	{"craft", 0.50, "overall writing craft"},
	{"coherence", 0.50, "internal consistency"},
}

// Gate assesses content quality through the generation collaborator.
type Gate struct {
	client generation.Client
	model  string
	logger *slog.Logger
}

func NewGate(client generation.Client, assessModel string, logger *slog.Logger) *Gate {
	return &Gate{client: client, model: assessModel, logger: logger}
}

// Assess scores c against the weighted criteria for its category. It issues
// exactly one collaborator request. Any failure, from transport errors to an
// unparseable reply, produces a degraded neutral assessment and never an error.
func (g *Gate) Assess(ctx context.Context, c *model.Content) model.QualityAssessment {
	crits := criteriaByType[c.Type]
	if len(crits) == 0 {
		crits = genericCriteria
	}

	res, err := g.client.Complete(ctx, g.prompt(c, crits), generation.Options{
		Model:       g.model,
		Temperature: 0.1,
		MaxTokens:   300,
	})
	if err != nil {
		g.logger.Warn("quality: assessment degraded", "content_id", c.ID, "type", c.Type, "error", err)
		return degraded(fmt.Sprintf("collaborator unavailable: %v", err))
	}

	scores, reasoning := parseScores(res.Text)
	return score(crits, scores, reasoning)
}

// prompt builds the single assessment request. The reply format is a line per
// criterion, "name: score", followed by an optional free-form reasoning line.
func (g *Gate) prompt(c *model.Content, crits []criterion) []generation.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Score this %s for a fiction project. For each criterion reply with one line in the form \"name: score\" where score is an integer 0-100. After the scores, add one line starting with \"reasoning:\".\n\nCriteria:\n", c.Type)
	for _, cr := range crits {
		fmt.Fprintf(&b, "- %s: %s\n", cr.name, cr.hint)
	}
	fmt.Fprintf(&b, "\nTitle: %s\n\n", c.Title)
	if raw, err := model.EncodeDetail(c.Detail); err == nil {
		b.Write(raw)
	}
	return []generation.Message{
		{Role: "system", Content: "You are a strict fiction editor. Reply only with the requested score lines."},
		{Role: "user", Content: b.String()},
	}
}

// parseScores extracts "name: score" lines and the reasoning line from a reply.
// Lines that do not match are ignored.
func parseScores(text string) (map[string]int, string) {
	scores := make(map[string]int)
	var reasoning string
	for line := range strings.Lines(text) {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.Trim(name, "-* \t"))
		rest = strings.TrimSpace(strings.TrimSuffix(rest, "\n"))
		if name == "reasoning" {
			reasoning = rest
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(fields[0], "/100"))
		if err != nil {
			continue
		}
		scores[name] = min(max(n, 0), 100)
	}
	return scores, reasoning
}

// score folds per-criterion results into the weighted overall assessment.
// Criteria the reply missed score the neutral fallback.
func score(crits []criterion, scores map[string]int, reasoning string) model.QualityAssessment {
	var (
		out         = make([]model.CriterionScore, 0, len(crits))
		sum, weight float64
	)
	for _, cr := range crits {
		s, ok := scores[cr.name]
		details := ""
		if !ok {
			s = fallbackScore
			details = "not scored by collaborator"
		}
		out = append(out, model.CriterionScore{Name: cr.name, Score: s, Weight: cr.weight, Details: details})
		sum += float64(s) * cr.weight
		weight += cr.weight
	}
	overall := sum / weight
	return model.QualityAssessment{
		OverallScore:   overall,
		Criteria:       out,
		Recommendation: model.RecommendationFor(overall),
		Reasoning:      reasoning,
	}
}

// degraded is the neutral assessment returned when scoring cannot run.
func degraded(reason string) model.QualityAssessment {
	return model.QualityAssessment{
		OverallScore: fallbackScore,
		Criteria: []model.CriterionScore{
			{Name: "degraded", Score: fallbackScore, Weight: 1, Details: reason},
		},
		Recommendation: model.RecommendReview,
		Reasoning:      reason,
		Degraded:       true,
	}
}
