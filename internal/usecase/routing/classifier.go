package routing

import (
	"regexp"
	"strings"

	"switchboard/internal/domain"
)

// CategoryGeneral is returned when no category scores above zero.
const CategoryGeneral = "general"

// Scoring weights and the score at which confidence saturates.
const (
	patternWeight  = 10
	keywordWeight  = 5
	fullConfidence = 50.0
)

// Classifier turns free text into a scored intent. Implementations must be
// deterministic for a given input.
type Classifier interface {
	Classify(text string) domain.ClassifiedIntent
}

// Category is one row of the classification table.
type Category struct {
	Name     string
	Patterns []*regexp.Regexp
	Keywords []string
}

// DefaultCategories is the built-in table. Order matters: on equal scores the
// earlier category wins.
var DefaultCategories = []Category{
	{
		Name: "engineering",
		Patterns: compile(
			`\b(build|code|implement|develop|refactor|debug|fix|compile)\b`,
			`\b(api|rest|graphql|endpoint|backend|frontend|microservice)s?\b`,
			`\b(typescript|javascript|python|golang|rust|java|sql schema)\b`,
		),
		Keywords: []string{"code", "api", "typescript", "function", "bug", "repository", "unit test"},
	},
	{
		Name: "research",
		Patterns: compile(
			`\b(research|investigate|analy[sz]e|compare|study|survey)\b`,
			`\b(competitors?|trends?|literature|sources)\b`,
		),
		Keywords: []string{"research", "report", "findings", "summary", "market"},
	},
	{
		Name: "marketing",
		Patterns: compile(
			`\b(campaign|marketing|seo|brand|newsletter|social media)\b`,
			`\b(ad copy|slogan|tagline|landing page copy)\b`,
		),
		Keywords: []string{"audience", "launch", "promotion", "engagement"},
	},
	{
		Name: "design",
		Patterns: compile(
			`\b(design|mockup|wireframe|logo|prototype)s?\b`,
			`\b(ui|ux|figma|typography|palette)\b`,
		),
		Keywords: []string{"layout", "color", "visual", "style guide"},
	},
	{
		Name: "data",
		Patterns: compile(
			`\b(dataset|etl|query|queries|dashboard|warehouse)s?\b`,
			`\b(csv|spreadsheet|chart|metrics)\b`,
		),
		Keywords: []string{"data", "analytics", "pipeline", "visualize"},
	},
	{
		Name: "operations",
		Patterns: compile(
			`\b(deploy|deployment|rollout|provision|monitor|incident)s?\b`,
			`\b(docker|kubernetes|terraform|ci/cd|infrastructure)\b`,
		),
		Keywords: []string{"server", "uptime", "scaling", "cluster"},
	},
}

// DefaultCategoryCapabilities maps a classified category to the canonical
// capability id looked up in the registry.
var DefaultCategoryCapabilities = map[string]string{
	"engineering":   "code-generation",
	"research":      "research",
	"marketing":     "content-creation",
	"design":        "ui-design",
	"data":          "data-analysis",
	"operations":    "deployment",
	CategoryGeneral: "general-assistant",
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// PatternClassifier scores text against an ordered category table.
// score = 10 x pattern occurrences + 5 x keywords present.
type PatternClassifier struct {
	categories []Category
}

// NewPatternClassifier creates a classifier over categories. A nil table
// selects DefaultCategories.
func NewPatternClassifier(categories []Category) *PatternClassifier {
	if categories == nil {
		categories = DefaultCategories
	}
	return &PatternClassifier{categories: categories}
}

// Classify implements Classifier.
func (c *PatternClassifier) Classify(text string) domain.ClassifiedIntent {
	lower := strings.ToLower(text)

	best := domain.ClassifiedIntent{Category: CategoryGeneral, Keywords: []string{}}
	bestScore := 0
	for _, cat := range c.categories {
		score, keywords := scoreCategory(cat, lower)
		if score > bestScore {
			bestScore = score
			best = domain.ClassifiedIntent{
				Category:   cat.Name,
				Keywords:   keywords,
				Confidence: min(float64(score)/fullConfidence, 1.0),
			}
		}
	}
	return best
}

// scoreCategory returns the score and the matched terms in first-seen order.
func scoreCategory(cat Category, lower string) (int, []string) {
	score := 0
	seen := make(map[string]bool)
	var terms []string
	add := func(term string) {
		if !seen[term] {
			seen[term] = true
			terms = append(terms, term)
		}
	}

	for _, re := range cat.Patterns {
		matches := re.FindAllString(lower, -1)
		score += patternWeight * len(matches)
		for _, m := range matches {
			add(m)
		}
	}
	for _, kw := range cat.Keywords {
		if strings.Contains(lower, kw) {
			score += keywordWeight
			add(kw)
		}
	}
	return score, terms
}
