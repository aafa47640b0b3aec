package decompose

import (
	"regexp"
	"strings"
	"unicode"
)

// Category names used in goal analysis.
const (
	CategoryCloseLoop     = "closeLoop"
	CategoryDecomposition = "decomposition"
	CategoryOrchestration = "orchestration"
	CategoryQuality       = "quality"
	CategoryDocs          = "docs"
)

// categoryKeywords drive goal scoring. Matching is substring on the
// lowercased goal; lists mix scripts so non-Latin goals still score.
var categoryKeywords = map[string][]string{
	CategoryCloseLoop:     {"closed-loop", "close-loop", "closed loop", "autonomous", "feedback", "闭环", "自律"},
	CategoryDecomposition: {"decompos", "master", "sub", "breakdown", "portfolio", "分解", "拆分"},
	CategoryOrchestration: {"orchestrat", "parallel", "concurren", "dispatch", "schedul", "execut", "编排", "并行"},
	CategoryQuality:       {"quality", "gate", "dod", "test", "verif", "validat", "质量", "测试"},
	CategoryDocs:          {"document", "readme", "rollout", "publish", "report", "文档", "发布"},
}

// strongSeparators partition a goal into fragments before connector
// splitting. Full-width forms cover CJK punctuation.
const strongSeparators = ",;:，、；："

var connectorPattern = regexp.MustCompile(`\b(?:and|with|then|plus|while)\b`)

// cjkConnectors are split on directly; word boundaries do not apply.
var cjkConnectors = []string{"并且", "然后", "同时", "以及", "そして"}

// Analysis captures the measured complexity of a goal.
type Analysis struct {
	Tokens           int
	Length           int
	Separators       int
	Clauses          []string
	CategoryScores   map[string]int
	ActiveCategories int
}

func normalizeGoal(goal string) string {
	return strings.Join(strings.Fields(goal), " ")
}

// splitClauses partitions the goal at strong separators, then splits each
// fragment at connector words. Empty fragments are discarded.
func splitClauses(goal string) []string {
	fragments := strings.FieldsFunc(goal, func(r rune) bool {
		return strings.ContainsRune(strongSeparators, r)
	})

	var clauses []string
	for _, fragment := range fragments {
		parts := connectorPattern.Split(fragment, -1)
		var expanded []string
		for _, part := range parts {
			expanded = append(expanded, splitCJKConnectors(part)...)
		}
		for _, part := range expanded {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				clauses = append(clauses, trimmed)
			}
		}
	}
	return clauses
}

func splitCJKConnectors(s string) []string {
	parts := []string{s}
	for _, conn := range cjkConnectors {
		var next []string
		for _, part := range parts {
			next = append(next, strings.Split(part, conn)...)
		}
		parts = next
	}
	return parts
}

// countTokens counts whitespace-separated tokens for Latin text. CJK runs
// carry no spaces, so they contribute one token per four characters,
// rounded up.
func countTokens(goal string) int {
	cjk := 0
	for _, r := range goal {
		if isCJK(r) {
			cjk++
		}
	}
	if cjk == 0 {
		return len(strings.Fields(goal))
	}

	tokens := (cjk + 3) / 4
	for _, field := range strings.Fields(goal) {
		if containsNonCJKWord(field) {
			tokens++
		}
	}
	return tokens
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

func containsNonCJKWord(field string) bool {
	for _, r := range field {
		if (unicode.IsLetter(r) || unicode.IsDigit(r)) && !isCJK(r) {
			return true
		}
	}
	return false
}

// analyze measures the goal and scores categories. Whole-goal keyword hits
// score 2, per-clause hits score 1.
func analyze(goal string) Analysis {
	lower := strings.ToLower(goal)
	clauses := splitClauses(lower)

	separators := 0
	for _, r := range goal {
		if strings.ContainsRune(strongSeparators, r) {
			separators++
		}
	}

	scores := make(map[string]int, len(categoryKeywords))
	active := 0
	for category, keywords := range categoryKeywords {
		score := 0
		for _, keyword := range keywords {
			if strings.Contains(lower, keyword) {
				score += 2
			}
			for _, clause := range clauses {
				if strings.Contains(clause, keyword) {
					score++
				}
			}
		}
		scores[category] = score
		if score > 0 {
			active++
		}
	}

	return Analysis{
		Tokens:           countTokens(goal),
		Length:           len([]rune(goal)),
		Separators:       separators,
		Clauses:          clauses,
		CategoryScores:   scores,
		ActiveCategories: active,
	}
}

// chooseSubCount maps measured complexity to a sub-spec count in [3,5].
func chooseSubCount(a Analysis) int {
	switch {
	case a.Tokens >= 24 || a.Separators >= 4 || a.Length >= 160 || len(a.Clauses) >= 5 || a.ActiveCategories >= 4:
		return 5
	case a.Tokens >= 14 || a.Separators >= 2 || a.Length >= 90 || len(a.Clauses) >= 3 || a.ActiveCategories >= 3:
		return 4
	default:
		return 3
	}
}
