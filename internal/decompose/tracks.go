package decompose

import (
	"sort"
	"strings"
)

// Track is one predefined sub-spec theme. Its slug becomes the sub's name
// suffix, which also makes it the spec's lease key.
type Track struct {
	Slug       string
	Triggers   []string
	Categories []string
}

// trackLibrary is the fixed, ordered track catalog. Order matters: the
// deterministic tie-breaker prefers earlier entries.
var trackLibrary = []Track{
	{
		Slug:       "close-loop-execution",
		Triggers:   []string{"closed-loop", "close-loop", "autonomous", "feedback", "闭环"},
		Categories: []string{CategoryCloseLoop},
	},
	{
		Slug:       "goal-decomposition",
		Triggers:   []string{"decompos", "master", "sub", "breakdown", "分解"},
		Categories: []string{CategoryDecomposition},
	},
	{
		Slug:       "orchestration-runtime",
		Triggers:   []string{"orchestrat", "parallel", "dispatch", "schedul", "编排"},
		Categories: []string{CategoryOrchestration},
	},
	{
		Slug:       "quality-gates",
		Triggers:   []string{"quality", "gate", "dod", "test", "质量"},
		Categories: []string{CategoryQuality},
	},
	{
		Slug:       "docs-rollout",
		Triggers:   []string{"document", "rollout", "publish", "readme", "文档"},
		Categories: []string{CategoryDocs},
	},
	{
		Slug:       "status-telemetry",
		Triggers:   []string{"status", "monitor", "telemetry", "progress", "observab"},
		Categories: []string{CategoryOrchestration, CategoryCloseLoop},
	},
	{
		Slug:       "strategy-memory",
		Triggers:   []string{"strategy", "memory", "learn", "bias", "历史"},
		Categories: []string{CategoryCloseLoop, CategoryDecomposition},
	},
	{
		Slug:       "session-persistence",
		Triggers:   []string{"session", "resume", "snapshot", "persist", "restore"},
		Categories: []string{CategoryCloseLoop, CategoryQuality},
	},
}

// TrackSlugs returns the library's slugs in catalog order.
func TrackSlugs() []string {
	slugs := make([]string, len(trackLibrary))
	for i, track := range trackLibrary {
		slugs[i] = track.Slug
	}
	return slugs
}

type scoredTrack struct {
	Track
	score float64
}

// biasLimit bounds caller-supplied per-track bias.
const biasLimit = 2.0

func clampBias(bias float64) float64 {
	if bias > biasLimit {
		return biasLimit
	}
	if bias < -biasLimit {
		return -biasLimit
	}
	return bias
}

// selectTracks scores every track against the analyzed goal and returns
// the top count. Trigger hits score 3 each, category affinities add the
// category scores, and a small index-derived epsilon makes ties resolve
// toward earlier catalog entries.
func selectTracks(goal string, a Analysis, bias map[string]float64, count int) []Track {
	lower := strings.ToLower(goal)

	scored := make([]scoredTrack, 0, len(trackLibrary))
	for i, track := range trackLibrary {
		score := 0.0
		for _, trigger := range track.Triggers {
			if strings.Contains(lower, trigger) {
				score += 3
			}
		}
		for _, category := range track.Categories {
			score += float64(a.CategoryScores[category])
		}
		score += float64(len(trackLibrary)-i) * 0.001
		if bias != nil {
			score += clampBias(bias[track.Slug])
		}
		scored = append(scored, scoredTrack{Track: track, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	selected := make([]Track, 0, count)
	for _, st := range scored[:count] {
		selected = append(selected, st.Track)
	}
	return selected
}
