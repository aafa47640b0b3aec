package spawn

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// summaryFields are the fields a worker's final result summary may carry.
var summaryFields = []string{
	"spec_id", "changed_files", "tests_run", "tests_passed", "risk_level", "open_issues",
}

// maxStringDepth bounds how deep nested structures are searched for
// free-text fields that may embed a JSON summary.
const maxStringDepth = 4

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// SummaryCandidateFieldCount counts how many expected result fields a
// candidate object carries.
func SummaryCandidateFieldCount(candidate map[string]any) int {
	n := 0
	for _, field := range summaryFields {
		if _, ok := candidate[field]; ok {
			n++
		}
	}
	return n
}

// ResultSummary returns the best result summary found in a worker's event
// stream, or nil when the worker is unknown or emitted none.
func (s *Spawner) ResultSummary(workerID string) map[string]any {
	w, ok := s.Worker(workerID)
	if !ok {
		return nil
	}
	return ExtractSummary(w.Events())
}

// ExtractSummary scans parsed worker events for the candidate object
// carrying the most expected result fields. Events are visited in arrival
// order and within one event candidates are visited in precedence order,
// so on a tie the earlier candidate wins. Returns nil when no candidate
// carries any expected field.
func ExtractSummary(events []map[string]any) map[string]any {
	var best map[string]any
	bestCount := 0
	for _, event := range events {
		for _, candidate := range summaryCandidates(event) {
			if count := SummaryCandidateFieldCount(candidate); count > bestCount {
				best = candidate
				bestCount = count
			}
		}
	}
	return best
}

// summaryCandidates expands one event into every object that could be its
// result summary: the event itself, well-known envelope fields, and JSON
// objects embedded in free-text fields, fenced code blocks included.
func summaryCandidates(event map[string]any) []map[string]any {
	candidates := []map[string]any{event}
	candidates = appendObject(candidates, event["result_summary"])
	candidates = appendObject(candidates, event["summary"])
	candidates = appendContainer(candidates, event["payload"])
	if result, ok := event["result"].(map[string]any); ok {
		candidates = appendObject(candidates, result["summary"])
	}
	candidates = appendContainer(candidates, event["data"])
	candidates = appendContainer(candidates, event["item"])
	for _, text := range stringLeaves(event, 0) {
		candidates = append(candidates, extractJSONObjects(text)...)
	}
	return candidates
}

func appendObject(candidates []map[string]any, v any) []map[string]any {
	if obj, ok := v.(map[string]any); ok {
		candidates = append(candidates, obj)
	}
	return candidates
}

// appendContainer adds an envelope object and each of its object children.
func appendContainer(candidates []map[string]any, v any) []map[string]any {
	parent, ok := v.(map[string]any)
	if !ok {
		return candidates
	}
	candidates = append(candidates, parent)
	for _, key := range sortedKeys(parent) {
		candidates = appendObject(candidates, parent[key])
	}
	return candidates
}

// stringLeaves collects string values that could embed a JSON object,
// walking maps in sorted key order so extraction is deterministic.
func stringLeaves(v any, depth int) []string {
	if depth > maxStringDepth {
		return nil
	}
	switch val := v.(type) {
	case string:
		if strings.Contains(val, "{") {
			return []string{val}
		}
	case map[string]any:
		var out []string
		for _, key := range sortedKeys(val) {
			out = append(out, stringLeaves(val[key], depth+1)...)
		}
		return out
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, stringLeaves(item, depth+1)...)
		}
		return out
	}
	return nil
}

// extractJSONObjects pulls parseable JSON objects out of free text. Fenced
// code blocks are tried first, then bare balanced-brace fragments.
func extractJSONObjects(text string) []map[string]any {
	var out []map[string]any
	for _, match := range fencedBlockPattern.FindAllStringSubmatch(text, -1) {
		if obj := parseObject(match[1]); obj != nil {
			out = append(out, obj)
		}
	}
	for _, fragment := range balancedObjects(text) {
		if obj := parseObject(fragment); obj != nil {
			out = append(out, obj)
		}
	}
	return out
}

// balancedObjects returns top-level {...} fragments from text, tracking
// string literals so braces inside JSON strings do not confuse the scan.
func balancedObjects(text string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

func parseObject(fragment string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(fragment), &obj); err != nil {
		return nil
	}
	return obj
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
