package spawn

import "testing"

func TestSummaryCandidateFieldCount(t *testing.T) {
	tests := []struct {
		name      string
		candidate map[string]any
		want      int
	}{
		{
			name:      "empty object",
			candidate: map[string]any{},
			want:      0,
		},
		{
			name:      "unrelated fields",
			candidate: map[string]any{"type": "message", "text": "hi"},
			want:      0,
		},
		{
			name:      "partial",
			candidate: map[string]any{"spec_id": "01-01-x", "tests_run": 3.0},
			want:      2,
		},
		{
			name: "all six",
			candidate: map[string]any{
				"spec_id": "01-01-x", "changed_files": []any{}, "tests_run": 1.0,
				"tests_passed": 1.0, "risk_level": "low", "open_issues": []any{},
			},
			want: 6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SummaryCandidateFieldCount(tt.candidate); got != tt.want {
				t.Errorf("count = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExtractSummaryDirect(t *testing.T) {
	events := []map[string]any{
		{"type": "task_started"},
		{"spec_id": "01-01-core", "tests_run": 5.0, "tests_passed": 5.0, "risk_level": "low"},
	}
	got := ExtractSummary(events)
	if got == nil {
		t.Fatal("expected a summary")
	}
	if got["spec_id"] != "01-01-core" {
		t.Errorf("spec_id = %v", got["spec_id"])
	}
}

func TestExtractSummaryEnvelopes(t *testing.T) {
	tests := []struct {
		name  string
		event map[string]any
	}{
		{
			name: "result_summary field",
			event: map[string]any{
				"type":           "done",
				"result_summary": map[string]any{"spec_id": "01-01-core", "risk_level": "low"},
			},
		},
		{
			name: "summary field",
			event: map[string]any{
				"summary": map[string]any{"spec_id": "01-01-core", "risk_level": "low"},
			},
		},
		{
			name: "payload child",
			event: map[string]any{
				"payload": map[string]any{
					"outcome": map[string]any{"spec_id": "01-01-core", "risk_level": "low"},
				},
			},
		},
		{
			name: "result.summary",
			event: map[string]any{
				"result": map[string]any{
					"summary": map[string]any{"spec_id": "01-01-core", "risk_level": "low"},
				},
			},
		},
		{
			name: "data child",
			event: map[string]any{
				"data": map[string]any{
					"final": map[string]any{"spec_id": "01-01-core", "risk_level": "low"},
				},
			},
		},
		{
			name: "item child",
			event: map[string]any{
				"item": map[string]any{
					"report": map[string]any{"spec_id": "01-01-core", "risk_level": "low"},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractSummary([]map[string]any{tt.event})
			if got == nil {
				t.Fatal("expected a summary")
			}
			if got["spec_id"] != "01-01-core" {
				t.Errorf("spec_id = %v", got["spec_id"])
			}
		})
	}
}

func TestExtractSummaryFencedBlock(t *testing.T) {
	text := "All tasks complete.\n```json\n{\"spec_id\": \"01-01-core\", \"tests_run\": 4, \"tests_passed\": 4, \"risk_level\": \"low\"}\n```\nDone."
	events := []map[string]any{
		{"type": "agent_message", "text": text},
	}
	got := ExtractSummary(events)
	if got == nil {
		t.Fatal("expected a summary from the fenced block")
	}
	if got["risk_level"] != "low" {
		t.Errorf("risk_level = %v", got["risk_level"])
	}
	if got["tests_run"] != 4.0 {
		t.Errorf("tests_run = %v", got["tests_run"])
	}
}

func TestExtractSummaryBareFragment(t *testing.T) {
	events := []map[string]any{
		{
			"item": map[string]any{
				"type": "agent_message",
				"text": `Here is my result: {"spec_id": "01-01-core", "open_issues": [], "risk_level": "medium"} as requested.`,
			},
		},
	}
	got := ExtractSummary(events)
	if got == nil {
		t.Fatal("expected a summary from the embedded fragment")
	}
	if got["risk_level"] != "medium" {
		t.Errorf("risk_level = %v", got["risk_level"])
	}
}

func TestExtractSummaryBestCandidateWins(t *testing.T) {
	events := []map[string]any{
		{"spec_id": "early-sparse"},
		{
			"result_summary": map[string]any{
				"spec_id": "01-01-core", "changed_files": []any{"a.go"},
				"tests_run": 2.0, "tests_passed": 2.0, "risk_level": "low", "open_issues": []any{},
			},
		},
	}
	got := ExtractSummary(events)
	if got == nil {
		t.Fatal("expected a summary")
	}
	if got["spec_id"] != "01-01-core" {
		t.Errorf("richer candidate should win, got spec_id = %v", got["spec_id"])
	}
}

func TestExtractSummaryTieKeepsEarlier(t *testing.T) {
	events := []map[string]any{
		{"spec_id": "first", "risk_level": "low"},
		{"spec_id": "second", "risk_level": "high"},
	}
	got := ExtractSummary(events)
	if got == nil {
		t.Fatal("expected a summary")
	}
	if got["spec_id"] != "first" {
		t.Errorf("tie should keep the earlier candidate, got %v", got["spec_id"])
	}
}

func TestExtractSummaryNone(t *testing.T) {
	events := []map[string]any{
		{"type": "task_started"},
		{"type": "output", "text": "no json here"},
	}
	if got := ExtractSummary(events); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if got := ExtractSummary(nil); got != nil {
		t.Errorf("expected nil for no events, got %v", got)
	}
}

func TestBalancedObjects(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single object",
			text: `before {"a": 1} after`,
			want: []string{`{"a": 1}`},
		},
		{
			name: "two objects",
			text: `{"a": 1} and {"b": 2}`,
			want: []string{`{"a": 1}`, `{"b": 2}`},
		},
		{
			name: "braces inside strings",
			text: `{"text": "look {at} this"}`,
			want: []string{`{"text": "look {at} this"}`},
		},
		{
			name: "nested objects stay whole",
			text: `{"outer": {"inner": 1}}`,
			want: []string{`{"outer": {"inner": 1}}`},
		},
		{
			name: "unclosed brace yields nothing",
			text: `broken { fragment`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := balancedObjects(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fragments %v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("fragment %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
