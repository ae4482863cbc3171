package helpers

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare object",
			in:   `{"relevance_score": 8}`,
			want: `{"relevance_score": 8}`,
		},
		{
			name: "object wrapped in prose",
			in:   "Here is my assessment:\n{\"summary\": \"x\"}\nHope that helps!",
			want: `{"summary": "x"}`,
		},
		{
			name: "json code fence",
			in:   "```json\n{\"impact_score\": 5}\n```",
			want: `{"impact_score": 5}`,
		},
		{
			name: "braces inside strings are ignored",
			in:   `{"summary": "uses {braces} and \"quotes\"", "score": 1}`,
			want: `{"summary": "uses {braces} and \"quotes\"", "score": 1}`,
		},
		{
			name: "byte order mark prefix",
			in:   "\uFEFF{\"relevance_score\": 3}",
			want: `{"relevance_score": 3}`,
		},
		{
			name: "nested objects",
			in:   `noise {"a": {"b": [1, 2]}} trailing`,
			want: `{"a": {"b": [1, 2]}}`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			if !json.Valid([]byte(got)) {
				t.Fatalf("extracted segment is not valid JSON: %q", got)
			}
		})
	}
}

func TestExtractJSONFailures(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "no json here", `{"unterminated": `} {
		if _, err := ExtractJSON(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
