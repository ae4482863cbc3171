package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/newsfinder/internal/helpers"
)

// rawJudgment mirrors Judgment but with loose field types: small models emit
// scores as floats or quoted strings and entity lists with non-string members.
type rawJudgment struct {
	Summary            string        `json:"summary"`
	RelevanceScore     interface{}   `json:"relevance_score"`
	RelevanceReasoning string        `json:"relevance_reasoning"`
	ImpactScore        interface{}   `json:"impact_score"`
	KeyEntities        []interface{} `json:"key_entities"`
}

// ParseJudgment recovers a Judgment from free-form model output. It tolerates
// fenced JSON and prose preambles; anything beyond that is an error the
// caller downgrades to a zero judgment.
func ParseJudgment(output string) (Judgment, error) {
	segment, err := helpers.ExtractJSON(output)
	if err != nil {
		return Judgment{}, fmt.Errorf("recover judgment JSON: %w", err)
	}
	var raw rawJudgment
	dec := json.NewDecoder(strings.NewReader(segment))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Judgment{}, fmt.Errorf("decode judgment: %w", err)
	}

	j := Judgment{
		Summary:            strings.TrimSpace(raw.Summary),
		RelevanceScore:     clampScore(looseInt(raw.RelevanceScore)),
		RelevanceReasoning: strings.TrimSpace(raw.RelevanceReasoning),
		ImpactScore:        clampScore(looseInt(raw.ImpactScore)),
		KeyEntities:        toStringList(raw.KeyEntities, 0),
	}
	if j.Summary == "" {
		j.Summary = "No summary generated"
	}
	return j, nil
}

// ParseTopics recovers the topic list from the labeling prompt's output.
func ParseTopics(output string, maxTopics int) ([]string, error) {
	segment, err := helpers.ExtractJSON(output)
	if err != nil {
		return nil, fmt.Errorf("recover topics JSON: %w", err)
	}
	var raw struct {
		Topics []interface{} `json:"topics"`
	}
	if err := json.Unmarshal([]byte(segment), &raw); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}
	return toStringList(raw.Topics, maxTopics), nil
}

// looseInt accepts the score however the model wrote it: a JSON number, a
// quoted number, or something unusable (which becomes 0).
func looseInt(v interface{}) int {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = string(t)
	case string:
		s = strings.TrimSpace(t)
	default:
		return 0
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

func toStringList(values []interface{}, limit int) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = string(t)
		default:
			s = fmt.Sprint(t)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
