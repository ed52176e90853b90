package advisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/trafficmesh/core"
)

var errNoJSON = errors.New("no JSON object in response")

// ExtractJSON returns the first balanced {...} object in text. Braces inside
// JSON strings are ignored. When no balanced object exists it falls back to
// the span between the first '{' and the last '}'.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", errNoJSON
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
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
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}

	end := strings.LastIndexByte(text, '}')
	if end <= start {
		return "", errNoJSON
	}
	return text[start : end+1], nil
}

// ParseRecommendation extracts, decodes and validates a recommendation from
// raw model output.
func ParseRecommendation(text string) (Recommendation, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return Recommendation{}, fmt.Errorf("%w: %v", core.ErrInvalidAdvice, err)
	}
	var rec Recommendation
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Recommendation{}, fmt.Errorf("%w: %v", core.ErrInvalidAdvice, err)
	}
	rec.Strategy = core.Strategy(strings.ToUpper(strings.TrimSpace(string(rec.Strategy))))
	rec.RiskLevel = core.RiskLevel(strings.ToLower(strings.TrimSpace(string(rec.RiskLevel))))
	if err := rec.Validate(); err != nil {
		return Recommendation{}, err
	}
	return rec, nil
}
