package dedupe

import (
	"encoding/json"
	"strings"
)

// summaryPayload is the JSON contract the summary prompt asks the model for.
type summaryPayload struct {
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
}

// parseSummaryResponse extracts the summary sentence and keyword list from a
// model response. The prompt requests strict JSON with exactly five keywords;
// anything that does not parse falls back to treating the whole response as
// the summary with no keywords, so a sloppy model never loses the content.
func parseSummaryResponse(content string) (summary string, keywords []string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", nil
	}

	var payload summaryPayload
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &payload); err == nil {
		if payload.Summary != "" && len(payload.Keywords) == 5 {
			return payload.Summary, payload.Keywords
		}
	}

	return content, nil
}

// stripCodeFence removes a surrounding markdown code fence, which some models
// wrap JSON responses in despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
