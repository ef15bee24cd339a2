package judge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jsonObject returns the outermost JSON object in content. Models often wrap
// their reply in markdown fences or add prose around it.
func jsonObject(content string) (string, error) {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no JSON object found in response: %s", content)
	}
	return content[start : end+1], nil
}

type verdictResponse struct {
	Passed    *bool  `json:"passed"`
	Reasoning string `json:"reasoning"`
}

func parseVerdict(content string) (bool, string, error) {
	raw, err := jsonObject(content)
	if err != nil {
		return false, "", err
	}

	var resp verdictResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return false, "", fmt.Errorf("failed to unmarshal JSON: %w (content: %s)", err, raw)
	}
	if resp.Passed == nil {
		return false, "", fmt.Errorf("missing 'passed' field in response")
	}
	return *resp.Passed, resp.Reasoning, nil
}

func parseObject(content string) (map[string]any, error) {
	raw, err := jsonObject(content)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w (content: %s)", err, raw)
	}
	return out, nil
}
