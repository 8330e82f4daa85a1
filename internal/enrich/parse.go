package enrich

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ParseResponse extracts a JSON object from raw model output. The model is
// asked for bare JSON, but responses sometimes arrive wrapped in prose or
// code fences, so the outermost braces are tried first, then the full text,
// then a line-based key/value fallback.
func ParseResponse(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")

	if start != -1 && end > start {
		var data map[string]any
		if err := json.Unmarshal([]byte(text[start:end+1]), &data); err == nil {
			return data, nil
		}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err == nil {
		return data, nil
	}

	data = parseKeyValueLines(text)
	if len(data) == 0 {
		return nil, eris.New("no parsable content in response")
	}
	return data, nil
}

// parseKeyValueLines salvages "Key: value" lines from prose output. Keys are
// lowercased with spaces replaced by underscores; empty and null values are
// dropped.
func parseKeyValueLines(text string) map[string]any {
	data := make(map[string]any)
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
		value = strings.TrimSpace(value)
		if key == "" || value == "" || value == "null" {
			continue
		}
		data[key] = value
	}
	return data
}
