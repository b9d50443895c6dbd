package queue

import (
	"encoding/json"
	"strings"
)

var defaultMessageFields = map[string]any{
	"source":            "",
	"options":           []any{},
	"filters":           map[string]any{},
	"backendOptions":    map[string]any{},
	"tools":             []any{},
	"libraries":         []any{},
	"files":             []any{},
	"executeParameters": map[string]any{},
}

// parseBody decodes rawBody per the content type: JSON bodies are decoded
// as a mapping; anything else (or a JSON body that fails to parse) is
// wrapped as {"source": rawBody}. An empty body yields an empty mapping.
func parseBody(rawBody []byte, contentType string) map[string]any {
	if len(rawBody) == 0 {
		return map[string]any{}
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		var decoded map[string]any
		if err := json.Unmarshal(rawBody, &decoded); err == nil {
			return decoded
		}
	}
	return map[string]any{"source": string(rawBody)}
}

// buildMessage assembles the queue message mapping per the merge order:
// base identity fields first, then the parsed body fields overlay, then
// defaults fill in anything still missing.
func buildMessage(guid, compilerID string, isCMake bool, headers, query map[string]string, rawBody []byte, contentType string) map[string]any {
	msg := map[string]any{
		"guid":                  guid,
		"compilerId":            compilerID,
		"isCMake":               isCMake,
		"headers":               headers,
		"queryStringParameters": query,
	}
	for k, v := range parseBody(rawBody, contentType) {
		msg[k] = v
	}
	for k, v := range defaultMessageFields {
		if _, exists := msg[k]; !exists {
			msg[k] = v
		}
	}
	return msg
}
