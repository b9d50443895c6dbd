// Package shaping renders a compilation result for the client per the
// request's Accept header, projecting it to a human-readable plain-text
// form or passing it through as JSON.
package shaping

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const banner = "# Compilation provided by Compiler Explorer at https://godbolt.org/"

var ansiCSI = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// Shape strips internal-only fields from result and renders it either as a
// plain-text projection (when accept contains "text/plain") or as JSON.
func Shape(result map[string]any, accept string, filterAnsi bool) (contentType string, body []byte, err error) {
	clean := stripInternalFields(result)

	if strings.Contains(accept, "text/plain") {
		return "text/plain; charset=utf-8", []byte(renderPlainText(clean, filterAnsi)), nil
	}

	data, err := json.Marshal(clean)
	if err != nil {
		return "", nil, fmt.Errorf("marshal shaped result: %w", err)
	}
	return "application/json", data, nil
}

func stripInternalFields(result map[string]any) map[string]any {
	clean := make(map[string]any, len(result))
	for k, v := range result {
		if k == "guid" || k == "s3Key" {
			continue
		}
		clean[k] = v
	}
	return clean
}

func renderPlainText(result map[string]any, filterAnsi bool) string {
	var b strings.Builder
	writeLine(&b, banner, filterAnsi)

	for _, line := range textLines(result["asm"]) {
		writeLine(&b, line, filterAnsi)
	}

	if code, ok := asInt(result["code"]); ok && code != 0 {
		writeLine(&b, fmt.Sprintf("# Compiler exited with result code %d", code), filterAnsi)
	}

	writeLabelledBlock(&b, "stdout", textLines(result["stdout"]), filterAnsi)
	writeLabelledBlock(&b, "stderr", textLines(result["stderr"]), filterAnsi)

	if execResult, ok := result["execResult"].(map[string]any); ok {
		if code, ok := asInt(execResult["code"]); ok {
			writeLine(&b, fmt.Sprintf("# Execution exited with result code %d", code), filterAnsi)
		}
		writeLabelledBlock(&b, "Execution stdout", textLines(execResult["stdout"]), filterAnsi)
		writeLabelledBlock(&b, "Execution stderr", textLines(execResult["stderr"]), filterAnsi)
	}

	return b.String()
}

func writeLine(b *strings.Builder, line string, filterAnsi bool) {
	if filterAnsi {
		line = ansiCSI.ReplaceAllString(line, "")
	}
	b.WriteString(line)
	b.WriteString("\n")
}

func writeLabelledBlock(b *strings.Builder, label string, lines []string, filterAnsi bool) {
	if len(lines) == 0 {
		return
	}
	writeLine(b, fmt.Sprintf("# %s:", label), filterAnsi)
	for _, line := range lines {
		writeLine(b, line, filterAnsi)
	}
}

func textLines(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var lines []string
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		text, ok := obj["text"].(string)
		if !ok {
			continue
		}
		lines = append(lines, text)
	}
	return lines
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
