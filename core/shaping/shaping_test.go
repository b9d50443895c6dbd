package shaping

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestShapeJSONStripsInternalFields(t *testing.T) {
	result := map[string]any{"guid": "abc", "s3Key": "k", "code": float64(0)}
	contentType, body, err := Shape(result, "application/json", false)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("content type = %q", contentType)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := decoded["guid"]; ok {
		t.Fatalf("expected guid stripped, got %v", decoded)
	}
	if _, ok := decoded["s3Key"]; ok {
		t.Fatalf("expected s3Key stripped, got %v", decoded)
	}
}

func TestShapePlainTextIncludesBannerAndAsm(t *testing.T) {
	result := map[string]any{
		"code": float64(0),
		"asm":  []any{map[string]any{"text": "mov eax, 0"}, map[string]any{"text": "ret"}},
	}
	contentType, body, err := Shape(result, "text/plain", false)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if contentType != "text/plain; charset=utf-8" {
		t.Fatalf("content type = %q", contentType)
	}
	text := string(body)
	if !strings.HasPrefix(text, banner) {
		t.Fatalf("expected banner first line, got: %s", text)
	}
	if !strings.Contains(text, "mov eax, 0") || !strings.Contains(text, "ret") {
		t.Fatalf("expected asm lines present, got: %s", text)
	}
	if strings.Contains(text, "exited with result code") {
		t.Fatalf("expected no exit code line for code 0, got: %s", text)
	}
}

func TestShapePlainTextIncludesExitCodeAndStdStreams(t *testing.T) {
	result := map[string]any{
		"code":   float64(1),
		"asm":    []any{},
		"stdout": []any{map[string]any{"text": "building..."}},
		"stderr": []any{map[string]any{"text": "warning: unused variable"}},
	}
	_, body, err := Shape(result, "text/plain", false)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "# Compiler exited with result code 1") {
		t.Fatalf("expected exit code line, got: %s", text)
	}
	if !strings.Contains(text, "building...") || !strings.Contains(text, "warning: unused variable") {
		t.Fatalf("expected stdout/stderr lines, got: %s", text)
	}
}

func TestShapePlainTextIncludesExecResultBlock(t *testing.T) {
	result := map[string]any{
		"code": float64(0),
		"asm":  []any{},
		"execResult": map[string]any{
			"code":   float64(0),
			"stdout": []any{map[string]any{"text": "hello world"}},
			"stderr": []any{},
		},
	}
	_, body, err := Shape(result, "text/plain", false)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "Execution exited with result code 0") {
		t.Fatalf("expected execution exit code line, got: %s", text)
	}
	if !strings.Contains(text, "hello world") {
		t.Fatalf("expected execution stdout line, got: %s", text)
	}
}

func TestShapePlainTextFiltersAnsiWhenRequested(t *testing.T) {
	result := map[string]any{
		"code": float64(0),
		"asm":  []any{map[string]any{"text": "\x1b[31mred text\x1b[0m"}},
	}
	_, body, err := Shape(result, "text/plain", true)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	text := string(body)
	if strings.Contains(text, "\x1b[") {
		t.Fatalf("expected ANSI CSI sequences stripped, got: %q", text)
	}
	if !strings.Contains(text, "red text") {
		t.Fatalf("expected underlying text preserved, got: %q", text)
	}
}
