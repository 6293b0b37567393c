package services

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateOutput_StructuredObject(t *testing.T) {
	payload, err := ValidateOutput(`{"title": "Recursion", "key_points": ["base case"]}`, ShapeStructuredObject)
	if err != nil {
		t.Fatalf("valid object rejected: %v", err)
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is %T, want map", payload)
	}
	if obj["title"] != "Recursion" {
		t.Fatalf("unexpected payload: %v", obj)
	}
}

func TestValidateOutput_StructuredObjectStripsFences(t *testing.T) {
	raw := "```json\n{\"a\": 1}\n```"
	payload, err := ValidateOutput(raw, ShapeStructuredObject)
	if err != nil {
		t.Fatalf("fenced object rejected: %v", err)
	}
	if _, ok := payload.(map[string]any); !ok {
		t.Fatalf("payload is %T, want map", payload)
	}
}

func TestValidateOutput_StructuredObjectRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`[1, 2, 3]`, `"just a string"`, `42`, `not json at all`} {
		_, err := ValidateOutput(raw, ShapeStructuredObject)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("input %q: got %v, want *ValidationError", raw, err)
		}
		if verr.Shape != ShapeStructuredObject {
			t.Fatalf("input %q: wrong shape on error: %s", raw, verr.Shape)
		}
	}
}

func TestValidateOutput_StructuredObjectReportsOffset(t *testing.T) {
	_, err := ValidateOutput(`{"a": }`, ShapeStructuredObject)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want *ValidationError", err)
	}
	if verr.Offset < 0 {
		t.Fatalf("syntax error should carry a parser offset, got %d", verr.Offset)
	}
}

func TestValidateOutput_KeyValueDocument(t *testing.T) {
	payload, err := ValidateOutput("title: Recursion\nminutes: 12\n", ShapeKeyValueDocument)
	if err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}
	doc := payload.(map[string]any)
	if doc["title"] != "Recursion" {
		t.Fatalf("unexpected document: %v", doc)
	}
}

func TestValidateOutput_KeyValueDocumentRejectsEmpty(t *testing.T) {
	for _, raw := range []string{"", "```\n```", "   "} {
		_, err := ValidateOutput(raw, ShapeKeyValueDocument)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("input %q: got %v, want *ValidationError", raw, err)
		}
	}
}

func TestValidateOutput_FormattedText(t *testing.T) {
	text, err := ValidateOutput("```\nThis is a perfectly fine answer.\n```", ShapeFormattedText)
	if err != nil {
		t.Fatalf("valid text rejected: %v", err)
	}
	if !strings.HasPrefix(text.(string), "This is") {
		t.Fatalf("fence not stripped: %q", text)
	}

	_, err = ValidateOutput("too short", ShapeFormattedText)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("short text: got %v, want *ValidationError", err)
	}
}

func TestValidateOutput_FormattedTextMinimumCountsRunes(t *testing.T) {
	// 6 runes but 18 bytes; the minimum is characters, not bytes.
	_, err := ValidateOutput("四字熟語です", ShapeFormattedText)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("short multibyte text: got %v, want *ValidationError", err)
	}

	if _, err := ValidateOutput("再帰とは自分自身を呼ぶこと", ShapeFormattedText); err != nil {
		t.Fatalf("valid multibyte text rejected: %v", err)
	}
}

func TestStripMarkdownCodeFences(t *testing.T) {
	cases := map[string]string{
		"no fences here":              "no fences here",
		"```\nbody\n```":              "body",
		"```json\n{\"a\":1}\n```":     `{"a":1}`,
		"```yaml\nkey: value":         "key: value", // unterminated fence
		"  ```\npadded\n```  ":        "padded",
		"```\nmulti\nline\nbody\n```": "multi\nline\nbody",
	}
	for in, want := range cases {
		if got := stripMarkdownCodeFences(in); got != want {
			t.Fatalf("stripMarkdownCodeFences(%q) = %q, want %q", in, got, want)
		}
	}
}
