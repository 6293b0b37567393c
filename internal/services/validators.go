package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// ExpectedShape names the contract a completion's raw text must satisfy
// before its payload is accepted.
type ExpectedShape string

const (
	ShapeStructuredObject ExpectedShape = "structured_object"
	ShapeKeyValueDocument ExpectedShape = "key_value_document"
	ShapeFormattedText    ExpectedShape = "formatted_text"
)

// MinFormattedTextLength is the floor for the formatted-text shape after
// fence stripping.
const MinFormattedTextLength = 10

type ValidationError struct {
	Shape  ExpectedShape
	Reason string
	Offset int64 // byte offset into the stripped text, -1 if unknown
}

func (e *ValidationError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("output validation failed (%s): %s (offset %d)", e.Shape, e.Reason, e.Offset)
	}
	return fmt.Sprintf("output validation failed (%s): %s", e.Shape, e.Reason)
}

// ValidateOutput parses raw completion text against the expected shape and
// returns the payload. Models routinely wrap output in a markdown code
// fence, so one leading/trailing fence is stripped for every shape first.
func ValidateOutput(raw string, shape ExpectedShape) (any, error) {
	text := stripMarkdownCodeFences(raw)
	switch shape {
	case ShapeStructuredObject:
		return validateStructuredObject(text)
	case ShapeKeyValueDocument:
		return validateKeyValueDocument(text)
	case ShapeFormattedText:
		return validateFormattedText(text)
	default:
		return nil, &ValidationError{Shape: shape, Reason: "unknown expected shape", Offset: -1}
	}
}

func stripMarkdownCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	// Drop the first fence line (``` or ```json) and the last fence line if
	// present.
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "```" {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return strings.TrimSpace(strings.Join(lines[1:], "\n"))
}

func validateStructuredObject(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, &ValidationError{Shape: ShapeStructuredObject, Reason: err.Error(), Offset: jsonErrOffset(err)}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &ValidationError{Shape: ShapeStructuredObject, Reason: fmt.Sprintf("top-level value is %T, want object", v), Offset: -1}
	}
	return obj, nil
}

func validateKeyValueDocument(text string) (any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &ValidationError{Shape: ShapeKeyValueDocument, Reason: err.Error(), Offset: -1}
	}
	if len(doc) == 0 {
		return nil, &ValidationError{Shape: ShapeKeyValueDocument, Reason: "empty document", Offset: -1}
	}
	return doc, nil
}

func validateFormattedText(text string) (any, error) {
	if n := utf8.RuneCountInString(text); n < MinFormattedTextLength {
		return nil, &ValidationError{
			Shape:  ShapeFormattedText,
			Reason: fmt.Sprintf("text too short: %d chars, want at least %d", n, MinFormattedTextLength),
			Offset: -1,
		}
	}
	return text, nil
}

func jsonErrOffset(err error) int64 {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return syn.Offset
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		return typ.Offset
	}
	return -1
}
