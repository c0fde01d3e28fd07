// ABOUTME: Structured completions: extract and decode a JSON object from free-form model text
// ABOUTME: Results are tagged Ok or ParseError carrying the raw text; parsing never panics

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseError reports model output that could not be decoded. Raw holds the
// full text so callers can degrade gracefully.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing structured completion: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a structured completion: either Value (Ok) or an
// error. When the completion ran but its text did not decode, Err is a
// *ParseError and Raw still holds the text.
type Result[T any] struct {
	Value T
	Raw   string
	Err   error
}

// Ok reports whether Value is usable.
func (r Result[T]) Ok() bool {
	return r.Err == nil
}

// ParseErr returns the *ParseError, if that is why the result failed.
func (r Result[T]) ParseErr() (*ParseError, bool) {
	var pe *ParseError
	if errors.As(r.Err, &pe) {
		return pe, true
	}
	return nil, false
}

// Lookup reads one field from the extracted JSON by gjson path. It works even
// when the full decode failed, which lets callers salvage a single field.
func (r Result[T]) Lookup(path string) gjson.Result {
	return gjson.Get(ExtractJSON(r.Raw), path)
}

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// ExtractJSON finds the JSON document in model output: the whole text, a
// fenced code block, or the outermost object or array span. Returns "" when
// nothing valid is found.
func ExtractJSON(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	if gjson.Valid(text) && (text[0] == '{' || text[0] == '[') {
		return text
	}
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		if candidate != "" && gjson.Valid(candidate) {
			return candidate
		}
	}
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(text, pair[0])
		end := strings.LastIndexByte(text, pair[1])
		if start >= 0 && end > start {
			candidate := text[start : end+1]
			if gjson.Valid(candidate) {
				return candidate
			}
		}
	}
	return ""
}

// ParseJSON decodes the JSON document embedded in raw into T.
func ParseJSON[T any](raw string) Result[T] {
	res := Result[T]{Raw: raw}
	doc := ExtractJSON(raw)
	if doc == "" {
		res.Err = &ParseError{Raw: raw, Err: errors.New("no JSON document found")}
		return res
	}
	if err := json.Unmarshal([]byte(doc), &res.Value); err != nil {
		res.Err = &ParseError{Raw: raw, Err: err}
	}
	return res
}

// Complete runs a completion and decodes its JSON answer into T. Transport
// failures are returned as plain errors; undecodable text as *ParseError.
func Complete[T any](ctx context.Context, p Provider, system string, messages []Message) Result[T] {
	text, _, err := Collect(ctx, p, system, messages)
	if err != nil {
		return Result[T]{Err: err}
	}
	return ParseJSON[T](text)
}

// Ask is Complete with a single user turn.
func Ask[T any](ctx context.Context, p Provider, system, prompt string) Result[T] {
	return Complete[T](ctx, p, system, []Message{{Role: RoleUser, Content: prompt}})
}
