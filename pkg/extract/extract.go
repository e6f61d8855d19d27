// Package extract pulls a JSON object out of free-form model output.
//
// Models wrap JSON in prose, markdown fences or both. Extraction tries an
// ordered list of strategies and the first one that yields a JSON object
// wins:
//
//  1. the whole trimmed text
//  2. the first ```json fenced block
//  3. the first balanced {...} span that parses, scanning left to right
//
// The brace scan tracks string literals so braces inside JSON strings do not
// end a span early, and stray braces in surrounding prose are skipped rather
// than swallowing the real object.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoJSON means no strategy found a JSON object in the text.
	ErrNoJSON = errors.New("no JSON object found")
	// ErrNoFields means an object was found but none of the expected fields.
	ErrNoFields = errors.New("no expected fields present")
)

var fencedJSON = regexp.MustCompile("(?s)```(?i:json)\\s*(.*?)```")

// Strategy finds a candidate JSON object in text.
type Strategy struct {
	Name string
	Find func(text string) (map[string]any, bool)
}

// Strategies is the ordered list used by Extract.
var Strategies = []Strategy{
	{Name: "whole", Find: wholeText},
	{Name: "fenced", Find: fencedBlock},
	{Name: "braces", Find: balancedBraces},
}

// Extract parses raw and returns the expected fields that are present.
// With no expected fields, the whole object is returned. ok is false when
// nothing parses or no expected field is present.
func Extract(raw string, expected []string) (map[string]any, bool) {
	fields, err := ExtractErr(raw, expected)
	return fields, err == nil
}

// ExtractErr is Extract with a reason on failure.
func ExtractErr(raw string, expected []string) (map[string]any, error) {
	obj, _, ok := Find(raw)
	if !ok {
		return nil, ErrNoJSON
	}
	if len(expected) == 0 {
		return obj, nil
	}
	fields := Project(obj, expected)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: want one of %s", ErrNoFields, strings.Join(expected, ", "))
	}
	return fields, nil
}

// Find runs the strategies in order and returns the first object found and
// the name of the strategy that found it.
func Find(raw string) (map[string]any, string, bool) {
	for _, s := range Strategies {
		if obj, ok := s.Find(raw); ok {
			return obj, s.Name, true
		}
	}
	return nil, "", false
}

// Project keeps only the expected keys present in obj. It returns nil when
// none are present.
func Project(obj map[string]any, expected []string) map[string]any {
	if len(expected) == 0 {
		return obj
	}
	var out map[string]any
	for _, k := range expected {
		v, ok := obj[k]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(expected))
		}
		out[k] = v
	}
	return out
}

func wholeText(text string) (map[string]any, bool) {
	return parseObject(strings.TrimSpace(text))
}

func fencedBlock(text string) (map[string]any, bool) {
	m := fencedJSON.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return parseObject(strings.TrimSpace(m[1]))
}

func balancedBraces(text string) (map[string]any, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end, ok := matchBrace(text, start); ok {
			if obj, ok := parseObject(text[start : end+1]); ok {
				return obj, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// matchBrace returns the index of the '}' closing the '{' at start.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
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
				return i, true
			}
		}
	}
	return 0, false
}

func parseObject(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	// Valid rejects trailing content such as "{...} and more".
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}
