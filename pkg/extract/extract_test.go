package extract

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	expected := []string{"sentiment", "confidence"}

	tests := []struct {
		name     string
		raw      string
		want     map[string]any
		strategy string
	}{
		{
			name:     "bare object",
			raw:      `{"sentiment": "positive", "confidence": 0.9}`,
			want:     map[string]any{"sentiment": "positive", "confidence": json.Number("0.9")},
			strategy: "whole",
		},
		{
			name:     "surrounding whitespace",
			raw:      "\n\t  {\"sentiment\": \"negative\"}  \n",
			want:     map[string]any{"sentiment": "negative"},
			strategy: "whole",
		},
		{
			name:     "fenced block after prose",
			raw:      "Sure! ```json\n{\"sentiment\": \"positive\"}\n```",
			want:     map[string]any{"sentiment": "positive"},
			strategy: "fenced",
		},
		{
			name:     "uppercase fence tag",
			raw:      "Result:\n```JSON\n{\"confidence\": 1}\n```\nDone.",
			want:     map[string]any{"confidence": json.Number("1")},
			strategy: "fenced",
		},
		{
			name:     "embedded in prose",
			raw:      `The answer is {"sentiment": "neutral", "confidence": 0.4} as requested.`,
			want:     map[string]any{"sentiment": "neutral", "confidence": json.Number("0.4")},
			strategy: "braces",
		},
		{
			name:     "stray braces before the object",
			raw:      `Using the {template} you gave: {"sentiment": "positive"} and {more} text.`,
			want:     map[string]any{"sentiment": "positive"},
			strategy: "braces",
		},
		{
			name:     "unbalanced brace before the object",
			raw:      `Note: { opens here. {"sentiment": "mixed"}`,
			want:     map[string]any{"sentiment": "mixed"},
			strategy: "braces",
		},
		{
			name:     "braces inside strings",
			raw:      `Here: {"sentiment": "pos}itive {ok}", "confidence": 0.7} bye`,
			want:     map[string]any{"sentiment": "pos}itive {ok}", "confidence": json.Number("0.7")},
			strategy: "braces",
		},
		{
			name:     "escaped quote inside string",
			raw:      `x {"sentiment": "say \"hi}\""} y`,
			want:     map[string]any{"sentiment": `say "hi}"`},
			strategy: "braces",
		},
		{
			name:     "nested object",
			raw:      `prefix {"sentiment": {"label": "positive"}, "other": 1}`,
			want:     map[string]any{"sentiment": map[string]any{"label": "positive"}},
			strategy: "braces",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Extract(tc.raw, expected)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)

			_, strategy, found := Find(tc.raw)
			require.True(t, found)
			assert.Equal(t, tc.strategy, strategy)
		})
	}
}

func TestExtract_PartialFieldsSucceed(t *testing.T) {
	got, ok := Extract(`{"sentiment": "positive", "unrelated": true}`, []string{"sentiment", "confidence", "topic"})
	require.True(t, ok)
	assert.Equal(t, map[string]any{"sentiment": "positive"}, got)
}

func TestExtract_NoExpectedFieldsReturnsWholeObject(t *testing.T) {
	got, ok := Extract(`{"a": 1, "b": "two"}`, nil)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": json.Number("1"), "b": "two"}, got)
}

func TestExtract_Failures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"empty", "", ErrNoJSON},
		{"prose only", "I cannot answer that.", ErrNoJSON},
		{"truncated", `{"sentiment": "posi`, ErrNoJSON},
		{"no expected field", `{"mood": "happy"}`, ErrNoFields},
		{"braces without json", "Use {name} and {value}.", ErrNoJSON},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := Extract(tc.raw, []string{"sentiment"})
			assert.False(t, ok)

			_, err := ExtractErr(tc.raw, []string{"sentiment"})
			assert.True(t, errors.Is(err, tc.err), "got %v", err)
		})
	}
}

func TestExtract_TrailingGarbageFallsThrough(t *testing.T) {
	// The whole text is not valid JSON, but the brace scan still finds the object.
	got, ok := Extract(`{"sentiment": "positive"} trailing words`, []string{"sentiment"})
	require.True(t, ok)
	assert.Equal(t, "positive", got["sentiment"])
}

func TestProject(t *testing.T) {
	obj := map[string]any{"a": 1, "b": 2}
	assert.Equal(t, map[string]any{"a": 1}, Project(obj, []string{"a", "z"}))
	assert.Nil(t, Project(obj, []string{"z"}))
	assert.Equal(t, obj, Project(obj, nil))
}
