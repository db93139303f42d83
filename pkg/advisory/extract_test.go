package advisory

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObjectFullParse(t *testing.T) {
	obj, mode := ExtractJSONObject(`{"a": 1, "b": {"c": 2}}`)
	require.NotNil(t, obj)
	assert.Equal(t, ParseFull, mode)
	assert.Equal(t, 1.0, obj["a"])
}

func TestExtractJSONObjectFromProse(t *testing.T) {
	raw := "Sure! Here is the plan:\n```json\n{\"needs_tools\": true, \"note\": \"a {brace} in a string\"}\n```\nLet me know."
	obj, mode := ExtractJSONObject(raw)
	require.NotNil(t, obj)
	assert.Equal(t, ParseExtracted, mode)
	assert.Equal(t, true, obj["needs_tools"])
	assert.Equal(t, "a {brace} in a string", obj["note"])
}

func TestExtractJSONObjectNestedAndEscapes(t *testing.T) {
	raw := `noise {"outer": {"inner": "quote \" and brace }"}, "n": 3} trailing {"second": true}`
	obj, mode := ExtractJSONObject(raw)
	require.NotNil(t, obj)
	assert.Equal(t, ParseExtracted, mode)
	assert.Equal(t, 3.0, obj["n"])
	_, hasSecond := obj["second"]
	assert.False(t, hasSecond, "only the first balanced object is taken")
}

func TestExtractJSONObjectFailures(t *testing.T) {
	cases := map[string]struct {
		raw  string
		mode string
	}{
		"empty":             {"", ParseEmpty},
		"whitespace":        {"   \n\t ", ParseEmpty},
		"no object":         {"I cannot help with that.", ParseNoObject},
		"unterminated":      {`{"a": 1`, ParseInvalid},
		"unterminated str":  {`{"a": "oops`, ParseInvalid},
		"invalid extracted": {`prefix {"a": } suffix`, ParseInvalidExtracted},
		"array only":        {`[1, 2, 3]`, ParseNoObject},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			obj, mode := ExtractJSONObject(tc.raw)
			assert.Nil(t, obj)
			assert.Equal(t, tc.mode, mode)
		})
	}
}

// Property: text without an opening brace never yields an object, and
// whatever the input, a non-nil result implies a success parse mode.
func TestExtractJSONObjectProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no brace means no object", prop.ForAll(
		func(s string) bool {
			cleaned := strings.ReplaceAll(s, "{", "")
			obj, mode := ExtractJSONObject(cleaned)
			if obj != nil {
				return false
			}
			return mode == ParseEmpty || mode == ParseNoObject
		},
		gen.AnyString(),
	))

	properties.Property("non-nil result has success mode", prop.ForAll(
		func(s string) bool {
			obj, mode := ExtractJSONObject(s)
			if obj == nil {
				return mode != ParseFull && mode != ParseExtracted
			}
			return mode == ParseFull || mode == ParseExtracted
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
