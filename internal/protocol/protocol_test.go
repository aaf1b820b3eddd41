package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleLines(t *testing.T) {
	kvs := Parse("SUMMARY: ok\nDETAIL: fine")
	require.Len(t, kvs, 2)
	assert.Equal(t, KV{Key: "SUMMARY", Value: "ok"}, kvs[0])
	assert.Equal(t, KV{Key: "DETAIL", Value: "fine"}, kvs[1])
}

func TestParseContinuationRule(t *testing.T) {
	// A value continues until the next line matching ^[A-Z_]+: , per
	// DESIGN.md's Open Question resolution.
	raw := "SUMMARY: line one\nline two\nline three\nSTATUS: done"
	kvs := Parse(raw)
	require.Len(t, kvs, 2)
	assert.Equal(t, "line one\nline two\nline three", kvs[0].Value)
	assert.Equal(t, "done", kvs[1].Value)
}

func TestParseTrimsTrailingBlankLines(t *testing.T) {
	kvs := Parse("SUMMARY: ok\n\n\n")
	require.Len(t, kvs, 1)
	assert.Equal(t, "ok", kvs[0].Value)
}

func TestParseInlineJSONBlob(t *testing.T) {
	kvs := Parse(`STORIES_JSON: [{"story_id":"a","title":"A","input":"do A"}]`)
	require.Len(t, kvs, 1)
	assert.Equal(t, `[{"story_id":"a","title":"A","input":"do A"}]`, kvs[0].Value)
}

func TestParseIgnoresLowercaseKeyLookingLines(t *testing.T) {
	// lowercase keys don't match the key pattern, so they're swallowed as
	// continuation of whatever value preceded them (or dropped if none).
	kvs := Parse("not_a_key: value\nSUMMARY: ok")
	require.Len(t, kvs, 1)
	assert.Equal(t, "SUMMARY", kvs[0].Key)
}

func TestToMapLastWriteWins(t *testing.T) {
	m := ToMap([]KV{{Key: "A", Value: "1"}, {Key: "A", Value: "2"}})
	assert.Equal(t, "2", m["A"])
}

func TestMissingRequired(t *testing.T) {
	values := map[string]string{"SUMMARY": "ok", "DETAIL": "   "}
	missing := MissingRequired(values, []string{"SUMMARY", "DETAIL", "STATUS"})
	assert.ElementsMatch(t, []string{"DETAIL", "STATUS"}, missing)
}

func TestMissingRequiredNoneMissing(t *testing.T) {
	values := map[string]string{"SUMMARY": "ok"}
	assert.Empty(t, MissingRequired(values, []string{"SUMMARY"}))
}
