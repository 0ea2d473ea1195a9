package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONDirect(t *testing.T) {
	doc, err := ExtractJSON(`  {"overall": "low", "findings": []}  `)
	require.NoError(t, err)
	assert.JSONEq(t, `{"overall": "low", "findings": []}`, string(doc))

	doc, err = ExtractJSON(`[1, 2, 3]`)
	require.NoError(t, err)
	assert.Equal(t, `[1, 2, 3]`, string(doc))
}

func TestExtractJSONFromFence(t *testing.T) {
	reply := "Here is the result:\n```json\n{\"purpose\": \"database server\"}\n```\nLet me know if you need more."
	doc, err := ExtractJSON(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"purpose": "database server"}`, string(doc))
}

func TestExtractJSONSkipsNonJSONFences(t *testing.T) {
	reply := "```bash\nnginx -T\n```\nand the analysis:\n```\n{\"ok\": true}\n```"
	doc, err := ExtractJSON(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(doc))
}

func TestExtractJSONFirstBalancedRun(t *testing.T) {
	reply := `The scan found changes. {"overall": "high", "summary": "a service vanished"} That is all.`
	doc, err := ExtractJSON(reply)
	require.NoError(t, err)

	var parsed struct {
		Overall string `json:"overall"`
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Equal(t, "high", parsed.Overall)
}

func TestExtractJSONSkipsProseBraces(t *testing.T) {
	reply := `The set {nginx, redis} changed. Result: {"overall": "low"}`
	doc, err := ExtractJSON(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"overall": "low"}`, string(doc))
}

func TestExtractJSONHandlesBracesInStrings(t *testing.T) {
	reply := `Note: {"msg": "literal } brace and \" quote", "n": 1} trailing prose`
	doc, err := ExtractJSON(reply)
	require.NoError(t, err)

	var parsed struct {
		Msg string `json:"msg"`
		N   int    `json:"n"`
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Equal(t, `literal } brace and " quote`, parsed.Msg)
	assert.Equal(t, 1, parsed.N)
}

func TestExtractJSONRejectsPlainProse(t *testing.T) {
	_, err := ExtractJSON("I could not produce an assessment this time.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no json document")
}

func TestExtractJSONRejectsBareScalar(t *testing.T) {
	_, err := ExtractJSON(`42`)
	require.Error(t, err)
}
