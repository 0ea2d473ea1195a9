package rawdoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndAccessors(t *testing.T) {
	doc, err := Parse([]byte(`{
		"hostname": "web-1",
		"uptime_seconds": 86400,
		"load": 1.25,
		"virtual": true,
		"os": {"distro": "debian", "version": "12"},
		"listeners": [
			{"port": 80, "process": "nginx"},
			{"port": "5432", "process": "postgres"},
			"garbage"
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "web-1", Str(doc, "hostname"))
	assert.Equal(t, "", Str(doc, "missing"))
	assert.Equal(t, int64(86400), SafeInt(doc, "uptime_seconds"))
	assert.Equal(t, 1.25, SafeFloat(doc, "load"))
	assert.True(t, Bool(doc, "virtual"))

	os := Object(doc, "os")
	require.NotNil(t, os)
	assert.Equal(t, "debian", Str(os, "distro"))

	listeners := Objects(doc, "listeners")
	require.Len(t, listeners, 2, "non-object elements are dropped")
	assert.Equal(t, int64(80), SafeInt(listeners[0], "port"))
	assert.Equal(t, int64(5432), SafeInt(listeners[1], "port"), "numeric strings convert")
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.Error(t, err)
}

func TestNilDocIsSafe(t *testing.T) {
	var d Doc
	assert.Equal(t, "", Str(d, "x"))
	assert.Equal(t, int64(0), SafeInt(d, "x"))
	assert.Equal(t, 0.0, SafeFloat(d, "x"))
	assert.False(t, Bool(d, "x"))
	assert.Nil(t, Object(d, "x"))
	assert.Nil(t, Array(d, "x"))
}

func TestSafeIntFallbacks(t *testing.T) {
	d := Doc{"a": "12.9", "b": "abc", "c": true}
	assert.Equal(t, int64(12), SafeInt(d, "a"))
	assert.Equal(t, int64(0), SafeInt(d, "b"))
	assert.Equal(t, int64(0), SafeInt(d, "c"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0), "non-positive max means no limit")
}
