package platform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestFirstString(t *testing.T) {
	m := decode(t, `{
		"aigc_data": {"history_record_id": "h123"},
		"item_list": [{"video": {"transcoded_video": {"origin": {"video_url": "https://cdn/x.mp4"}}}}]
	}`)

	assert.Equal(t, "h123", FirstString(m, "history_record_id", "aigc_data.history_record_id"))
	assert.Equal(t, "https://cdn/x.mp4",
		FirstString(m, "item_list.0.video.transcoded_video.origin.video_url"))
	assert.Empty(t, FirstString(m, "missing", "aigc_data.nope"))
	assert.Empty(t, FirstString(m, "item_list.5.video"))
}

func TestFirstNumber_CoercesNumericStrings(t *testing.T) {
	m := decode(t, `{"ret": "0", "data": {"status": 50}}`)

	n, ok := FirstNumber(m, "ret")
	require.True(t, ok)
	assert.Equal(t, 0.0, n)

	n, ok = FirstNumber(m, "data.status")
	require.True(t, ok)
	assert.Equal(t, 50.0, n)

	_, ok = FirstNumber(m, "data.missing")
	assert.False(t, ok)

	// Non-numeric strings do not coerce.
	m = decode(t, `{"ret": "ok"}`)
	_, ok = FirstNumber(m, "ret")
	assert.False(t, ok)
}

func TestFirstMapAndList(t *testing.T) {
	m := decode(t, `{"data": {"items": [1, 2]}}`)

	mm, ok := FirstMap(m, "data")
	require.True(t, ok)
	assert.Contains(t, mm, "items")

	l, ok := FirstList(m, "data.items")
	require.True(t, ok)
	assert.Len(t, l, 2)

	_, ok = FirstMap(m, "data.items")
	assert.False(t, ok)
}
