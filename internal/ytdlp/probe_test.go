package ytdlp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_MetadataDump_CapturesFormatListing(t *testing.T) {
	payload := `{
		"id": "abc123",
		"title": "Some Video",
		"uploader": "someone",
		"duration": 212.5,
		"formats": [
			{"format_id": "251", "ext": "webm", "resolution": "audio only", "format_note": "medium"},
			{"format_id": "616", "ext": "mp4", "resolution": "1920x1080", "format_note": "Premium"}
		]
	}`

	var raw rawMetadata
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))

	require.Len(t, raw.Formats, 2)
	assert.Equal(t, Format{ID: "251", Ext: "webm", Resolution: "audio only", Note: "medium"}, raw.Formats[0])
	assert.Equal(t, Format{ID: "616", Ext: "mp4", Resolution: "1920x1080", Note: "Premium"}, raw.Formats[1])
}

func Test_MetadataDump_PlaylistCarriesNoFormats(t *testing.T) {
	payload := `{"id": "xyz", "title": "Some Playlist", "_type": "playlist", "entries": [{}, {}, {}]}`

	var raw rawMetadata
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))

	assert.Equal(t, "playlist", raw.Type)
	assert.Len(t, raw.Entries, 3)
	assert.Empty(t, raw.Formats)
}
