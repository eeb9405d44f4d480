package downloads_test

import (
	"testing"

	"github.com/courierd/courier/internal/api/downloads"
	"github.com/courierd/courier/internal/ytdlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewMetadataDto_CarriesFormatListing(t *testing.T) {
	metadata := &ytdlp.Metadata{
		ID:       "abc123",
		Title:    "Some Video",
		Uploader: "someone",
		Duration: 212.5,
		Formats: []ytdlp.Format{
			{ID: "251", Ext: "webm", Resolution: "audio only", Note: "medium"},
			{ID: "616", Ext: "mp4", Resolution: "1920x1080", Note: "Premium"},
		},
	}

	dto := downloads.NewMetadataDto(metadata)

	require.Len(t, dto.Formats, 2)
	assert.Equal(t, downloads.FormatDto{Id: "251", Ext: "webm", Resolution: "audio only", Note: "medium"}, dto.Formats[0])
	assert.Equal(t, downloads.FormatDto{Id: "616", Ext: "mp4", Resolution: "1920x1080", Note: "Premium"}, dto.Formats[1])
}
