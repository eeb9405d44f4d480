package ytdlp_test

import (
	"testing"

	"github.com/courierd/courier/internal/ytdlp"
	"github.com/stretchr/testify/assert"
)

func Test_Parse_DownloadProgress(t *testing.T) {
	parser := ytdlp.NewParser()

	update := parser.Parse("[download]  42.5% of   10.55MiB at    2.34MiB/s ETA 00:12")
	if assert.NotNil(t, update) && assert.NotNil(t, update.Progress) {
		prog := update.Progress
		assert.InDelta(t, 42.5, prog.Percent, 0.001)
		assert.InDelta(t, 10.55*1024*1024, float64(prog.BytesTotal), 1)
		assert.InDelta(t, 2.34*1024*1024, float64(prog.SpeedBps), 1)
		assert.Equal(t, 12, prog.EtaSeconds)
		assert.False(t, prog.Approximate)
	}
}

func Test_Parse_ApproximateSizeAndUnknowns(t *testing.T) {
	parser := ytdlp.NewParser()

	update := parser.Parse("[download]   0.1% of ~  1.10GiB at  Unknown B/s ETA Unknown")
	if assert.NotNil(t, update) && assert.NotNil(t, update.Progress) {
		prog := update.Progress
		assert.InDelta(t, 0.1, prog.Percent, 0.001)
		assert.True(t, prog.Approximate)
		assert.Equal(t, uint64(0), prog.SpeedBps)
		assert.Equal(t, -1, prog.EtaSeconds)
	}
}

func Test_Parse_CompletionSummaryLine(t *testing.T) {
	parser := ytdlp.NewParser()

	update := parser.Parse("[download] 100% of   10.55MiB in 00:05")
	if assert.NotNil(t, update) && assert.NotNil(t, update.Progress) {
		assert.InDelta(t, 100.0, update.Progress.Percent, 0.001)
		assert.Equal(t, -1, update.Progress.EtaSeconds)
	}
}

func Test_Parse_Destination(t *testing.T) {
	parser := ytdlp.NewParser()

	update := parser.Parse("[download] Destination: Some Video [dQw4w9WgXcQ].webm")
	if assert.NotNil(t, update) {
		assert.Equal(t, "Some Video [dQw4w9WgXcQ].webm", update.Destination)
	}
}

func Test_Parse_PlaylistItemCounter(t *testing.T) {
	parser := ytdlp.NewParser()

	update := parser.Parse("[download] Downloading item 3 of 12")
	if assert.NotNil(t, update) && assert.NotNil(t, update.Item) {
		assert.Equal(t, 3, update.Item.Index)
		assert.Equal(t, 12, update.Item.Count)
	}
}

func Test_Parse_AlreadyDownloaded(t *testing.T) {
	parser := ytdlp.NewParser()

	update := parser.Parse("[download] Some Video [dQw4w9WgXcQ].webm has already been downloaded")
	if assert.NotNil(t, update) {
		assert.Equal(t, "Some Video [dQw4w9WgXcQ].webm", update.AlreadyDownloaded)
	}
}

func Test_Parse_PostProcessors(t *testing.T) {
	tests := []struct {
		line     string
		expected string
	}{
		{"[ExtractAudio] Destination: audio.mp3", "ExtractAudio"},
		{"[ffmpeg] Correcting container of \"clip.m4a\"", "ffmpeg"},
		{"[Metadata] Adding metadata to \"clip.mp4\"", "Metadata"},
	}

	for _, tt := range tests {
		parser := ytdlp.NewParser()
		update := parser.Parse(tt.line)
		if assert.NotNil(t, update, "line %q", tt.line) {
			assert.Equal(t, tt.expected, update.PostProcessor)
		}
	}
}

func Test_Parse_MergerCapturesMergedDestination(t *testing.T) {
	parser := ytdlp.NewParser()

	update := parser.Parse(`[Merger] Merging formats into "Some Video [dQw4w9WgXcQ].mkv"`)
	if assert.NotNil(t, update) {
		assert.Equal(t, "Some Video [dQw4w9WgXcQ].mkv", update.Merged)
		assert.Empty(t, update.PostProcessor)
	}
}

func Test_Parse_ErrorLine(t *testing.T) {
	parser := ytdlp.NewParser()

	update := parser.Parse("ERROR: [youtube] abc123: Video unavailable")
	if assert.NotNil(t, update) {
		assert.Equal(t, "[youtube] abc123: Video unavailable", update.Failure)
	}
}

func Test_Parse_LongEta(t *testing.T) {
	parser := ytdlp.NewParser()

	update := parser.Parse("[download]   1.0% of 4.00GiB at 1.00MiB/s ETA 1:07:30")
	if assert.NotNil(t, update) && assert.NotNil(t, update.Progress) {
		assert.Equal(t, 4050, update.Progress.EtaSeconds)
	}
}

func Test_Parse_UnrecognizedLinesIgnored(t *testing.T) {
	parser := ytdlp.NewParser()

	for _, line := range []string{
		"",
		"[youtube] Extracting URL: https://example.com",
		"[info] Downloading 1 format(s): 248+251",
		"random noise",
	} {
		assert.Nil(t, parser.Parse(line), "line %q should not produce an update", line)
	}
}
