package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Metadata is the subset of yt-dlp's JSON dump that front-ends care about
// when deciding what (and whether) to download. Formats lists the format
// IDs a subsequent download may select verbatim; playlists carry none.
type Metadata struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Uploader   string   `json:"uploader"`
	Duration   float64  `json:"duration"`
	Extractor  string   `json:"extractor"`
	WebpageURL string   `json:"webpage_url"`
	Thumbnail  string   `json:"thumbnail"`
	Formats    []Format `json:"formats"`
	IsPlaylist bool     `json:"-"`
	EntryCount int      `json:"-"`
}

// Format is a single entry of the dump's formats array.
type Format struct {
	ID         string `json:"format_id"`
	Ext        string `json:"ext"`
	Resolution string `json:"resolution"`
	Note       string `json:"format_note"`
}

// rawMetadata is used to sniff the playlist shape before committing to the
// single-video representation.
type rawMetadata struct {
	Metadata
	Type    string            `json:"_type"`
	Entries []json.RawMessage `json:"entries"`
}

// Probe runs 'yt-dlp -J' against the URL provided and returns the parsed
// metadata without downloading anything. Playlist URLs are flattened to the
// playlist title plus an entry count.
func Probe(ctx context.Context, url string, config *Config) (*Metadata, error) {
	bin := config.BinPath
	if bin == "" {
		bin = "yt-dlp"
	}

	proc := exec.CommandContext(ctx, bin, "-J", "--flat-playlist", "--no-warnings", url)
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	if err := proc.Run(); err != nil {
		if stderr.Len() > 0 {
			if groups := errorMatcher.FindSubmatch(stderr.Bytes()); groups != nil {
				return nil, fmt.Errorf("yt-dlp probe failed: %s", groups[1])
			}
		}

		return nil, fmt.Errorf("yt-dlp probe failed: %w", err)
	}

	var raw rawMetadata
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("yt-dlp probe returned malformed JSON: %w", err)
	}

	metadata := raw.Metadata
	if raw.Type == "playlist" {
		metadata.IsPlaylist = true
		metadata.EntryCount = len(raw.Entries)
	}

	return &metadata, nil
}
