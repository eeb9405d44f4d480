package ffmpeg

import (
	"fmt"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
)

// ProbeFile extracts container/stream metadata using ffprobe.
func ProbeFile(path string, config *Config) (transcoder.Metadata, error) {
	cfg := ffmpeg.Config{
		FfmpegBinPath:  config.FfmpegBinPath,
		FfprobeBinPath: config.FfprobeBinPath,
	}

	metadata, err := ffmpeg.New(&cfg).Input(path).GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to extract file metadata information using ffprobe: %s", err.Error())
	}

	return metadata, nil
}
