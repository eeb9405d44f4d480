package ytdlp

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// yt-dlp tags every status line with the component that produced it
// ('[download]', '[Merger]', ...). Progress lines are re-drawn in place
// unless --newline is passed; the Command always passes it, but the parser
// still tolerates carriage-return separated input.
var (
	downloadMatcher = regexp.MustCompile(`^\[download\]\s+([\d.]+)% of ~?\s*([\d.]+)([KMGTP]i?B)(?:\s+(?:at\s+(?:([\d.]+)([KMGTP]i?B)/s|Unknown\s+\S*)|in\s+[\d:]+))?(?:\s+ETA\s+([\d:]+|Unknown))?`)
	destMatcher     = regexp.MustCompile(`^\[download\] Destination: (.+)$`)
	itemMatcher     = regexp.MustCompile(`^\[download\] Downloading item (\d+) of (\d+)$`)
	alreadyMatcher  = regexp.MustCompile(`^\[download\] (.+) has already been downloaded`)
	mergerMatcher   = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"`)
	postMatcher     = regexp.MustCompile(`^\[(Merger|ExtractAudio|VideoConvertor|VideoRemuxer|FixupM3u8|FixupM4a|Metadata|EmbedThumbnail|ffmpeg)\]`)
	errorMatcher    = regexp.MustCompile(`^ERROR:\s*(.+)$`)
)

type (
	// Progress is a snapshot derived from a single '[download]' line. An
	// EtaSeconds of -1 means yt-dlp reported no (or an 'Unknown') ETA.
	Progress struct {
		Percent     float64
		BytesTotal  uint64
		Approximate bool
		SpeedBps    uint64
		EtaSeconds  int
	}

	// PlaylistItem reports the position within a playlist download.
	PlaylistItem struct {
		Index int
		Count int
	}

	// Update is the result of classifying one line of yt-dlp output. At
	// most one field is populated. Merged carries the output of the merge
	// post-processor; yt-dlp deletes the per-format fragments it announced
	// via Destination once the merge completes, so Merged supersedes them.
	Update struct {
		Progress          *Progress
		Destination       string
		Item              *PlaylistItem
		Merged            string
		PostProcessor     string
		AlreadyDownloaded string
		Failure           string
	}

	Parser struct{}
)

func NewParser() *Parser {
	return &Parser{}
}

// Parse classifies the line provided and returns the resulting update, or
// nil if the line carries no information we track. Ordering matters: the
// more specific '[download]' sub-patterns (destination, playlist item,
// already-downloaded) are tried before the generic percent matcher.
func (parser *Parser) Parse(line string) *Update {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if groups := destMatcher.FindStringSubmatch(line); groups != nil {
		return &Update{Destination: groups[1]}
	}

	if groups := itemMatcher.FindStringSubmatch(line); groups != nil {
		index, _ := strconv.Atoi(groups[1])
		count, _ := strconv.Atoi(groups[2])
		return &Update{Item: &PlaylistItem{Index: index, Count: count}}
	}

	if groups := alreadyMatcher.FindStringSubmatch(line); groups != nil {
		return &Update{AlreadyDownloaded: groups[1]}
	}

	if groups := downloadMatcher.FindStringSubmatch(line); groups != nil {
		return &Update{Progress: parseProgress(line, groups)}
	}

	if groups := mergerMatcher.FindStringSubmatch(line); groups != nil {
		return &Update{Merged: groups[1]}
	}

	if groups := postMatcher.FindStringSubmatch(line); groups != nil {
		return &Update{PostProcessor: groups[1]}
	}

	if groups := errorMatcher.FindStringSubmatch(line); groups != nil {
		return &Update{Failure: groups[1]}
	}

	return nil
}

func parseProgress(line string, groups []string) *Progress {
	percent, _ := strconv.ParseFloat(groups[1], 64)
	if percent > 100 {
		percent = 100
	}

	total, _ := humanize.ParseBytes(groups[2] + groups[3])

	var speed uint64
	if groups[4] != "" {
		speed, _ = humanize.ParseBytes(groups[4] + groups[5])
	}

	eta := -1
	if groups[6] != "" && groups[6] != "Unknown" {
		eta = parseClock(groups[6])
	}

	return &Progress{
		Percent:     percent,
		BytesTotal:  total,
		Approximate: strings.Contains(line, "of ~"),
		SpeedBps:    speed,
		EtaSeconds:  eta,
	}
}

// parseClock converts yt-dlp's 'MM:SS' / 'HH:MM:SS' ETA tokens to seconds.
// Malformed tokens yield -1.
func parseClock(token string) int {
	parts := strings.Split(token, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return -1
	}

	total := 0
	for _, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil {
			return -1
		}

		total = total*60 + value
	}

	return total
}
