package croc

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// croc writes human-oriented status lines to stderr; there is no machine
// readable mode. Each line is classified against the patterns below and
// anything unrecognized is discarded.
var (
	codeMatcher     = regexp.MustCompile(`Code is: ([A-Za-z0-9-]+)`)
	announceMatcher = regexp.MustCompile(`(?:Sending|Accepting|Receiving) '([^']+)' \(([\d.]+ ?[kKMGTP]?i?B)\)`)
	progressMatcher = regexp.MustCompile(`([\d.]+)%\s*\|[^|]*\|\s*\(([\d.]+)/([\d.]+)\s*([kKMGTP]?i?B)(?:,\s*([\d.]+)\s*([kKMGTP]?i?B)/s)?\)(?:\s*\[(\d+)s:(\d+)s\])?`)
	failureMatcher  = regexp.MustCompile(`^croc: (.+)$`)
)

type (
	// Progress is a snapshot derived from a single croc progress-bar line.
	Progress struct {
		Percent    float64
		BytesDone  uint64
		BytesTotal uint64
		SpeedBps   uint64
		EtaSeconds int
	}

	// FileAnnouncement is emitted when croc announces the file it is about
	// to send or receive.
	FileAnnouncement struct {
		Name       string
		BytesTotal uint64
	}

	// Update is the result of classifying one line of croc output. At most
	// one of the fields is populated; a zero Update means the line did not
	// match any known pattern.
	Update struct {
		Code     string
		File     *FileAnnouncement
		Progress *Progress
		Failure  string
	}

	// Parser classifies croc output line-by-line. It is stateful: progress
	// lines do not repeat the file name, so the most recent announcement is
	// retained and stamped onto each snapshot.
	Parser struct {
		currentFile string
	}
)

func NewParser() *Parser {
	return &Parser{}
}

// CurrentFile returns the name from the most recent file announcement, or
// an empty string when no announcement has been seen yet.
func (parser *Parser) CurrentFile() string { return parser.currentFile }

// Parse classifies the line provided and returns the resulting update, or
// nil if the line carries no information we track.
func (parser *Parser) Parse(line string) *Update {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if groups := codeMatcher.FindStringSubmatch(line); groups != nil {
		return &Update{Code: groups[1]}
	}

	if groups := announceMatcher.FindStringSubmatch(line); groups != nil {
		size, err := humanize.ParseBytes(groups[2])
		if err != nil {
			size = 0
		}

		parser.currentFile = groups[1]
		return &Update{File: &FileAnnouncement{Name: groups[1], BytesTotal: size}}
	}

	if groups := progressMatcher.FindStringSubmatch(line); groups != nil {
		return &Update{Progress: parser.parseProgress(groups)}
	}

	if groups := failureMatcher.FindStringSubmatch(line); groups != nil {
		return &Update{Failure: groups[1]}
	}

	return nil
}

// parseProgress converts the capture groups of a progress-bar line in to a
// normalized snapshot. The done/total pair share a single unit suffix
// (e.g. '12/28 MB'), and the trailing '[elapsed:remaining]' block is only
// present on newer croc versions - when missing, the ETA is derived from
// the remaining byte count and the parsed transfer speed.
func (parser *Parser) parseProgress(groups []string) *Progress {
	percent, _ := strconv.ParseFloat(groups[1], 64)
	done, _ := humanize.ParseBytes(groups[2] + groups[4])
	total, _ := humanize.ParseBytes(groups[3] + groups[4])

	var speed uint64
	if groups[5] != "" {
		speed, _ = humanize.ParseBytes(groups[5] + groups[6])
	}

	eta := -1
	if groups[8] != "" {
		if remaining, err := strconv.Atoi(groups[8]); err == nil {
			eta = remaining
		}
	} else if speed > 0 && total > done {
		eta = int((total - done) / speed)
	}

	if percent > 100 {
		percent = 100
	}

	return &Progress{
		Percent:    percent,
		BytesDone:  done,
		BytesTotal: total,
		SpeedBps:   speed,
		EtaSeconds: eta,
	}
}
