package croc_test

import (
	"testing"

	"github.com/courierd/courier/internal/croc"
	"github.com/stretchr/testify/assert"
)

func Test_Parse_CodePhrase(t *testing.T) {
	parser := croc.NewParser()

	update := parser.Parse("Code is: 8283-canal-kiwi-sample")
	if assert.NotNil(t, update) {
		assert.Equal(t, "8283-canal-kiwi-sample", update.Code)
		assert.Nil(t, update.Progress)
	}
}

func Test_Parse_FileAnnouncements(t *testing.T) {
	tests := []struct {
		summary      string
		line         string
		expectedName string
		expectedSize uint64
	}{
		{"sending announcement", "Sending 'report.pdf' (1.2 MB)", "report.pdf", 1200000},
		{"accepting announcement", "Accepting 'holiday.zip' (256 kB)", "holiday.zip", 256000},
		{"receiving announcement", "Receiving 'notes.txt' (512 B)", "notes.txt", 512},
	}

	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			parser := croc.NewParser()
			update := parser.Parse(tt.line)
			if assert.NotNil(t, update) && assert.NotNil(t, update.File) {
				assert.Equal(t, tt.expectedName, update.File.Name)
				assert.Equal(t, tt.expectedSize, update.File.BytesTotal)
				assert.Equal(t, tt.expectedName, parser.CurrentFile())
			}
		})
	}
}

func Test_Parse_ProgressBar(t *testing.T) {
	parser := croc.NewParser()

	update := parser.Parse("report.pdf  42% |██████          | (12/28 MB, 3.2 MB/s) [4s:9s]")
	if assert.NotNil(t, update) && assert.NotNil(t, update.Progress) {
		prog := update.Progress
		assert.InDelta(t, 42.0, prog.Percent, 0.001)
		assert.Equal(t, uint64(12000000), prog.BytesDone)
		assert.Equal(t, uint64(28000000), prog.BytesTotal)
		assert.Equal(t, uint64(3200000), prog.SpeedBps)
		assert.Equal(t, 9, prog.EtaSeconds)
	}
}

func Test_Parse_ProgressBarWithoutEtaBlock(t *testing.T) {
	parser := croc.NewParser()

	// Older croc builds omit the trailing [elapsed:remaining] block; the ETA
	// should be derived from the remaining bytes and the speed.
	update := parser.Parse("big.iso  50% |███      | (500/1000 MB, 100 MB/s)")
	if assert.NotNil(t, update) && assert.NotNil(t, update.Progress) {
		assert.Equal(t, 5, update.Progress.EtaSeconds)
	}
}

func Test_Parse_ProgressWithoutSpeed(t *testing.T) {
	parser := croc.NewParser()

	update := parser.Parse("file.bin 10% |█        | (1/10 MB)")
	if assert.NotNil(t, update) && assert.NotNil(t, update.Progress) {
		assert.Equal(t, uint64(0), update.Progress.SpeedBps)
		assert.Equal(t, -1, update.Progress.EtaSeconds)
	}
}

func Test_Parse_Failure(t *testing.T) {
	parser := croc.NewParser()

	update := parser.Parse("croc: could not connect to relay")
	if assert.NotNil(t, update) {
		assert.Equal(t, "could not connect to relay", update.Failure)
	}
}

func Test_Parse_UnrecognizedLinesIgnored(t *testing.T) {
	parser := croc.NewParser()

	for _, line := range []string{
		"",
		"   ",
		"On the other computer run",
		"croc 8283-canal-kiwi-sample", // instruction echo, not a status line
		"some random noise",
	} {
		assert.Nil(t, parser.Parse(line), "line %q should not produce an update", line)
	}
}

func Test_Parse_PercentClamped(t *testing.T) {
	parser := croc.NewParser()

	update := parser.Parse("f 120% |█| (12/10 MB, 1 MB/s) [1s:0s]")
	if assert.NotNil(t, update) && assert.NotNil(t, update.Progress) {
		assert.InDelta(t, 100.0, update.Progress.Percent, 0.001)
	}
}
