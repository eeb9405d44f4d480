package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"syscall"

	"github.com/courierd/courier/pkg/logger"
	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
)

var log = logger.Get("FFmpeg")

type Config struct {
	FfmpegBinPath  string
	FfprobeBinPath string
}

type Progress struct {
	FramesProcessed string
	CurrentTime     string
	CurrentBitrate  string
	Progress        float64
	Speed           string
}

// ConvertCommand runs a single ffmpeg conversion from the input path to the
// output path, reporting progress percentages derived from the probed
// duration of the input.
type ConvertCommand struct {
	inputPath      string
	outputPath     string
	config         *Config
	runningCommand *exec.Cmd
}

func NewCmd(input string, output string, config *Config) *ConvertCommand {
	return &ConvertCommand{input, output, config, nil}
}

func (cmd *ConvertCommand) Run(ctx context.Context, opts transcoder.Options, updateHandler func(*Progress)) error {
	instance := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   cmd.config.FfmpegBinPath,
			FfprobeBinPath:  cmd.config.FfprobeBinPath,
		}).
		Input(cmd.inputPath).
		Output(cmd.outputPath).
		WithContext(&ctx)

	os.MkdirAll(filepath.Dir(cmd.outputPath), os.ModeDir|os.ModePerm)

	progressChannel, err := instance.Start(opts)
	if err != nil {
		return parseFfmpegError(err)
	}

	cmd.runningCommand = instance.GetRunningCmdInstance()

	for {
		prog, ok := <-progressChannel
		if !ok {
			log.Emit(logger.DEBUG, "FFmpeg command has closed progress channel... conversion concluded\n")
			cmd.runningCommand = nil
			return nil
		}

		updateHandler(&Progress{
			FramesProcessed: prog.GetFramesProcessed(),
			CurrentTime:     prog.GetCurrentTime(),
			CurrentBitrate:  prog.GetCurrentBitrate(),
			Progress:        prog.GetProgress(),
			Speed:           prog.GetSpeed(),
		})
	}
}

func (cmd *ConvertCommand) Suspend() {
	if cmd.runningCommand == nil {
		log.Emit(logger.ERROR, "Cannot suspend FFmpeg instance %v because command is not initialised\n", cmd)
		return
	}

	cmd.runningCommand.Process.Signal(syscall.SIGTSTP)
	log.Emit(logger.SUCCESS, "Suspended conversion %v\n", cmd)
}

func (cmd *ConvertCommand) Continue() {
	if cmd.runningCommand == nil {
		log.Emit(logger.ERROR, "Cannot continue FFmpeg instance %v because command is not initialised\n", cmd)
		return
	}

	cmd.runningCommand.Process.Signal(syscall.SIGCONT)
	log.Emit(logger.SUCCESS, "Resumed conversion %v\n", cmd)
}

func (cmd *ConvertCommand) InputPath() string  { return cmd.inputPath }
func (cmd *ConvertCommand) OutputPath() string { return cmd.outputPath }

func (cmd *ConvertCommand) String() string {
	var pid int = -1
	if cmd.runningCommand != nil {
		pid = cmd.runningCommand.Process.Pid
	}

	return fmt.Sprintf("{ffmpeg pid=%d | in_path=%s | out_path=%s}", pid, cmd.inputPath, cmd.outputPath)
}

func parseFfmpegError(err error) error {
	// Try and pick out some relevant information from the HUGE
	// output log from ffmpeg. The error we get contains lots of information
	// about how the binary was compiled... this is useless info, we just
	// want the 'message' JSON that is encoded inside.
	messageMatcher := regexp.MustCompile(`(?s)message: ({.*})`)
	groups := messageMatcher.FindStringSubmatch(err.Error())
	if len(groups) == 0 {
		return err
	}

	// ffmpeg error is returned as a JSON encoded string. Unmarshal so we can extract the
	// error string..
	var out map[string]interface{}
	jsonErr := json.Unmarshal([]byte(groups[1]), &out)
	if jsonErr != nil {
		// We failed to extract the info.. just use the entire string as our error
		return errors.New(groups[1])
	}

	ffmpegException, ok := out["error"].(map[string]interface{})
	if !ok {
		return errors.New(groups[1])
	}

	return errors.New(ffmpegException["string"].(string))
}
