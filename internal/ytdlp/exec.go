package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/courierd/courier/pkg/logger"
)

var log = logger.Get("YtDlp")

const defaultOutputTemplate = "%(title)s [%(id)s].%(ext)s"

type Config struct {
	BinPath        string
	OutputTemplate string
}

// Command wraps a single yt-dlp invocation. --newline forces one progress
// report per line and --no-colors keeps ANSI escapes out of the stream the
// parser sees.
type Command struct {
	url            string
	format         string
	destDir        string
	config         *Config
	runningCommand *exec.Cmd
}

func NewDownloadCmd(url string, format string, destDir string, config *Config) *Command {
	return &Command{url: url, format: format, destDir: destDir, config: config}
}

func (cmd *Command) buildArgs() []string {
	template := cmd.config.OutputTemplate
	if template == "" {
		template = defaultOutputTemplate
	}

	args := []string{"--newline", "--no-colors", "-o", template}
	if cmd.destDir != "" {
		args = append(args, "-P", cmd.destDir)
	}
	if cmd.format != "" {
		args = append(args, "-f", cmd.format)
	}

	return append(args, cmd.url)
}

// Run spawns yt-dlp and blocks until it exits, delivering parsed updates to
// the handler as they arrive. Progress is written to stdout and errors to
// stderr; both streams are merged so 'ERROR:' lines are classified too.
// Cancelling the context kills the process.
func (cmd *Command) Run(ctx context.Context, updateHandler func(*Update)) error {
	bin := cmd.config.BinPath
	if bin == "" {
		bin = "yt-dlp"
	}

	proc := exec.CommandContext(ctx, bin, cmd.buildArgs()...)
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open yt-dlp stdout pipe: %w", err)
	}
	proc.Stderr = proc.Stdout

	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to spawn yt-dlp: %w", err)
	}
	cmd.runningCommand = proc

	parser := NewParser()
	lastFailure := ""

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	for scanner.Scan() {
		update := parser.Parse(scanner.Text())
		if update == nil {
			continue
		}

		if update.Failure != "" {
			lastFailure = update.Failure
		}

		updateHandler(update)
	}

	err = proc.Wait()
	cmd.runningCommand = nil
	if ctx.Err() != nil {
		return nil
	}

	if err != nil {
		if lastFailure != "" {
			return fmt.Errorf("yt-dlp exited abnormally: %s", lastFailure)
		}

		return fmt.Errorf("yt-dlp exited abnormally: %w", err)
	}

	return nil
}

func (cmd *Command) Suspend() {
	if cmd.runningCommand == nil {
		log.Emit(logger.ERROR, "Cannot suspend yt-dlp instance %v because command is not initialised\n", cmd)
		return
	}

	cmd.runningCommand.Process.Signal(syscall.SIGTSTP)
	log.Emit(logger.SUCCESS, "Suspended download %v\n", cmd)
}

func (cmd *Command) Continue() {
	if cmd.runningCommand == nil {
		log.Emit(logger.ERROR, "Cannot continue yt-dlp instance %v because command is not initialised\n", cmd)
		return
	}

	cmd.runningCommand.Process.Signal(syscall.SIGCONT)
	log.Emit(logger.SUCCESS, "Resumed download %v\n", cmd)
}

func (cmd *Command) String() string {
	var pid int = -1
	if cmd.runningCommand != nil {
		pid = cmd.runningCommand.Process.Pid
	}

	return fmt.Sprintf("{yt-dlp pid=%d | url=%s}", pid, cmd.url)
}

// scanLines splits on newlines and bare carriage returns, as some yt-dlp
// post-processors redraw their output in place even with --newline set.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}
