package croc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/courierd/courier/pkg/logger"
)

var log = logger.Get("Croc")

type Config struct {
	BinPath string
}

// Command wraps a single invocation of the croc binary. The process writes
// all of it's status output to stderr, which is scanned incrementally and
// classified by a Parser; each resulting update is delivered to the
// callback supplied to Run.
type Command struct {
	args           []string
	workingDir     string
	config         *Config
	runningCommand *exec.Cmd
}

// NewSendCmd builds a croc 'send' invocation for the paths provided. The
// --yes flag suppresses croc's interactive confirmation prompt, which would
// otherwise stall a headless process forever.
func NewSendCmd(paths []string, config *Config) *Command {
	args := append([]string{"send"}, paths...)
	return &Command{args: args, config: config}
}

// NewReceiveCmd builds a croc receive invocation for the code phrase
// provided. The download lands in destDir.
func NewReceiveCmd(code string, destDir string, config *Config) *Command {
	return &Command{args: []string{code}, workingDir: destDir, config: config}
}

// Run spawns the croc process and blocks until it exits, delivering parsed
// updates to the handler as they arrive. Cancelling the context kills the
// process. A non-zero exit is returned as an error carrying the last
// failure line croc printed, if one was seen.
func (cmd *Command) Run(ctx context.Context, updateHandler func(*Update)) error {
	bin := cmd.config.BinPath
	if bin == "" {
		bin = "croc"
	}

	proc := exec.CommandContext(ctx, bin, append([]string{"--yes"}, cmd.args...)...)
	if cmd.workingDir != "" {
		proc.Dir = cmd.workingDir
	}

	stderr, err := proc.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open croc stderr pipe: %w", err)
	}
	proc.Stdout = proc.Stderr

	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to spawn croc: %w", err)
	}
	cmd.runningCommand = proc

	parser := NewParser()
	lastFailure := ""

	scanner := bufio.NewScanner(stderr)
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
		// Killed via cancellation; not an error we report
		return nil
	}

	if err != nil {
		if lastFailure != "" {
			return fmt.Errorf("croc exited abnormally: %s", lastFailure)
		}

		return fmt.Errorf("croc exited abnormally: %w", err)
	}

	return nil
}

// Suspend delivers SIGTSTP to the running croc process, pausing the
// transfer without tearing down the connection.
func (cmd *Command) Suspend() {
	if cmd.runningCommand == nil {
		log.Emit(logger.ERROR, "Cannot suspend croc instance %v because command is not initialised\n", cmd)
		return
	}

	cmd.runningCommand.Process.Signal(syscall.SIGTSTP)
	log.Emit(logger.SUCCESS, "Suspended transfer %v\n", cmd)
}

// Continue delivers SIGCONT to resume a previously suspended process.
func (cmd *Command) Continue() {
	if cmd.runningCommand == nil {
		log.Emit(logger.ERROR, "Cannot continue croc instance %v because command is not initialised\n", cmd)
		return
	}

	cmd.runningCommand.Process.Signal(syscall.SIGCONT)
	log.Emit(logger.SUCCESS, "Resumed transfer %v\n", cmd)
}

func (cmd *Command) String() string {
	var pid int = -1
	if cmd.runningCommand != nil {
		pid = cmd.runningCommand.Process.Pid
	}

	return fmt.Sprintf("{croc pid=%d | args=%v}", pid, cmd.args)
}

// scanLines splits on both newlines and carriage returns. croc redraws it's
// progress bar in-place using bare '\r', so a newline-only split would
// deliver the entire progress history as one giant token at process exit.
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
