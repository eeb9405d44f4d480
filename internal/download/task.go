package download

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/courierd/courier/internal/ffmpeg"
	"github.com/courierd/courier/internal/ytdlp"
	"github.com/floostack/transcoder"
	"github.com/google/uuid"
)

type (
	DownloadCommand interface {
		Run(context.Context, func(*ytdlp.Update)) error
		Suspend()
		Continue()
	}

	ConvertCommand interface {
		Run(context.Context, transcoder.Options, func(*ffmpeg.Progress)) error
		Suspend()
		Continue()
	}

	// processControl is the intersection of the two command types; it is
	// what pause/resume operate on regardless of the current stage.
	processControl interface {
		Suspend()
		Continue()
	}
)

type Kind int

const (
	DOWNLOAD Kind = iota
	CONVERT
)

type Stage int

const (
	StageDownload Stage = iota
	StageConvert
)

type TaskStatus int

const (
	WAITING TaskStatus = iota
	WORKING
	SUSPENDED
	TROUBLED
	CANCELLED
	COMPLETE
)

// Snapshot is the normalized progress view for a download task. Percent is
// the aggregate across stages: a task with a conversion step maps it's
// download stage to 0-50 and the conversion to 50-100; single-stage tasks
// map 1:1.
type Snapshot struct {
	Percent     float64
	Stage       Stage
	BytesTotal  uint64
	SpeedBps    uint64
	EtaSeconds  int
	Destination string
	ItemIndex   int
	ItemCount   int
}

// Task represents a single media download (or standalone conversion)
// managed by the download service.
type Task struct {
	id        uuid.UUID
	kind      Kind
	url       string
	format    string
	destDir   string
	convertTo string
	inputPath string

	stage        Stage
	outputPath   string
	status       TaskStatus
	trouble      string
	lastProgress *Snapshot
	command      processControl
	cancel       context.CancelFunc
	recorded     bool

	// claimed is set (under the owning service's lock) when the task has
	// been selected for spawning, ahead of Run marking it WORKING.
	claimed bool

	itemIndex int
	itemCount int
}

func newDownloadTask(url string, format string, destDir string, convertTo string) *Task {
	return &Task{
		id:        uuid.New(),
		kind:      DOWNLOAD,
		url:       url,
		format:    format,
		destDir:   destDir,
		convertTo: strings.TrimPrefix(convertTo, "."),
		status:    WAITING,
		itemCount: 1,
		itemIndex: 1,
	}
}

func newConvertTask(inputPath string, targetFormat string) *Task {
	return &Task{
		id:        uuid.New(),
		kind:      CONVERT,
		inputPath: inputPath,
		convertTo: strings.TrimPrefix(targetFormat, "."),
		stage:     StageConvert,
		status:    WAITING,
		itemCount: 1,
		itemIndex: 1,
	}
}

type commandFactories struct {
	download func(*Task) DownloadCommand
	convert  func(*Task) ConvertCommand
}

// Run drives the task through it's stages, blocking until the final stage
// concludes. onUpdate is invoked after every state mutation.
func (task *Task) Run(ctx context.Context, factories commandFactories, onUpdate func(*Task)) error {
	if task.command != nil {
		return errors.New("cannot start download task because a command is already set (conflict)")
	}

	runCtx, cancel := context.WithCancel(ctx)
	task.cancel = cancel
	defer func() {
		task.command = nil
		task.cancel = nil
		cancel()
	}()

	task.status = WORKING

	if task.kind == DOWNLOAD {
		if err := task.runDownloadStage(runCtx, factories.download, onUpdate); err != nil {
			return err
		}

		if runCtx.Err() != nil {
			task.status = CANCELLED
			return nil
		}
	}

	if task.hasConvertStage() {
		if task.convertInputPath() == "" {
			err := errors.New("conversion input is unknown because the download reported no destination")
			task.status = TROUBLED
			task.trouble = err.Error()
			return err
		}

		if err := task.runConvertStage(runCtx, factories.convert, onUpdate); err != nil {
			return err
		}

		if runCtx.Err() != nil {
			task.status = CANCELLED
			return nil
		}
	}

	task.status = COMPLETE
	task.setStagePercent(100)
	onUpdate(task)
	return nil
}

func (task *Task) runDownloadStage(ctx context.Context, makeCommand func(*Task) DownloadCommand, onUpdate func(*Task)) error {
	command := makeCommand(task)
	task.command = command

	err := command.Run(ctx, func(update *ytdlp.Update) {
		task.applyDownloadUpdate(update)
		onUpdate(task)
	})
	if err != nil {
		task.status = TROUBLED
		task.trouble = err.Error()
		return fmt.Errorf("download task failed due to command error: %w", err)
	}

	task.setStagePercent(100)
	return nil
}

func (task *Task) runConvertStage(ctx context.Context, makeCommand func(*Task) ConvertCommand, onUpdate func(*Task)) error {
	task.stage = StageConvert
	onUpdate(task)

	command := makeCommand(task)
	task.command = command

	format := task.convertTo
	opts := ffmpegOptions(format)
	err := command.Run(ctx, opts, func(progress *ffmpeg.Progress) {
		task.applyConvertProgress(progress)
		onUpdate(task)
	})
	if err != nil {
		task.status = TROUBLED
		task.trouble = err.Error()
		return fmt.Errorf("conversion failed due to command error: %w", err)
	}

	return nil
}

// applyDownloadUpdate folds one classified yt-dlp output line in to the
// tasks state.
func (task *Task) applyDownloadUpdate(update *ytdlp.Update) {
	switch {
	case update.Progress != nil:
		prog := update.Progress
		task.lastProgress = &Snapshot{
			Percent:     task.aggregatePercent(task.itemPercent(prog.Percent)),
			Stage:       StageDownload,
			BytesTotal:  prog.BytesTotal,
			SpeedBps:    prog.SpeedBps,
			EtaSeconds:  prog.EtaSeconds,
			Destination: task.outputPath,
			ItemIndex:   task.itemIndex,
			ItemCount:   task.itemCount,
		}
	case update.Destination != "":
		task.outputPath = update.Destination
	case update.Merged != "":
		// The format fragments reported earlier are deleted once yt-dlp
		// merges them; the merged file is the real download output.
		task.outputPath = update.Merged
		task.setStagePercent(100)
	case update.Item != nil:
		task.itemIndex = update.Item.Index
		task.itemCount = update.Item.Count
	case update.PostProcessor != "":
		// Post-processing means the raw download finished; pin the stage
		task.setStagePercent(100)
	case update.AlreadyDownloaded != "":
		task.outputPath = update.AlreadyDownloaded
		task.setStagePercent(100)
	case update.Failure != "":
		task.trouble = update.Failure
	}
}

func (task *Task) applyConvertProgress(progress *ffmpeg.Progress) {
	percent := progress.Progress
	if percent > 100 {
		percent = 100
	}

	task.lastProgress = &Snapshot{
		Percent:     task.aggregatePercent(percent),
		Stage:       StageConvert,
		EtaSeconds:  -1,
		Destination: task.convertOutputPath(),
		ItemIndex:   task.itemIndex,
		ItemCount:   task.itemCount,
	}
}

// itemPercent scales a per-item percentage across a playlist, so item 3 of
// 4 at 50% reports as 62.5% overall.
func (task *Task) itemPercent(percent float64) float64 {
	if task.itemCount <= 1 {
		return percent
	}

	return (float64(task.itemIndex-1) + percent/100) / float64(task.itemCount) * 100
}

// aggregatePercent maps a stage-local percentage on to the tasks overall
// 0-100 range. Two-stage tasks split the range evenly between stages.
func (task *Task) aggregatePercent(stagePercent float64) float64 {
	if !task.hasConvertStage() || task.kind == CONVERT {
		return stagePercent
	}

	if task.stage == StageDownload {
		return stagePercent / 2
	}

	return 50 + stagePercent/2
}

func (task *Task) setStagePercent(percent float64) {
	destination := task.outputPath
	if task.stage == StageConvert {
		destination = task.convertOutputPath()
	}

	snapshot := &Snapshot{
		Percent:     task.aggregatePercent(percent),
		Stage:       task.stage,
		EtaSeconds:  -1,
		Destination: destination,
		ItemIndex:   task.itemIndex,
		ItemCount:   task.itemCount,
	}
	if task.lastProgress != nil {
		snapshot.BytesTotal = task.lastProgress.BytesTotal
	}

	task.lastProgress = snapshot
}

// hasConvertStage is decided from the task parameters alone so that the
// 0-50/50-100 progress split applies from the very first parsed line.
func (task *Task) hasConvertStage() bool {
	return task.kind == CONVERT || task.convertTo != ""
}

// convertInputPath is the file the conversion stage reads: for standalone
// conversions it is the user-supplied input, for downloads it is whatever
// file yt-dlp reported as it's destination.
func (task *Task) convertInputPath() string {
	if task.kind == CONVERT {
		return task.inputPath
	}

	return task.outputPath
}

func (task *Task) convertOutputPath() string {
	input := task.convertInputPath()
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "." + task.convertTo
}

func (task *Task) interrupt() error {
	if task.status == WAITING {
		task.status = CANCELLED
		return nil
	}

	if task.cancel == nil {
		return fmt.Errorf("task %s is not in a cancellable state", task.id)
	}

	task.cancel()
	return nil
}

func (task *Task) pause() error {
	if task.status != WORKING || task.command == nil {
		return fmt.Errorf("cannot pause task %s as it is not running", task.id)
	}

	task.command.Suspend()
	task.status = SUSPENDED
	return nil
}

func (task *Task) resume() error {
	if task.status != SUSPENDED {
		return fmt.Errorf("cannot resume task %s as it is not suspended", task.id)
	}

	task.command.Continue()
	task.status = WORKING
	return nil
}

func (task *Task) clone() *Task {
	if task.kind == CONVERT {
		return newConvertTask(task.inputPath, task.convertTo)
	}

	return newDownloadTask(task.url, task.format, task.destDir, task.convertTo)
}

func (task *Task) ID() uuid.UUID           { return task.id }
func (task *Task) Kind() Kind              { return task.kind }
func (task *Task) URL() string             { return task.url }
func (task *Task) Format() string          { return task.format }
func (task *Task) DestDir() string         { return task.destDir }
func (task *Task) ConvertTo() string       { return task.convertTo }
func (task *Task) InputPath() string       { return task.inputPath }
func (task *Task) OutputPath() string      { return task.outputPath }
func (task *Task) Stage() Stage            { return task.stage }
func (task *Task) Status() TaskStatus      { return task.status }
func (task *Task) Trouble() string         { return task.trouble }
func (task *Task) LastProgress() *Snapshot { return task.lastProgress }

func (task *Task) String() string {
	return fmt.Sprintf("Download{ID=%s Kind=%s Status=%s}", task.id, task.kind, task.status)
}

func (k Kind) String() string {
	if k == DOWNLOAD {
		return "DOWNLOAD"
	}

	return "CONVERT"
}

func (s Stage) String() string {
	if s == StageDownload {
		return "downloading"
	}

	return "converting"
}

func (s TaskStatus) String() string {
	switch s {
	case WAITING:
		return fmt.Sprintf("WAITING[%d]", s)
	case WORKING:
		return fmt.Sprintf("WORKING[%d]", s)
	case SUSPENDED:
		return fmt.Sprintf("SUSPENDED[%d]", s)
	case TROUBLED:
		return fmt.Sprintf("TROUBLED[%d]", s)
	case CANCELLED:
		return fmt.Sprintf("CANCELLED[%d]", s)
	case COMPLETE:
		return fmt.Sprintf("COMPLETE[%d]", s)
	}

	return fmt.Sprintf("UNKNOWN[%d]", s)
}
