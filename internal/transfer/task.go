package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/courierd/courier/internal/croc"
	"github.com/google/uuid"
)

type Command interface {
	Run(context.Context, func(*croc.Update)) error
	Suspend()
	Continue()
}

type Direction int

const (
	SEND Direction = iota
	RECEIVE
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

// Snapshot is the normalized view of a transfer's progress, derived from
// the most recent croc output line that carried progress information.
type Snapshot struct {
	Percent     float64
	BytesDone   uint64
	BytesTotal  uint64
	SpeedBps    uint64
	EtaSeconds  int
	CurrentFile string
}

// Task represents a single peer-to-peer transfer (one croc process)
// managed by the transfer service. The ID held inside of the task is what
// should be used to retrieve it from the service for management and
// monitoring.
type Task struct {
	id        uuid.UUID
	direction Direction
	paths     []string
	code      string
	destDir   string

	command      Command
	status       TaskStatus
	trouble      string
	lastProgress *Snapshot
	cancel       context.CancelFunc
	recorded     bool

	// claimed is set (under the owning service's lock) when the task has
	// been selected for spawning, ahead of Run marking it WORKING.
	claimed bool
}

func newSendTask(paths []string) *Task {
	return &Task{
		id:        uuid.New(),
		direction: SEND,
		paths:     paths,
		status:    WAITING,
	}
}

func newReceiveTask(code string, destDir string) *Task {
	return &Task{
		id:        uuid.New(),
		direction: RECEIVE,
		code:      code,
		destDir:   destDir,
		status:    WAITING,
	}
}

// Run spawns the underlying croc command and blocks until it concludes.
// Parsed updates mutate the tasks live state; onUpdate is invoked after
// each mutation so the owning service can fan the change out.
func (task *Task) Run(ctx context.Context, makeCommand func(*Task) Command, onUpdate func(*Task)) error {
	if task.command != nil {
		return errors.New("cannot start transfer task because a command is already set (conflict)")
	}

	runCtx, cancel := context.WithCancel(ctx)
	task.cancel = cancel
	task.command = makeCommand(task)
	defer func() {
		task.command = nil
		task.cancel = nil
		cancel()
	}()

	task.status = WORKING
	err := task.command.Run(runCtx, func(update *croc.Update) {
		task.applyUpdate(update)
		onUpdate(task)
	})

	if err != nil {
		task.status = TROUBLED
		task.trouble = err.Error()
		return fmt.Errorf("transfer task failed due to command error: %w", err)
	}

	if runCtx.Err() != nil {
		task.status = CANCELLED
		return nil
	}

	task.status = COMPLETE
	if task.lastProgress != nil {
		task.lastProgress.Percent = 100
	}

	return nil
}

// applyUpdate folds one classified croc output line in to the tasks state.
func (task *Task) applyUpdate(update *croc.Update) {
	switch {
	case update.Code != "":
		task.code = update.Code
	case update.File != nil:
		task.lastProgress = &Snapshot{
			BytesTotal:  update.File.BytesTotal,
			EtaSeconds:  -1,
			CurrentFile: update.File.Name,
		}
	case update.Progress != nil:
		snapshot := &Snapshot{
			Percent:    update.Progress.Percent,
			BytesDone:  update.Progress.BytesDone,
			BytesTotal: update.Progress.BytesTotal,
			SpeedBps:   update.Progress.SpeedBps,
			EtaSeconds: update.Progress.EtaSeconds,
		}
		if task.lastProgress != nil {
			snapshot.CurrentFile = task.lastProgress.CurrentFile
		}
		task.lastProgress = snapshot
	case update.Failure != "":
		task.trouble = update.Failure
	}
}

// interrupt kills the underlying process if one is running. Tasks that are
// still WAITING have no process and are simply marked CANCELLED.
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

// clone returns a fresh WAITING task carrying the same parameters as the
// receiver. Used to implement restart, which is modelled as kill+requeue.
func (task *Task) clone() *Task {
	if task.direction == SEND {
		return newSendTask(task.paths)
	}

	return newReceiveTask(task.code, task.destDir)
}

func (task *Task) ID() uuid.UUID           { return task.id }
func (task *Task) Direction() Direction    { return task.direction }
func (task *Task) Paths() []string         { return task.paths }
func (task *Task) Code() string            { return task.code }
func (task *Task) DestDir() string         { return task.destDir }
func (task *Task) Status() TaskStatus      { return task.status }
func (task *Task) Trouble() string         { return task.trouble }
func (task *Task) LastProgress() *Snapshot { return task.lastProgress }

func (task *Task) String() string {
	return fmt.Sprintf("Transfer{ID=%s Direction=%s Status=%s}", task.id, task.direction, task.status)
}

func (d Direction) String() string {
	if d == SEND {
		return "SEND"
	}

	return "RECEIVE"
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
