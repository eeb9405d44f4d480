package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/courierd/courier/internal/croc"
	"github.com/courierd/courier/internal/event"
	"github.com/courierd/courier/pkg/logger"
	"github.com/google/uuid"
)

var (
	log = logger.Get("TransferServ")

	ErrTaskNotFound = errors.New("no task found")
)

type (
	Config struct {
		CrocBinPath string `yaml:"croc_path" env:"CROC_PATH"`
		DownloadDir string `yaml:"download_dir" env:"TRANSFER_DOWNLOAD_DIR"`
		MaxActive   int    `yaml:"max_active" env:"TRANSFER_MAX_ACTIVE" env-default:"2"`
	}

	DataStore interface {
		RecordTransfer(task *Task) error
	}

	// transferService owns the queue of peer-to-peer transfers. It is
	// responsible for:
	//   - Spawning croc processes for queued sends/receives, subject to the
	//     configured concurrency budget
	//   - Live-tracking and reporting of ongoing transfers over the event bus
	//   - Persistence of concluded transfers to the history store
	transferService struct {
		*sync.Mutex
		taskWg         *sync.WaitGroup
		config         *Config
		tasks          []*Task
		activeTasks    int
		commandFactory func(*Task) Command

		eventBus  event.EventCoordinator
		dataStore DataStore

		queueChange chan bool
		taskChange  chan uuid.UUID
	}
)

// New creates a new transferService. An error is returned if the
// configuration provided is not valid.
func New(config Config, eventBus event.EventCoordinator, dataStore DataStore) (*transferService, error) {
	if config.MaxActive < 1 {
		return nil, fmt.Errorf("transfer concurrency must be at least 1 (got %d)", config.MaxActive)
	}

	crocConfig := &croc.Config{BinPath: config.CrocBinPath}
	service := &transferService{
		Mutex:       &sync.Mutex{},
		taskWg:      &sync.WaitGroup{},
		config:      &config,
		tasks:       make([]*Task, 0),
		eventBus:    eventBus,
		dataStore:   dataStore,
		queueChange: make(chan bool, 128),
		taskChange:  make(chan uuid.UUID, 128),
	}

	service.commandFactory = func(task *Task) Command {
		if task.direction == SEND {
			return croc.NewSendCmd(task.paths, crocConfig)
		}

		destDir := task.destDir
		if destDir == "" {
			destDir = config.DownloadDir
		}
		return croc.NewReceiveCmd(task.code, destDir, crocConfig)
	}

	return service, nil
}

// Run is the main entry point for this service. This method will block
// until the provided context is cancelled.
// Note: when the context is cancelled this method will not immediately
// return as it waits for it's running croc processes to die.
func (service *transferService) Run(ctx context.Context) error {
	for {
		select {
		case <-service.queueChange:
			service.startWaitingTasks(ctx)
		case taskID := <-service.taskChange:
			service.handleTaskUpdate(taskID)
		case <-ctx.Done():
			log.Emit(logger.STOP, "Shutting down (context cancelled). Waiting for transfer tasks to cancel.\n")
			service.taskWg.Wait()
			return nil
		}
	}
}

// AllTasks returns the array/slice of the transfer task pointers.
func (service *transferService) AllTasks() []*Task {
	service.Lock()
	defer service.Unlock()

	out := make([]*Task, len(service.tasks))
	copy(out, service.tasks)
	return out
}

// Task looks through all the tasks known to this service and returns the
// one with a matching ID, if it can be found. If no such task exists, nil
// is returned.
func (service *transferService) Task(id uuid.UUID) *Task {
	service.Lock()
	defer service.Unlock()

	return service.task(id)
}

func (service *transferService) task(id uuid.UUID) *Task {
	for _, t := range service.tasks {
		if t.ID() == id {
			return t
		}
	}

	return nil
}

// NewSend enqueues a croc send for the paths provided. The task starts in
// the WAITING state; the code phrase becomes available (via the tasks
// accessor and a TRANSFER_UPDATE event) once croc prints it.
func (service *transferService) NewSend(paths []string) (uuid.UUID, error) {
	if len(paths) == 0 {
		return uuid.Nil, errors.New("cannot send zero files")
	}

	return service.enqueue(newSendTask(paths)), nil
}

// NewReceive enqueues a croc receive using the code phrase provided. If the
// destination directory is empty, the services configured download
// directory is used.
func (service *transferService) NewReceive(code string, destDir string) (uuid.UUID, error) {
	if code == "" {
		return uuid.Nil, errors.New("cannot receive without a code phrase")
	}

	return service.enqueue(newReceiveTask(code, destDir)), nil
}

func (service *transferService) enqueue(task *Task) uuid.UUID {
	service.Lock()
	service.tasks = append(service.tasks, task)
	service.Unlock()

	log.Emit(logger.NEW, "Queued %s\n", task)
	service.queueChange <- true
	service.eventBus.Dispatch(event.TRANSFER_UPDATE, task.ID())
	return task.ID()
}

// CancelTask will find the transfer task with the ID provided and cancel
// it, killing the underlying croc process if one is running.
func (service *transferService) CancelTask(id uuid.UUID) error {
	service.Lock()
	task := service.task(id)
	service.Unlock()
	if task == nil {
		return ErrTaskNotFound
	}

	wasMonitored := task.Status() == WORKING || task.Status() == SUSPENDED
	if err := task.interrupt(); err != nil {
		// This error usually indicates the task is not in the right state to
		// be cancelled, however we should still proceed with removing it
		log.Warnf("failed to cancel task %s command: %s\n", task, err)
	}

	if !wasMonitored {
		// No goroutine is watching this task, so nothing will push a
		// taskChange when the (non-existent) process dies. Deal with the
		// removal here instead.
		service.taskChange <- id
	}

	log.Emit(logger.STOP, "Cancelled %s\n", task)
	return nil
}

// PauseTask suspends the croc process behind the task with the ID provided.
// If the task cannot be found, ErrTaskNotFound is returned. If the task is
// not capable of being suspended (e.g. it's not running), an error
// describing the problem will be returned.
func (service *transferService) PauseTask(id uuid.UUID) error {
	service.Lock()
	task := service.task(id)
	service.Unlock()
	if task == nil {
		return ErrTaskNotFound
	}

	if err := task.pause(); err != nil {
		return err
	}

	log.Infof("Paused %s\n", task)
	service.taskChange <- id
	return nil
}

// ResumeTask attempts to resume the suspended croc process behind the task
// with the ID provided.
func (service *transferService) ResumeTask(id uuid.UUID) error {
	service.Lock()
	task := service.task(id)
	service.Unlock()
	if task == nil {
		return ErrTaskNotFound
	}

	if err := task.resume(); err != nil {
		return err
	}

	log.Infof("Resumed %s\n", task)
	service.taskChange <- id
	return nil
}

// RestartTask re-queues a fresh task carrying the same parameters as the
// task with the ID provided, cancelling the original first if it is still
// running. There is no resume support in the underlying tools, so restart
// is kill-and-start-over.
func (service *transferService) RestartTask(id uuid.UUID) (uuid.UUID, error) {
	service.Lock()
	task := service.task(id)
	service.Unlock()
	if task == nil {
		return uuid.Nil, ErrTaskNotFound
	}

	if task.Status() == WORKING || task.Status() == SUSPENDED {
		if err := service.CancelTask(id); err != nil {
			return uuid.Nil, fmt.Errorf("failed to cancel task %s ahead of restart: %w", id, err)
		}
	} else {
		service.removeTaskFromQueue(id)
	}

	replacement := task.clone()
	return service.enqueue(replacement), nil
}

// startWaitingTasks starts queued tasks while the number of active
// transfers remains under the configured budget.
func (service *transferService) startWaitingTasks(ctx context.Context) {
	service.Lock()
	defer service.Unlock()

	for _, task := range service.tasks {
		if task.Status() != WAITING || task.claimed {
			continue
		}

		if service.activeTasks >= service.config.MaxActive {
			log.Emit(logger.DEBUG, "Transfer budget exhausted (%d active), task spawning complete\n", service.activeTasks)
			return
		}

		// Claim the task while the lock is still held so a queue
		// re-evaluation racing this spawn cannot select it twice.
		task.claimed = true
		service.activeTasks++
		service.taskWg.Add(1)
		go func(taskToStart *Task) {
			defer service.taskWg.Done()

			onUpdate := func(t *Task) {
				service.eventBus.Dispatch(event.TRANSFER_PROGRESS, t.ID())
			}

			log.Emit(logger.DEBUG, "Starting task %s\n", taskToStart)
			service.taskChange <- taskToStart.ID()
			if err := taskToStart.Run(ctx, service.commandFactory, onUpdate); err != nil {
				log.Emit(logger.WARNING, "Task %s has concluded with error: %v\n", taskToStart, err)
			} else {
				log.Emit(logger.DEBUG, "Task %s has concluded nominally\n", taskToStart)
			}

			// Non-blocking send so a shutting-down service (whose Run loop
			// has already returned) cannot strand this goroutine.
			select {
			case service.taskChange <- taskToStart.ID():
			default:
				log.Emit(logger.WARNING, "Failed to notify service of task change... this could be because the service is shutting down\n")
			}

			service.Lock()
			defer service.Unlock()
			service.activeTasks--
		}(task)
	}
}

// handleTaskUpdate is the handler for any task updates in this service.
// Concluded tasks are committed to the history store before being removed
// from the queue; TROUBLED tasks are recorded but stay visible so a client
// can inspect the failure and restart.
func (service *transferService) handleTaskUpdate(taskID uuid.UUID) {
	service.Lock()
	task := service.task(taskID)
	service.Unlock()
	if task == nil {
		return
	}

	switch task.Status() {
	case COMPLETE, CANCELLED, TROUBLED:
		if !task.recorded {
			task.recorded = true
			if err := service.dataStore.RecordTransfer(task); err != nil {
				log.Errorf("failed to record transfer %s due to error: %v\n", task, err)
			}
		}

		if task.Status() != TROUBLED {
			service.removeTaskFromQueue(taskID)
			service.eventBus.Dispatch(event.TRANSFER_COMPLETE, taskID)
			return
		}
	}

	service.eventBus.Dispatch(event.TRANSFER_UPDATE, taskID)
}

// removeTaskFromQueue will look for and remove the task with the ID
// provided from the services queue.
// NOTE: The task will NOT be cancelled as part of removal.
func (service *transferService) removeTaskFromQueue(taskID uuid.UUID) {
	service.Lock()
	defer service.Unlock()

	for i, v := range service.tasks {
		if v.ID() == taskID {
			service.tasks = append(service.tasks[:i], service.tasks[i+1:]...)
			select {
			case service.queueChange <- true:
			default:
			}

			return
		}
	}
}
