package download

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/courierd/courier/internal/event"
	"github.com/courierd/courier/internal/ffmpeg"
	"github.com/courierd/courier/internal/ytdlp"
	"github.com/courierd/courier/pkg/logger"
	typedsync "github.com/courierd/courier/pkg/sync"
	"github.com/floostack/transcoder"
	ffmpegbackend "github.com/floostack/transcoder/ffmpeg"
	"github.com/google/uuid"
)

var (
	log = logger.Get("DownloadServ")

	ErrTaskNotFound = errors.New("no task found")
)

type (
	Config struct {
		YtDlpBinPath   string `yaml:"yt_dlp_path" env:"YT_DLP_PATH"`
		FfmpegBinPath  string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
		FfprobeBinPath string `yaml:"ffprobe_path" env:"FFPROBE_PATH"`
		OutputDir      string `yaml:"output_dir" env:"DOWNLOAD_OUTPUT_DIR"`
		OutputTemplate string `yaml:"output_template" env:"DOWNLOAD_OUTPUT_TEMPLATE"`
		MaxActive      int    `yaml:"max_active" env:"DOWNLOAD_MAX_ACTIVE" env-default:"2"`
	}

	DataStore interface {
		RecordDownload(task *Task) error
	}

	// downloadService owns the queue of media downloads and conversions. A
	// download optionally carries a conversion stage which runs against the
	// downloaded file once yt-dlp concludes; standalone conversions share
	// the same queue and concurrency budget.
	downloadService struct {
		*sync.Mutex
		taskWg      *sync.WaitGroup
		config      *Config
		tasks       []*Task
		activeTasks int
		factories   commandFactories

		eventBus  event.EventCoordinator
		dataStore DataStore

		probeCache typedsync.TypedSyncMap[string, *ytdlp.Metadata]

		queueChange chan bool
		taskChange  chan uuid.UUID
	}
)

func New(config Config, eventBus event.EventCoordinator, dataStore DataStore) (*downloadService, error) {
	if config.MaxActive < 1 {
		return nil, fmt.Errorf("download concurrency must be at least 1 (got %d)", config.MaxActive)
	}

	ytdlpConfig := &ytdlp.Config{BinPath: config.YtDlpBinPath, OutputTemplate: config.OutputTemplate}
	ffmpegConfig := &ffmpeg.Config{FfmpegBinPath: config.FfmpegBinPath, FfprobeBinPath: config.FfprobeBinPath}

	service := &downloadService{
		Mutex:       &sync.Mutex{},
		taskWg:      &sync.WaitGroup{},
		config:      &config,
		tasks:       make([]*Task, 0),
		eventBus:    eventBus,
		dataStore:   dataStore,
		queueChange: make(chan bool, 128),
		taskChange:  make(chan uuid.UUID, 128),
	}

	service.factories = commandFactories{
		download: func(task *Task) DownloadCommand {
			destDir := task.destDir
			if destDir == "" {
				destDir = config.OutputDir
			}
			return ytdlp.NewDownloadCmd(task.url, task.format, destDir, ytdlpConfig)
		},
		convert: func(task *Task) ConvertCommand {
			return ffmpeg.NewCmd(task.convertInputPath(), task.convertOutputPath(), ffmpegConfig)
		},
	}

	return service, nil
}

// Run is the main entry point for this service. This method will block
// until the provided context is cancelled, and then until the running
// yt-dlp/ffmpeg processes have died.
func (service *downloadService) Run(ctx context.Context) error {
	for {
		select {
		case <-service.queueChange:
			service.startWaitingTasks(ctx)
		case taskID := <-service.taskChange:
			service.handleTaskUpdate(taskID)
		case <-ctx.Done():
			log.Emit(logger.STOP, "Shutting down (context cancelled). Waiting for download tasks to cancel.\n")
			service.taskWg.Wait()
			return nil
		}
	}
}

func (service *downloadService) AllTasks() []*Task {
	service.Lock()
	defer service.Unlock()

	out := make([]*Task, len(service.tasks))
	copy(out, service.tasks)
	return out
}

func (service *downloadService) Task(id uuid.UUID) *Task {
	service.Lock()
	defer service.Unlock()

	return service.task(id)
}

func (service *downloadService) task(id uuid.UUID) *Task {
	for _, t := range service.tasks {
		if t.ID() == id {
			return t
		}
	}

	return nil
}

// Probe fetches (and caches) metadata for the URL provided without
// downloading anything. Repeated probes of the same URL within the
// lifetime of the service are served from cache.
func (service *downloadService) Probe(ctx context.Context, url string) (*ytdlp.Metadata, error) {
	if cached, ok := service.probeCache.Load(url); ok {
		return cached, nil
	}

	metadata, err := ytdlp.Probe(ctx, url, &ytdlp.Config{BinPath: service.config.YtDlpBinPath})
	if err != nil {
		return nil, err
	}

	service.probeCache.Store(url, metadata)
	return metadata, nil
}

// ProbeFile extracts container/stream metadata from a local media file
// using ffprobe. Unlike Probe, results are not cached; local files change.
func (service *downloadService) ProbeFile(path string) (transcoder.Metadata, error) {
	config := &ffmpeg.Config{FfmpegBinPath: service.config.FfmpegBinPath, FfprobeBinPath: service.config.FfprobeBinPath}
	return ffmpeg.ProbeFile(path, config)
}

// NewDownload enqueues a yt-dlp download of the URL provided. A non-empty
// convertTo extension adds a conversion stage which runs once the download
// completes. The format string is passed through to yt-dlp's '-f' verbatim.
func (service *downloadService) NewDownload(url string, format string, destDir string, convertTo string) (uuid.UUID, error) {
	if url == "" {
		return uuid.Nil, errors.New("cannot download without a URL")
	}

	return service.enqueue(newDownloadTask(url, format, destDir, convertTo)), nil
}

// NewConversion enqueues a standalone ffmpeg conversion of a local file to
// the target container/format.
func (service *downloadService) NewConversion(inputPath string, targetFormat string) (uuid.UUID, error) {
	if inputPath == "" {
		return uuid.Nil, errors.New("cannot convert without an input path")
	}
	if targetFormat == "" {
		return uuid.Nil, errors.New("cannot convert without a target format")
	}

	return service.enqueue(newConvertTask(inputPath, targetFormat)), nil
}

func (service *downloadService) enqueue(task *Task) uuid.UUID {
	service.Lock()
	service.tasks = append(service.tasks, task)
	service.Unlock()

	log.Emit(logger.NEW, "Queued %s\n", task)
	service.queueChange <- true
	service.eventBus.Dispatch(event.DOWNLOAD_UPDATE, task.ID())
	return task.ID()
}

// CancelTask will find the download task with the ID provided and cancel
// it, killing the underlying process if one is running.
func (service *downloadService) CancelTask(id uuid.UUID) error {
	service.Lock()
	task := service.task(id)
	service.Unlock()
	if task == nil {
		return ErrTaskNotFound
	}

	wasMonitored := task.Status() == WORKING || task.Status() == SUSPENDED
	if err := task.interrupt(); err != nil {
		log.Warnf("failed to cancel task %s command: %s\n", task, err)
	}

	if !wasMonitored {
		service.taskChange <- id
	}

	log.Emit(logger.STOP, "Cancelled %s\n", task)
	return nil
}

func (service *downloadService) PauseTask(id uuid.UUID) error {
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

func (service *downloadService) ResumeTask(id uuid.UUID) error {
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
// running. Neither yt-dlp nor a half-finished conversion can be resumed
// in-place, so restart is kill-and-start-over.
func (service *downloadService) RestartTask(id uuid.UUID) (uuid.UUID, error) {
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

func (service *downloadService) startWaitingTasks(ctx context.Context) {
	service.Lock()
	defer service.Unlock()

	for _, task := range service.tasks {
		if task.Status() != WAITING || task.claimed {
			continue
		}

		if service.activeTasks >= service.config.MaxActive {
			log.Emit(logger.DEBUG, "Download budget exhausted (%d active), task spawning complete\n", service.activeTasks)
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
				service.eventBus.Dispatch(event.DOWNLOAD_PROGRESS, t.ID())
			}

			log.Emit(logger.DEBUG, "Starting task %s\n", taskToStart)
			service.taskChange <- taskToStart.ID()
			if err := taskToStart.Run(ctx, service.factories, onUpdate); err != nil {
				log.Emit(logger.WARNING, "Task %s has concluded with error: %v\n", taskToStart, err)
			} else {
				log.Emit(logger.DEBUG, "Task %s has concluded nominally\n", taskToStart)
			}

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

// handleTaskUpdate commits concluded tasks to the history store before
// removing them from the queue; TROUBLED tasks are recorded but stay
// visible so a client can inspect the failure and restart.
func (service *downloadService) handleTaskUpdate(taskID uuid.UUID) {
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
			if err := service.dataStore.RecordDownload(task); err != nil {
				log.Errorf("failed to record download %s due to error: %v\n", task, err)
			}
		}

		if task.Status() != TROUBLED {
			service.removeTaskFromQueue(taskID)
			service.eventBus.Dispatch(event.DOWNLOAD_COMPLETE, taskID)
			return
		}
	}

	service.eventBus.Dispatch(event.DOWNLOAD_UPDATE, taskID)
}

func (service *downloadService) removeTaskFromQueue(taskID uuid.UUID) {
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

// ffmpegOptions builds the transcoder options for a conversion to the
// extension provided. The container format is the only option exposed;
// codec selection is left to ffmpeg's defaults for that container.
func ffmpegOptions(format string) ffmpegbackend.Options {
	return ffmpegbackend.Options{OutputFormat: &format}
}
