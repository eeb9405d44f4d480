package organize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/courierd/courier/internal/event"
	"github.com/courierd/courier/pkg/logger"
	"github.com/courierd/courier/pkg/worker"
	"github.com/google/uuid"
	"github.com/rjeczalik/notify"
)

var log = logger.Get("OrganizeServ")

type (
	Config struct {
		WatchDirs        []string            `yaml:"watch_dirs" env:"ORGANIZE_WATCH_DIRS"`
		TargetDir        string              `yaml:"target_dir" env:"ORGANIZE_TARGET_DIR"`
		Categories       map[string][]string `yaml:"categories"`
		Parallelism      int                 `yaml:"parallelism" env:"ORGANIZE_PARALLELISM" env-default:"1"`
		SettleSeconds    int                 `yaml:"settle_seconds" env:"ORGANIZE_SETTLE_SECONDS" env-default:"5"`
		ForceSyncSeconds int                 `yaml:"force_sync_seconds" env:"ORGANIZE_FORCE_SYNC_SECONDS" env-default:"30"`
	}

	// organizeService files loose files in to category directories based
	// on it's rule set. Watched directories are swept on file-system
	// notifications (and a periodic force-sync); files modified too
	// recently are held until they settle so that in-flight writes are
	// not moved from underneath their writer.
	organizeService struct {
		*sync.Mutex
		config   Config
		rules    *RuleSet
		eventBus event.EventCoordinator

		items            []*Item
		settleHoldTimers map[uuid.UUID]*time.Timer
		workerPool       *worker.WorkerPool
	}
)

func (config *Config) settleDuration() time.Duration {
	return time.Duration(config.SettleSeconds) * time.Second
}

// New creates a new organizeService. Every watch directory is validated to
// be an existing directory (missing ones are created).
func New(config Config, eventBus event.EventCoordinator) (*organizeService, error) {
	if config.Parallelism < 1 {
		return nil, fmt.Errorf("organizer parallelism must be at least 1 (got %d)", config.Parallelism)
	}

	for _, dir := range config.WatchDirs {
		if info, err := os.Stat(dir); err == nil {
			if !info.IsDir() {
				return nil, fmt.Errorf("watch path '%s' is not a directory", dir)
			}
		} else if errors.Is(err, os.ErrNotExist) {
			os.MkdirAll(dir, os.ModeDir|os.ModePerm)
		} else {
			return nil, fmt.Errorf("watch path '%s' could not be accessed: %w", dir, err)
		}
	}

	rules := DefaultRules()
	rules.Extend(config.Categories)

	service := &organizeService{
		Mutex:            &sync.Mutex{},
		config:           config,
		rules:            rules,
		eventBus:         eventBus,
		items:            make([]*Item, 0),
		settleHoldTimers: make(map[uuid.UUID]*time.Timer),
		workerPool:       worker.NewWorkerPool(),
	}

	for i := 0; i < config.Parallelism; i++ {
		label := fmt.Sprintf("organize-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, service.performItemOrganize))
	}

	return service, nil
}

// Run is the main entry point of this service. It listens to file-system
// change events on the watched directories, and additionally polls them on
// a fixed interval in case events are missed. To kill the service, cancel
// the provided context.
func (service *organizeService) Run(ctx context.Context) error {
	fsNotifyChannel := make(chan notify.EventInfo, 64)
	for _, dir := range service.config.WatchDirs {
		if err := notify.Watch(dir, fsNotifyChannel, notify.Create, notify.Rename, notify.Write); err != nil {
			return fmt.Errorf("failed to watch directory '%s': %w", dir, err)
		}
	}
	defer notify.Stop(fsNotifyChannel)

	if err := service.workerPool.Start(); err != nil {
		return err
	}
	defer service.workerPool.Close()
	defer service.clearAllSettleHoldTimers()

	forceSyncChannel := time.NewTicker(time.Second * time.Duration(service.config.ForceSyncSeconds))
	defer forceSyncChannel.Stop()

	service.DiscoverNewFiles()

	for {
		select {
		case <-fsNotifyChannel:
			service.DiscoverNewFiles()
		case <-forceSyncChannel.C:
			service.DiscoverNewFiles()
		case <-ctx.Done():
			log.Emit(logger.STOP, "Shutting down (context cancelled)\n")
			return nil
		}
	}
}

// DiscoverNewFiles scans the watched directories for files the service is
// not already tracking. Files that match a rule are queued: either IDLE
// (ready to organize) or SETTLE_HOLD when their modtime is too fresh.
//
// Note: this function takes ownership of the mutex and releases it on return.
func (service *organizeService) DiscoverNewFiles() {
	service.Lock()
	defer service.Unlock()

	for _, dir := range service.config.WatchDirs {
		service.discoverFilesIn(dir)
	}
}

// OrganizeDir performs a one-shot sweep of the directory provided: every
// file matching a rule is queued for organizing immediately with no settle
// delay. The IDs of the queued items are returned so the caller can track
// per-file results.
func (service *organizeService) OrganizeDir(dir string) ([]uuid.UUID, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot organize '%s': %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cannot organize '%s' as it is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot organize '%s': %w", dir, err)
	}

	service.Lock()
	defer service.Unlock()

	ids := make([]uuid.UUID, 0, len(entries))
	dirty := false
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if !service.shouldTrack(path, entry) {
			continue
		}

		item := &Item{ID: uuid.New(), Path: path, State: IDLE}
		service.items = append(service.items, item)
		ids = append(ids, item.ID)
		dirty = true
	}

	if dirty {
		service.workerPool.WakeupWorkers()
	}

	return ids, nil
}

func (service *organizeService) discoverFilesIn(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Emit(logger.ERROR, "file system polling of '%s' failed: %s\n", dir, err.Error())
		return
	}

	settleDuration := service.config.settleDuration()
	dirty := false
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if !service.shouldTrack(path, entry) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		item := &Item{ID: uuid.New(), Path: path, State: IDLE}
		timeDiff := time.Since(info.ModTime())
		if timeDiff < settleDuration {
			item.State = SETTLE_HOLD
		}

		service.items = append(service.items, item)
		if item.State == SETTLE_HOLD {
			service.scheduleSettleHoldTimer(item.ID, settleDuration-timeDiff)
		} else {
			dirty = true
		}
	}

	if dirty {
		service.workerPool.WakeupWorkers()
	}
}

// shouldTrack reports whether the directory entry provided is a candidate
// for organizing: a regular, non-hidden file which matches a rule and is
// not already tracked by the service.
func (service *organizeService) shouldTrack(path string, entry os.DirEntry) bool {
	if entry.IsDir() || entry.Name()[0] == '.' {
		return false
	}

	if _, ok := service.rules.CategoryFor(path); !ok {
		return false
	}

	for _, item := range service.items {
		if item.Path == path {
			return false
		}
	}

	return true
}

// performItemOrganize is the worker function for this service. It claims
// the first IDLE item it finds and attempts to organize it, reporting the
// per-file outcome over the event bus.
func (service *organizeService) performItemOrganize(w worker.Worker) (bool, error) {
	item := service.claimIdleItem()
	if item == nil {
		return false, nil
	}

	err := item.organize(service.rules, service.config.TargetDir)

	service.Lock()
	if err != nil {
		item.State = TROUBLED
		item.Trouble = err.Error()
		log.Emit(logger.WARNING, "Failed to organize '%s': %s\n", item.Path, err.Error())
	} else {
		item.State = COMPLETE
		log.Emit(logger.SUCCESS, "Organized '%s' -> '%s'\n", item.Path, item.DestPath)
	}
	service.Unlock()

	service.eventBus.Dispatch(event.ORGANIZE_RESULT, item.ID)
	return true, nil
}

// Categories returns the category names of the services rule set.
func (service *organizeService) Categories() []string {
	return service.rules.Categories()
}

func (service *organizeService) AllItems() []*Item {
	service.Lock()
	defer service.Unlock()

	out := make([]*Item, len(service.items))
	copy(out, service.items)
	return out
}

func (service *organizeService) Item(id uuid.UUID) *Item {
	service.Lock()
	defer service.Unlock()

	return service.item(id)
}

func (service *organizeService) item(id uuid.UUID) *Item {
	for _, item := range service.items {
		if item.ID == id {
			return item
		}
	}

	return nil
}

// RemoveItem drops the item with the ID provided from the services state.
// Items that are currently being organized cannot be removed as the move
// cannot be interrupted.
//
// Note: this function takes ownership of the mutex and releases it on return.
func (service *organizeService) RemoveItem(id uuid.UUID) error {
	service.Lock()
	defer service.Unlock()

	for i, item := range service.items {
		if item.ID == id {
			if item.State == ORGANIZING {
				return fmt.Errorf("cannot remove item %s as a worker is currently organizing it", id)
			}

			service.items = append(service.items[:i], service.items[i+1:]...)
			return nil
		}
	}

	return nil
}

// evaluateSettleHold re-checks an item that was put on SETTLE_HOLD. If the
// file has gone away the item is dropped; if it is still too fresh a new
// timer is scheduled; otherwise it becomes IDLE and the workers are woken.
func (service *organizeService) evaluateSettleHold(id uuid.UUID) {
	service.Lock()
	defer service.Unlock()

	item := service.item(id)
	if item == nil || item.State != SETTLE_HOLD {
		return
	}

	timeDiff, err := item.modtimeDiff()
	if err != nil {
		for i, v := range service.items {
			if v.ID == id {
				service.items = append(service.items[:i], service.items[i+1:]...)
				break
			}
		}
		return
	}

	settleDuration := service.config.settleDuration()
	if *timeDiff < settleDuration {
		service.scheduleSettleHoldTimer(id, settleDuration-*timeDiff)
		return
	}

	item.State = IDLE
	service.workerPool.WakeupWorkers()
}

func (service *organizeService) scheduleSettleHoldTimer(id uuid.UUID, delay time.Duration) {
	service.clearSettleHoldTimer(id)
	service.settleHoldTimers[id] = time.AfterFunc(delay, func() {
		service.evaluateSettleHold(id)
	})
}

func (service *organizeService) clearSettleHoldTimer(id uuid.UUID) {
	if timer, ok := service.settleHoldTimers[id]; ok {
		timer.Stop()
		delete(service.settleHoldTimers, id)
	}
}

func (service *organizeService) clearAllSettleHoldTimers() {
	service.Lock()
	defer service.Unlock()

	for key, timer := range service.settleHoldTimers {
		timer.Stop()
		delete(service.settleHoldTimers, key)
	}
}

// claimIdleItem finds an IDLE item and marks it ORGANIZING so no other
// worker claims it once the lock is released.
func (service *organizeService) claimIdleItem() *Item {
	service.Lock()
	defer service.Unlock()

	for _, item := range service.items {
		if item.State == IDLE {
			item.State = ORGANIZING
			return item
		}
	}

	return nil
}
