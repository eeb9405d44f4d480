package internal

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/courierd/courier/internal/api"
	"github.com/courierd/courier/internal/database"
	"github.com/courierd/courier/internal/download"
	"github.com/courierd/courier/internal/event"
	"github.com/courierd/courier/internal/history"
	"github.com/courierd/courier/internal/organize"
	"github.com/courierd/courier/internal/transfer"
	"github.com/courierd/courier/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.Get("Core")

type RunnableService interface {
	Run(context.Context) error
}

// courierImpl represents the top-level object for the daemon, and is
// responsible for initialising the services, stores, event handling, et
// cetera...
type courierImpl struct {
	eventBus        event.EventCoordinator
	activityService *activityService
	config          CourierConfig
	store           *storeOrchestrator

	restGateway     RunnableService
	transferService RunnableService
	downloadService RunnableService
	organizeService RunnableService
}

func New(config CourierConfig) *courierImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Courier services using config: %#v\n", config)
	courier := &courierImpl{
		eventBus: event.New(),
		config:   config,
		store:    newStoreOrchestrator(database.New()),
	}

	transferService, err := transfer.New(config.Transfers, courier.eventBus, courier.store)
	if err != nil {
		panic(fmt.Sprintf("failed to construct transfer service due to error: %s", err.Error()))
	}
	courier.transferService = transferService

	downloadService, err := download.New(config.Downloads, courier.eventBus, courier.store)
	if err != nil {
		panic(fmt.Sprintf("failed to construct download service due to error: %s", err.Error()))
	}
	courier.downloadService = downloadService

	organizeService, err := organize.New(config.Organizer, courier.eventBus)
	if err != nil {
		panic(fmt.Sprintf("failed to construct organize service due to error: %s", err.Error()))
	}
	courier.organizeService = organizeService

	gateway := api.NewRestGateway(&config.Api, transferService, downloadService, organizeService, courier.store)
	courier.restGateway = gateway
	courier.activityService = newActivityService(gateway, courier.eventBus)

	return courier
}

// Run will start all of Courier by bringing up the database connection and
// all service instances.
//
// This function will not return until Courier is stopped. To stop Courier,
// the provided context must be cancelled. Errors from which Courier cannot
// recover will also cause it to stop.
func (courier *courierImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := courier.store.connect(courier.config.Database); err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	courier.spawnAsyncService(ctx, wg, courier.transferService, "transfer-service", crashHandler)
	courier.spawnAsyncService(ctx, wg, courier.downloadService, "download-service", crashHandler)
	courier.spawnAsyncService(ctx, wg, courier.organizeService, "organize-service", crashHandler)
	courier.spawnAsyncService(ctx, wg, courier.activityService, "activity-service", crashHandler)
	courier.spawnAsyncService(ctx, wg, courier.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Courier services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Courier service waitgroup is updated correctly
func (courier *courierImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

// storeOrchestrator bridges the queue services and the history store: it
// implements the DataStore interface each service expects for recording
// concluded jobs, and the HistoryService interface the REST layer consumes
// for querying them.
type storeOrchestrator struct {
	db           database.Manager
	historyStore *history.Store
}

func newStoreOrchestrator(db database.Manager) *storeOrchestrator {
	return &storeOrchestrator{db: db, historyStore: history.NewStore()}
}

func (store *storeOrchestrator) connect(config database.Config) error {
	return store.db.Connect(config)
}

func (store *storeOrchestrator) RecordTransfer(task *transfer.Task) error {
	entry := &history.Entry{
		ID:      task.ID(),
		Outcome: outcomeForTransfer(task.Status()),
		Trouble: task.Trouble(),
	}

	if progress := task.LastProgress(); progress != nil {
		entry.BytesTotal = int64(progress.BytesTotal)
	}

	if task.Direction() == transfer.SEND {
		entry.Kind = history.KindTransferSend
		entry.Label = transferSendLabel(task.Paths())
		entry.Params = map[string]string{"paths": strings.Join(task.Paths(), ",")}
	} else {
		entry.Kind = history.KindTransferReceive
		entry.Label = task.Code()
		entry.Params = map[string]string{"code": task.Code(), "dest_dir": task.DestDir()}
	}

	return store.historyStore.Save(store.db.GetSqlxDb(), entry)
}

func (store *storeOrchestrator) RecordDownload(task *download.Task) error {
	entry := &history.Entry{
		ID:      task.ID(),
		Outcome: outcomeForDownload(task.Status()),
		Trouble: task.Trouble(),
	}

	if progress := task.LastProgress(); progress != nil {
		entry.BytesTotal = int64(progress.BytesTotal)
	}

	if task.Kind() == download.DOWNLOAD {
		entry.Kind = history.KindDownload
		entry.Label = task.URL()
		entry.Params = map[string]string{
			"url":        task.URL(),
			"format":     task.Format(),
			"dest_dir":   task.DestDir(),
			"convert_to": task.ConvertTo(),
		}
	} else {
		entry.Kind = history.KindConvert
		entry.Label = filepath.Base(task.InputPath())
		entry.Params = map[string]string{
			"input_path":    task.InputPath(),
			"target_format": task.ConvertTo(),
		}
	}

	return store.historyStore.Save(store.db.GetSqlxDb(), entry)
}

func (store *storeOrchestrator) ListHistory(kind history.Kind, limit int) ([]*history.Entry, error) {
	return store.historyStore.List(store.db.GetSqlxDb(), kind, limit)
}

func (store *storeOrchestrator) GetHistory(id uuid.UUID) (*history.Entry, error) {
	return store.historyStore.Get(store.db.GetSqlxDb(), id)
}

func (store *storeOrchestrator) DeleteHistory(id uuid.UUID) error {
	return store.historyStore.Delete(store.db.GetSqlxDb(), id)
}

func (store *storeOrchestrator) PruneHistory(olderThan time.Time) (int64, error) {
	return store.historyStore.Prune(store.db.GetSqlxDb(), olderThan)
}

// transferSendLabel condenses the paths of a send in to a short label
// suitable for display in a history listing.
func transferSendLabel(paths []string) string {
	if len(paths) == 0 {
		return ""
	}

	label := filepath.Base(paths[0])
	if len(paths) > 1 {
		label = fmt.Sprintf("%s (+%d more)", label, len(paths)-1)
	}

	return label
}

func outcomeForTransfer(status transfer.TaskStatus) history.Outcome {
	switch status {
	case transfer.COMPLETE:
		return history.OutcomeComplete
	case transfer.CANCELLED:
		return history.OutcomeCancelled
	default:
		return history.OutcomeTroubled
	}
}

func outcomeForDownload(status download.TaskStatus) history.Outcome {
	switch status {
	case download.COMPLETE:
		return history.OutcomeComplete
	case download.CANCELLED:
		return history.OutcomeCancelled
	default:
		return history.OutcomeTroubled
	}
}
