package download

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/courierd/courier/internal/event"
	"github.com/courierd/courier/internal/ffmpeg"
	"github.com/courierd/courier/internal/ytdlp"
	"github.com/courierd/courier/pkg/logger"
	"github.com/floostack/transcoder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

type fakeDownloadCommand struct {
	updates []*ytdlp.Update
	release chan struct{}
	err     error
}

func newFakeDownloadCommand(updates []*ytdlp.Update, err error) *fakeDownloadCommand {
	return &fakeDownloadCommand{updates: updates, release: make(chan struct{}), err: err}
}

func (cmd *fakeDownloadCommand) Run(ctx context.Context, updateHandler func(*ytdlp.Update)) error {
	for _, update := range cmd.updates {
		updateHandler(update)
	}

	select {
	case <-cmd.release:
	case <-ctx.Done():
		return nil
	}

	return cmd.err
}

func (cmd *fakeDownloadCommand) Suspend()  {}
func (cmd *fakeDownloadCommand) Continue() {}

type fakeConvertCommand struct {
	progress []*ffmpeg.Progress
	release  chan struct{}
	err      error
}

func newFakeConvertCommand(progress []*ffmpeg.Progress, err error) *fakeConvertCommand {
	return &fakeConvertCommand{progress: progress, release: make(chan struct{}), err: err}
}

func (cmd *fakeConvertCommand) Run(ctx context.Context, _ transcoder.Options, updateHandler func(*ffmpeg.Progress)) error {
	for _, prog := range cmd.progress {
		updateHandler(prog)
	}

	select {
	case <-cmd.release:
	case <-ctx.Done():
		return nil
	}

	return cmd.err
}

func (cmd *fakeConvertCommand) Suspend()  {}
func (cmd *fakeConvertCommand) Continue() {}

type recordingStore struct {
	mu    sync.Mutex
	tasks []*Task
}

func (store *recordingStore) RecordDownload(task *Task) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.tasks = append(store.tasks, task)
	return nil
}

func (store *recordingStore) recorded() []*Task {
	store.mu.Lock()
	defer store.mu.Unlock()
	out := make([]*Task, len(store.tasks))
	copy(out, store.tasks)
	return out
}

func startService(t *testing.T, config Config, store *recordingStore, download DownloadCommand, convert ConvertCommand) *downloadService {
	srv, err := New(config, event.New(), store)
	require.NoError(t, err)
	srv.factories = commandFactories{
		download: func(*Task) DownloadCommand { return download },
		convert:  func(*Task) ConvertCommand { return convert },
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		assert.NoError(t, srv.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return srv
}

func waitFor(t *testing.T, message string, condition func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if condition() {
			return
		}

		select {
		case <-deadline:
			t.Fatalf("timed out waiting for: %s", message)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func Test_Download_WithoutConversion_MapsProgressDirectly(t *testing.T) {
	store := &recordingStore{}
	download := newFakeDownloadCommand([]*ytdlp.Update{
		{Destination: "/media/video [abc123].mp4"},
		{Progress: &ytdlp.Progress{Percent: 42.5, BytesTotal: 1 << 20, SpeedBps: 1 << 18, EtaSeconds: 3}},
	}, nil)

	srv := startService(t, Config{MaxActive: 1}, store, download, nil)

	id, err := srv.NewDownload("https://example.com/watch?v=abc123", "", "", "")
	require.NoError(t, err)

	waitFor(t, "progress to be observed", func() bool {
		task := srv.Task(id)
		return task != nil && task.LastProgress() != nil
	})

	task := srv.Task(id)
	assert.InDelta(t, 42.5, task.LastProgress().Percent, 0.01)
	assert.Equal(t, "/media/video [abc123].mp4", task.OutputPath())
	assert.Equal(t, StageDownload, task.Stage())

	close(download.release)

	waitFor(t, "task to conclude", func() bool {
		return srv.Task(id) == nil
	})

	recorded := store.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, COMPLETE, recorded[0].Status())
	assert.InDelta(t, 100, recorded[0].LastProgress().Percent, 0.01)
}

func Test_Download_WithConversion_SplitsProgressAcrossStages(t *testing.T) {
	store := &recordingStore{}
	download := newFakeDownloadCommand([]*ytdlp.Update{
		{Destination: "/media/video [abc123].webm"},
		{Progress: &ytdlp.Progress{Percent: 80, BytesTotal: 1 << 20, EtaSeconds: 1}},
	}, nil)
	convert := newFakeConvertCommand([]*ffmpeg.Progress{
		{Progress: 50, CurrentTime: "00:01:00"},
	}, nil)

	srv := startService(t, Config{MaxActive: 1}, store, download, convert)

	id, err := srv.NewDownload("https://example.com/watch?v=abc123", "", "", "mp4")
	require.NoError(t, err)

	// First stage: 80% of the download maps to 40% overall
	waitFor(t, "download-stage progress", func() bool {
		task := srv.Task(id)
		return task != nil && task.LastProgress() != nil
	})
	assert.InDelta(t, 40, srv.Task(id).LastProgress().Percent, 0.01)

	close(download.release)

	// Second stage: 50% of the conversion maps to 75% overall
	waitFor(t, "conversion-stage progress", func() bool {
		task := srv.Task(id)
		return task != nil && task.Stage() == StageConvert && task.LastProgress().Stage == StageConvert
	})

	task := srv.Task(id)
	assert.InDelta(t, 75, task.LastProgress().Percent, 0.01)
	assert.Equal(t, "/media/video [abc123].mp4", task.LastProgress().Destination)

	close(convert.release)

	waitFor(t, "task to conclude", func() bool {
		return srv.Task(id) == nil
	})

	recorded := store.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, COMPLETE, recorded[0].Status())
	assert.InDelta(t, 100, recorded[0].LastProgress().Percent, 0.01)
}

func Test_MergedDownload_ConvertsTheMergedFile(t *testing.T) {
	store := &recordingStore{}

	// yt-dlp announces each format fragment as a destination, then merges
	// them (deleting the fragments); the conversion must read the merged
	// file, not the last fragment.
	download := newFakeDownloadCommand([]*ytdlp.Update{
		{Destination: "/media/video [abc123].f616.mp4"},
		{Destination: "/media/video [abc123].f251.webm"},
		{Merged: "/media/video [abc123].mkv"},
	}, nil)
	convert := newFakeConvertCommand([]*ffmpeg.Progress{{Progress: 50}}, nil)

	srv := startService(t, Config{MaxActive: 1}, store, download, convert)

	id, err := srv.NewDownload("https://example.com/watch?v=abc123", "bestvideo+bestaudio", "", "avi")
	require.NoError(t, err)

	waitFor(t, "merged destination to be captured", func() bool {
		task := srv.Task(id)
		return task != nil && task.OutputPath() == "/media/video [abc123].mkv"
	})

	close(download.release)

	waitFor(t, "conversion stage to begin", func() bool {
		task := srv.Task(id)
		return task != nil && task.Stage() == StageConvert
	})

	task := srv.Task(id)
	assert.Equal(t, "/media/video [abc123].mkv", task.convertInputPath())
	assert.Equal(t, "/media/video [abc123].avi", task.convertOutputPath())

	close(convert.release)
	waitFor(t, "task to conclude", func() bool {
		return srv.Task(id) == nil
	})
}

func Test_TwoStageDownload_ScalesProgressBeforeDestinationKnown(t *testing.T) {
	store := &recordingStore{}
	download := newFakeDownloadCommand([]*ytdlp.Update{
		{Progress: &ytdlp.Progress{Percent: 50, BytesTotal: 1 << 20, EtaSeconds: 2}},
	}, nil)

	srv := startService(t, Config{MaxActive: 1}, store, download, nil)

	id, err := srv.NewDownload("https://example.com/watch?v=abc123", "", "", "mp4")
	require.NoError(t, err)

	// The 0-50 mapping applies before any destination line arrives, so the
	// reported percent never jumps backwards once one does.
	waitFor(t, "download-stage progress", func() bool {
		task := srv.Task(id)
		return task != nil && task.LastProgress() != nil
	})
	assert.InDelta(t, 25, srv.Task(id).LastProgress().Percent, 0.01)

	close(download.release)

	// With no destination ever reported the conversion has no input and
	// the task fails rather than silently skipping the stage.
	waitFor(t, "task to become troubled", func() bool {
		task := srv.Task(id)
		return task != nil && task.Status() == TROUBLED
	})
	assert.Contains(t, srv.Task(id).Trouble(), "no destination")
}

func Test_PlaylistDownload_ScalesProgressByItem(t *testing.T) {
	store := &recordingStore{}
	download := newFakeDownloadCommand([]*ytdlp.Update{
		{Item: &ytdlp.PlaylistItem{Index: 3, Count: 4}},
		{Progress: &ytdlp.Progress{Percent: 50, BytesTotal: 1 << 20, EtaSeconds: 9}},
	}, nil)

	srv := startService(t, Config{MaxActive: 1}, store, download, nil)

	id, err := srv.NewDownload("https://example.com/playlist?list=xyz", "", "", "")
	require.NoError(t, err)

	waitFor(t, "playlist progress", func() bool {
		task := srv.Task(id)
		return task != nil && task.LastProgress() != nil
	})

	prog := srv.Task(id).LastProgress()
	assert.InDelta(t, 62.5, prog.Percent, 0.01)
	assert.Equal(t, 3, prog.ItemIndex)
	assert.Equal(t, 4, prog.ItemCount)

	close(download.release)
}

func Test_StandaloneConversion_RunsConvertStageOnly(t *testing.T) {
	store := &recordingStore{}
	convert := newFakeConvertCommand([]*ffmpeg.Progress{
		{Progress: 25},
	}, nil)

	srv := startService(t, Config{MaxActive: 1}, store, nil, convert)

	id, err := srv.NewConversion("/media/input.avi", "mkv")
	require.NoError(t, err)

	waitFor(t, "conversion progress", func() bool {
		task := srv.Task(id)
		return task != nil && task.LastProgress() != nil
	})

	task := srv.Task(id)
	assert.Equal(t, CONVERT, task.Kind())
	assert.Equal(t, StageConvert, task.Stage())
	assert.InDelta(t, 25, task.LastProgress().Percent, 0.01)
	assert.Equal(t, "/media/input.mkv", task.LastProgress().Destination)

	close(convert.release)

	waitFor(t, "task to conclude", func() bool {
		return srv.Task(id) == nil
	})
	require.Len(t, store.recorded(), 1)
	assert.Equal(t, COMPLETE, store.recorded()[0].Status())
}

func Test_FailedDownload_BecomesTroubled(t *testing.T) {
	store := &recordingStore{}
	download := newFakeDownloadCommand([]*ytdlp.Update{
		{Failure: "Unsupported URL: https://example.com/nope"},
	}, errors.New("yt-dlp exited with code 1"))

	srv := startService(t, Config{MaxActive: 1}, store, download, nil)

	id, err := srv.NewDownload("https://example.com/nope", "", "", "")
	require.NoError(t, err)
	close(download.release)

	waitFor(t, "task to become troubled", func() bool {
		task := srv.Task(id)
		return task != nil && task.Status() == TROUBLED
	})

	assert.Contains(t, srv.Task(id).Trouble(), "yt-dlp exited with code 1")
	waitFor(t, "task to be recorded", func() bool {
		return len(store.recorded()) == 1
	})
}

func Test_Probe_ServesRepeatCallsFromCache(t *testing.T) {
	srv, err := New(Config{MaxActive: 1}, event.New(), &recordingStore{})
	require.NoError(t, err)

	cached := &ytdlp.Metadata{ID: "abc123", Title: "Cached Video"}
	srv.probeCache.Store("https://example.com/watch?v=abc123", cached)

	metadata, err := srv.Probe(context.Background(), "https://example.com/watch?v=abc123")
	require.NoError(t, err)
	assert.Same(t, cached, metadata)
}

func Test_NewConversion_ValidatesArguments(t *testing.T) {
	srv, err := New(Config{MaxActive: 1}, event.New(), &recordingStore{})
	require.NoError(t, err)

	_, err = srv.NewConversion("", "mkv")
	assert.Error(t, err)

	_, err = srv.NewConversion("/media/input.avi", "")
	assert.Error(t, err)
}
