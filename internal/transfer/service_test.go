package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/courierd/courier/internal/croc"
	"github.com/courierd/courier/internal/event"
	"github.com/courierd/courier/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

// fakeCommand stands in for a croc process. It emits the scripted updates,
// then blocks until released (or the context is cancelled), and finally
// returns err.
type fakeCommand struct {
	updates []*croc.Update
	release chan struct{}
	err     error

	mu        sync.Mutex
	starts    int
	suspends  int
	continues int
}

func newFakeCommand(updates []*croc.Update, err error) *fakeCommand {
	return &fakeCommand{updates: updates, release: make(chan struct{}), err: err}
}

func (cmd *fakeCommand) Run(ctx context.Context, updateHandler func(*croc.Update)) error {
	cmd.mu.Lock()
	cmd.starts++
	cmd.mu.Unlock()

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

func (cmd *fakeCommand) Suspend() {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	cmd.suspends++
}

func (cmd *fakeCommand) Continue() {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	cmd.continues++
}

// recordingStore is an in-memory DataStore capturing every task the
// service commits to history.
type recordingStore struct {
	mu    sync.Mutex
	tasks []*Task
}

func (store *recordingStore) RecordTransfer(task *Task) error {
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

// startService builds a transferService whose command factory hands every
// task the same fake command, and runs it until test cleanup.
func startService(t *testing.T, config Config, store *recordingStore, command Command) *transferService {
	srv, err := New(config, event.New(), store)
	require.NoError(t, err)
	srv.commandFactory = func(*Task) Command { return command }

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

// waitFor polls the condition until it holds or the deadline passes.
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

func Test_Send_RunsToCompletionAndIsRecorded(t *testing.T) {
	store := &recordingStore{}
	command := newFakeCommand([]*croc.Update{
		{Code: "1234-alpha-beta-gamma"},
		{Progress: &croc.Progress{Percent: 50, BytesDone: 500, BytesTotal: 1000, SpeedBps: 100, EtaSeconds: 5}},
	}, nil)

	srv := startService(t, Config{MaxActive: 2}, store, command)

	id, err := srv.NewSend([]string{"/tmp/some-file"})
	require.NoError(t, err)

	waitFor(t, "code phrase to be captured", func() bool {
		task := srv.Task(id)
		return task != nil && task.Code() == "1234-alpha-beta-gamma"
	})

	close(command.release)

	waitFor(t, "task to conclude and leave the queue", func() bool {
		return srv.Task(id) == nil
	})

	recorded := store.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, id, recorded[0].ID())
	assert.Equal(t, COMPLETE, recorded[0].Status())
	assert.Equal(t, float64(100), recorded[0].LastProgress().Percent)
}

func Test_Queue_RespectsConcurrencyBudget(t *testing.T) {
	store := &recordingStore{}
	command := newFakeCommand(nil, nil)

	srv := startService(t, Config{MaxActive: 1}, store, command)

	first, err := srv.NewSend([]string{"/tmp/a"})
	require.NoError(t, err)
	second, err := srv.NewSend([]string{"/tmp/b"})
	require.NoError(t, err)

	waitFor(t, "first task to start", func() bool {
		return srv.Task(first).Status() == WORKING
	})
	assert.Equal(t, WAITING, srv.Task(second).Status())

	close(command.release)

	waitFor(t, "both tasks to conclude", func() bool {
		return srv.Task(first) == nil && srv.Task(second) == nil
	})
	assert.Len(t, store.recorded(), 2)
}

func Test_FailedTask_BecomesTroubledAndStaysVisible(t *testing.T) {
	store := &recordingStore{}
	command := newFakeCommand([]*croc.Update{{Failure: "connection refused"}}, errors.New("croc exited with code 1"))

	srv := startService(t, Config{MaxActive: 1}, store, command)

	id, err := srv.NewReceive("1234-alpha-beta-gamma", "")
	require.NoError(t, err)
	close(command.release)

	waitFor(t, "task to become troubled", func() bool {
		task := srv.Task(id)
		return task != nil && task.Status() == TROUBLED
	})

	task := srv.Task(id)
	assert.Contains(t, task.Trouble(), "croc exited with code 1")

	// Troubled tasks are recorded exactly once but remain queued for
	// inspection/restart.
	waitFor(t, "task to be recorded", func() bool {
		return len(store.recorded()) == 1
	})
	assert.Equal(t, TROUBLED, store.recorded()[0].Status())
}

func Test_RestartTroubledTask_RequeuesWithSameParameters(t *testing.T) {
	store := &recordingStore{}
	command := newFakeCommand(nil, errors.New("croc exited with code 1"))

	srv := startService(t, Config{MaxActive: 1}, store, command)

	id, err := srv.NewReceive("1234-alpha-beta-gamma", "/tmp/inbox")
	require.NoError(t, err)
	close(command.release)

	waitFor(t, "task to become troubled", func() bool {
		task := srv.Task(id)
		return task != nil && task.Status() == TROUBLED
	})

	replacementID, err := srv.RestartTask(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, replacementID)

	waitFor(t, "original task to be removed", func() bool {
		return srv.Task(id) == nil
	})

	replacement := srv.Task(replacementID)
	require.NotNil(t, replacement)
	assert.Equal(t, "1234-alpha-beta-gamma", replacement.Code())
	assert.Equal(t, "/tmp/inbox", replacement.DestDir())
	assert.Equal(t, RECEIVE, replacement.Direction())
}

func Test_CancelWaitingTask_RemovesWithoutStarting(t *testing.T) {
	store := &recordingStore{}
	command := newFakeCommand(nil, nil)

	srv := startService(t, Config{MaxActive: 1}, store, command)

	first, err := srv.NewSend([]string{"/tmp/a"})
	require.NoError(t, err)
	second, err := srv.NewSend([]string{"/tmp/b"})
	require.NoError(t, err)

	waitFor(t, "first task to occupy the budget", func() bool {
		return srv.Task(first).Status() == WORKING
	})

	require.NoError(t, srv.CancelTask(second))
	waitFor(t, "waiting task to be removed", func() bool {
		return srv.Task(second) == nil
	})

	recorded := store.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, CANCELLED, recorded[0].Status())

	close(command.release)
}

func Test_PauseAndResume_SignalTheCommand(t *testing.T) {
	store := &recordingStore{}
	command := newFakeCommand(nil, nil)

	srv := startService(t, Config{MaxActive: 1}, store, command)

	id, err := srv.NewSend([]string{"/tmp/a"})
	require.NoError(t, err)

	waitFor(t, "task to start", func() bool {
		return srv.Task(id).Status() == WORKING
	})

	require.NoError(t, srv.PauseTask(id))
	assert.Equal(t, SUSPENDED, srv.Task(id).Status())

	// Pausing twice is rejected
	assert.Error(t, srv.PauseTask(id))

	require.NoError(t, srv.ResumeTask(id))
	assert.Equal(t, WORKING, srv.Task(id).Status())

	command.mu.Lock()
	assert.Equal(t, 1, command.suspends)
	assert.Equal(t, 1, command.continues)
	command.mu.Unlock()

	close(command.release)
}

func Test_QueueReevaluation_StartsEachTaskExactlyOnce(t *testing.T) {
	store := &recordingStore{}
	command := newFakeCommand(nil, nil)

	srv := startService(t, Config{MaxActive: 2}, store, command)

	id, err := srv.NewSend([]string{"/tmp/a"})
	require.NoError(t, err)

	// Hammer the queue with concurrent re-evaluations; the task must only
	// be handed to one goroutine regardless.
	var evals sync.WaitGroup
	for i := 0; i < 8; i++ {
		evals.Add(1)
		go func() {
			defer evals.Done()
			srv.startWaitingTasks(context.Background())
		}()
	}
	evals.Wait()

	waitFor(t, "task to start", func() bool {
		return srv.Task(id).Status() == WORKING
	})
	time.Sleep(25 * time.Millisecond)

	command.mu.Lock()
	assert.Equal(t, 1, command.starts)
	command.mu.Unlock()

	close(command.release)
}

func Test_New_RejectsInvalidConcurrency(t *testing.T) {
	_, err := New(Config{MaxActive: 0}, event.New(), &recordingStore{})
	assert.Error(t, err)

	_, err = New(Config{MaxActive: -4}, event.New(), &recordingStore{})
	assert.Error(t, err)
}

func Test_ManagementOfUnknownTask_ReturnsNotFound(t *testing.T) {
	srv := startService(t, Config{MaxActive: 1}, &recordingStore{}, newFakeCommand(nil, nil))

	unknown := uuid.New()
	assert.ErrorIs(t, srv.CancelTask(unknown), ErrTaskNotFound)
	assert.ErrorIs(t, srv.PauseTask(unknown), ErrTaskNotFound)
	assert.ErrorIs(t, srv.ResumeTask(unknown), ErrTaskNotFound)

	_, err := srv.RestartTask(unknown)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
