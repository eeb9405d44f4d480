package organize

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/courierd/courier/internal/event"
	"github.com/courierd/courier/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

func startService(t *testing.T, config Config) *organizeService {
	srv, err := New(config, event.New())
	require.NoError(t, err)

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
	deadline := time.After(3 * time.Second)
	for {
		if condition() {
			return
		}

		select {
		case <-deadline:
			t.Fatalf("timed out waiting for: %s", message)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
}

func allConcluded(srv *organizeService, ids []uuid.UUID) bool {
	for _, id := range ids {
		item := srv.Item(id)
		if item == nil || (item.State != COMPLETE && item.State != TROUBLED) {
			return false
		}
	}

	return true
}

func Test_OrganizeDir_MovesFilesInToCategoryDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "holiday.mp4"))
	writeFile(t, filepath.Join(dir, "report.pdf"))
	writeFile(t, filepath.Join(dir, "mystery.xyz123"))

	srv := startService(t, Config{Parallelism: 1, SettleSeconds: 1, ForceSyncSeconds: 100})

	ids, err := srv.OrganizeDir(dir)
	require.NoError(t, err)
	require.Len(t, ids, 2, "the file with no matching rule should not be queued")

	waitFor(t, "queued files to be organized", func() bool {
		return allConcluded(srv, ids)
	})

	assert.FileExists(t, filepath.Join(dir, "Videos", "holiday.mp4"))
	assert.FileExists(t, filepath.Join(dir, "Documents", "report.pdf"))
	assert.FileExists(t, filepath.Join(dir, "mystery.xyz123"))
	assert.NoFileExists(t, filepath.Join(dir, "holiday.mp4"))
}

func Test_OrganizeDir_NeverOverwritesOnCollision(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Pictures"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Pictures", "photo.jpg"), []byte("existing"), 0o644))
	writeFile(t, filepath.Join(dir, "photo.jpg"))

	srv := startService(t, Config{Parallelism: 1, SettleSeconds: 1, ForceSyncSeconds: 100})

	ids, err := srv.OrganizeDir(dir)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	waitFor(t, "queued file to be organized", func() bool {
		return allConcluded(srv, ids)
	})

	item := srv.Item(ids[0])
	assert.Equal(t, COMPLETE, item.State)
	assert.Equal(t, filepath.Join(dir, "Pictures", "photo (1).jpg"), item.DestPath)

	existing, err := os.ReadFile(filepath.Join(dir, "Pictures", "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "existing", string(existing))
}

func Test_WatchedDirectory_OrganizesSettledFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "track.mp3"))

	// Backdate the file so the settle hold does not apply
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "track.mp3"), old, old))

	srv := startService(t, Config{
		WatchDirs:        []string{dir},
		Parallelism:      1,
		SettleSeconds:    5,
		ForceSyncSeconds: 100,
	})

	waitFor(t, "settled file to be organized", func() bool {
		_, err := os.Stat(filepath.Join(dir, "Music", "track.mp3"))
		return err == nil
	})
	items := srv.AllItems()
	require.Len(t, items, 1)
	assert.Equal(t, COMPLETE, items[0].State)
}

func Test_WatchedDirectory_HoldsFreshFilesUntilSettled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "fresh.mp4"))

	srv := startService(t, Config{
		WatchDirs:        []string{dir},
		Parallelism:      1,
		SettleSeconds:    1,
		ForceSyncSeconds: 100,
	})

	waitFor(t, "fresh file to be noticed", func() bool {
		return len(srv.AllItems()) == 1
	})
	assert.Equal(t, SETTLE_HOLD, srv.AllItems()[0].State)

	// Once the settle window elapses the hold timer releases the item
	waitFor(t, "file to settle and be organized", func() bool {
		_, err := os.Stat(filepath.Join(dir, "Videos", "fresh.mp4"))
		return err == nil
	})
}

func Test_RemoveItem_RejectedWhileOrganizing(t *testing.T) {
	srv, err := New(Config{Parallelism: 1, SettleSeconds: 1, ForceSyncSeconds: 100}, event.New())
	require.NoError(t, err)

	item := &Item{ID: uuid.New(), Path: "/tmp/busy.mp4", State: ORGANIZING}
	srv.items = append(srv.items, item)

	assert.Error(t, srv.RemoveItem(item.ID))

	item.State = COMPLETE
	assert.NoError(t, srv.RemoveItem(item.ID))
	assert.Nil(t, srv.Item(item.ID))
}
