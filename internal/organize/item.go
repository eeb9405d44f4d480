package organize

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

type ItemState int

const (
	// SETTLE_HOLD items were modified too recently; they may still be
	// being written to (a download in flight, an unfinished copy) and are
	// re-evaluated once enough time has passed.
	SETTLE_HOLD ItemState = iota
	IDLE
	ORGANIZING
	TROUBLED
	COMPLETE
)

// Item is a single file the organizer has noticed and intends to move in
// to it's category directory.
type Item struct {
	ID       uuid.UUID
	Path     string
	State    ItemState
	Category string
	DestPath string
	Trouble  string
}

func (item *Item) modtimeDiff() (*time.Duration, error) {
	info, err := os.Stat(item.Path)
	if err != nil {
		return nil, err
	}

	diff := time.Since(info.ModTime())
	return &diff, nil
}

// organize moves the items file in to '<category>/<filename>' beneath the
// target root, creating the category directory if needed. Name collisions
// are resolved by suffixing ' (n)'; an existing file is never overwritten.
func (item *Item) organize(rules *RuleSet, targetRoot string) error {
	category, ok := rules.CategoryFor(item.Path)
	if !ok {
		return fmt.Errorf("no rule matches extension of '%s'", item.Path)
	}

	item.Category = category
	if targetRoot == "" {
		targetRoot = filepath.Dir(item.Path)
	}

	categoryDir := filepath.Join(targetRoot, category)
	if err := os.MkdirAll(categoryDir, os.ModeDir|os.ModePerm); err != nil {
		return fmt.Errorf("failed to create category directory '%s': %w", categoryDir, err)
	}

	dest, err := EnsureUniquePath(filepath.Join(categoryDir, filepath.Base(item.Path)))
	if err != nil {
		return fmt.Errorf("failed to determine destination for '%s': %w", item.Path, err)
	}

	if err := moveFile(item.Path, dest); err != nil {
		return fmt.Errorf("failed to move '%s' to '%s': %w", item.Path, dest, err)
	}

	item.DestPath = dest
	return nil
}

// moveFile renames source to dest, falling back to a copy+remove when the
// two paths live on different devices (rename cannot cross filesystems).
func moveFile(source string, dest string) error {
	if err := os.Rename(source, dest); err == nil {
		return nil
	} else if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(dest)
		return err
	}

	return os.Remove(source)
}

func (s ItemState) String() string {
	switch s {
	case SETTLE_HOLD:
		return "SETTLE_HOLD"
	case IDLE:
		return "IDLE"
	case ORGANIZING:
		return "ORGANIZING"
	case TROUBLED:
		return "TROUBLED"
	case COMPLETE:
		return "COMPLETE"
	}

	return "UNKNOWN"
}
