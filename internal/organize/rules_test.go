package organize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_CategoryFor_MatchesKnownExtensions(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		path     string
		category string
	}{
		{"/downloads/holiday.mp4", "Videos"},
		{"/downloads/HOLIDAY.MKV", "Videos"},
		{"/downloads/photo.jpeg", "Pictures"},
		{"/downloads/track.flac", "Music"},
		{"/downloads/report.pdf", "Documents"},
		{"/downloads/backup.tar", "Archives"},
		{"/downloads/installer.deb", "Apps"},
	}

	for _, test := range tests {
		category, ok := rules.CategoryFor(test.path)
		assert.True(t, ok, "expected a category for %s", test.path)
		assert.Equal(t, test.category, category, "category mismatch for %s", test.path)
	}
}

func Test_CategoryFor_RejectsUnknownAndMissingExtensions(t *testing.T) {
	rules := DefaultRules()

	for _, path := range []string{"/downloads/mystery.xyz123", "/downloads/LICENSE", "/downloads/noext."} {
		_, ok := rules.CategoryFor(path)
		assert.False(t, ok, "expected no category for %s", path)
	}
}

func Test_Extend_OverridesDefaultCategory(t *testing.T) {
	rules := DefaultRules()
	rules.Extend(map[string][]string{"Ebooks": {".epub", "mobi"}})

	category, ok := rules.CategoryFor("/downloads/novel.epub")
	require.True(t, ok)
	assert.Equal(t, "Ebooks", category)

	category, ok = rules.CategoryFor("/downloads/novel.mobi")
	require.True(t, ok)
	assert.Equal(t, "Ebooks", category)

	// Untouched defaults still apply
	category, ok = rules.CategoryFor("/downloads/report.pdf")
	require.True(t, ok)
	assert.Equal(t, "Documents", category)
}

func Test_EnsureUniquePath_ReturnsPathWhenFree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")

	unique, err := EnsureUniquePath(path)
	require.NoError(t, err)
	assert.Equal(t, path, unique)
}

func Test_EnsureUniquePath_SuffixesOnCollision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	unique, err := EnsureUniquePath(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo (1).jpg"), unique)

	require.NoError(t, os.WriteFile(unique, []byte("first copy"), 0o644))

	unique, err = EnsureUniquePath(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo (2).jpg"), unique)
}
