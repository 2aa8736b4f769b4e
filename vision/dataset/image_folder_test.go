package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-fer/emotion"
)

// makeTree creates empty image files below root, one per class/name pair
func makeTree(t *testing.T, root string, files map[string][]string) {
	t.Helper()
	for class, names := range files {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0755))
		for _, name := range names {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
		}
	}
}

func TestImageFolderOrdering(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, map[string][]string{
		"Sad":   {"3.jpg", "10.jpg"},
		"Angry": {"7.png", "1.jpg", "notes.txt"},
		"Happy": {},
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), nil, 0644))

	d, err := NewImageFolderDataset(root, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Angry", "Happy", "Sad"}, d.ClassNames())
	assert.Equal(t, 4, d.Len())
	assert.Equal(t, []int{0, 0, 2, 2}, d.Labels())

	path, label, err := d.GetItem(0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Angry", "1.jpg"), path)
	assert.Equal(t, 0, label)

	path, _, _ = d.GetItem(2)
	assert.Equal(t, filepath.Join(root, "Sad", "10.jpg"), path)

	_, _, err = d.GetItem(4)
	assert.Error(t, err)

	assert.Equal(t, map[string]int{"Angry": 2, "Sad": 2}, d.ClassDistribution())
	assert.True(t, strings.HasPrefix(d.String(), "ImageFolderDataset: 4 samples, 3 classes"))

	again, err := NewImageFolderDataset(root, nil)
	require.NoError(t, err)
	assert.Equal(t, d.Labels(), again.Labels())
}

func TestNewLabeledImageFolder(t *testing.T) {
	t.Run("MatchesRegistry", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, PrepareTree(root, emotion.Default()))
		makeTree(t, filepath.Join(root, "train"), map[string][]string{"Fear": {"1.jpg"}, "Surprise": {"2.jpg"}})

		d, err := NewLabeledImageFolder(filepath.Join(root, "train"), emotion.Default())
		require.NoError(t, err)
		assert.Equal(t, []int{2, 6}, d.Labels())
	})

	t.Run("MissingClass", func(t *testing.T) {
		root := t.TempDir()
		makeTree(t, root, map[string][]string{"Angry": {"1.jpg"}, "Happy": {"2.jpg"}})
		_, err := NewLabeledImageFolder(root, emotion.Default())
		assert.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := NewLabeledImageFolder(t.TempDir(), emotion.Default())
		assert.Error(t, err)
	})
}

func TestSubsetAndTake(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, map[string][]string{
		"a": {"1.jpg", "2.jpg", "3.jpg"},
		"b": {"4.jpg", "5.jpg", "6.jpg"},
	})
	d, err := NewImageFolderDataset(root, nil)
	require.NoError(t, err)

	sub := d.Subset([]int{5, 0})
	assert.Equal(t, []int{1, 0}, sub.Labels())
	assert.Equal(t, d.ClassNames(), sub.ClassNames())

	taken := d.Take(2)
	assert.Equal(t, []int{0, 1}, taken.Labels())
	assert.Same(t, d, d.Take(0))
	assert.Same(t, d, d.Take(10))
}
