package dataset

import (
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-fer/emotion"
)

func pixelRow(v string) string {
	return strings.TrimSpace(strings.Repeat(v+" ", PixelCount))
}

func writeCSV(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fer2013.csv")
	content := "emotion,pixels,Usage\n"
	for _, r := range rows {
		content += r + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func countDirs(t *testing.T, root string) int {
	t.Helper()
	n := 0
	for _, split := range Splits {
		entries, err := os.ReadDir(filepath.Join(root, split))
		require.NoError(t, err)
		for _, e := range entries {
			if e.IsDir() {
				n++
			}
		}
	}
	return n
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestSplitForUsage(t *testing.T) {
	assert.Equal(t, "train", SplitForUsage("Training"))
	assert.Equal(t, "validation", SplitForUsage("PublicTest"))
	assert.Equal(t, "test", SplitForUsage("PrivateTest"))
	assert.Equal(t, "train", SplitForUsage("Holdout"))
	assert.Equal(t, "train", SplitForUsage(""))
}

func TestParseRecord(t *testing.T) {
	reg := emotion.Default()

	t.Run("Valid", func(t *testing.T) {
		s, err := ParseRecord(4, FERRecord{Emotion: "6", Pixels: pixelRow("17"), Usage: "PrivateTest"}, reg)
		require.NoError(t, err)
		assert.Equal(t, "Surprise", s.Label)
		assert.Equal(t, "test", s.Split)
		assert.Len(t, s.Pixels, PixelCount)
		assert.Equal(t, uint8(17), s.Pixels[100])
		assert.Equal(t, filepath.Join("root", "test", "Surprise", "4.jpg"), s.Path("root"))
	})

	for name, rec := range map[string]FERRecord{
		"ShortRow":      {Emotion: "1", Pixels: "1 2 3"},
		"PixelTooLarge": {Emotion: "1", Pixels: strings.Replace(pixelRow("0"), "0", "256", 1)},
		"NegativePixel": {Emotion: "1", Pixels: strings.Replace(pixelRow("0"), "0", "-1", 1)},
		"TextPixel":     {Emotion: "1", Pixels: strings.Replace(pixelRow("0"), "0", "x", 1)},
		"ClassTooLarge": {Emotion: "7", Pixels: pixelRow("0")},
		"NegativeClass": {Emotion: "-1", Pixels: pixelRow("0")},
		"TextClass":     {Emotion: "happy", Pixels: pixelRow("0")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRecord(0, rec, reg)
			require.Error(t, err)
			assert.Equal(t, ErrMalformedRow, errors.Cause(err))
		})
	}
}

func TestMaterializeSingleHappyRow(t *testing.T) {
	csvPath := writeCSV(t, "3,"+pixelRow("0")+",Training")
	root := t.TempDir()

	report, err := Materialize(context.Background(), csvPath, root, DefaultMaterializeOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, report.RowsRead)
	assert.Equal(t, 1, report.Written)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, report.Counts["train"]["Happy"])
	assert.Equal(t, 21, countDirs(t, root))
	assert.Equal(t, []string{"train/Happy/0.jpg"}, listFiles(t, root))

	f, err := os.Open(filepath.Join(root, "train", "Happy", "0.jpg"))
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 48, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
	r, g, b, _ := img.At(10, 10).RGBA()
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
	assert.Less(t, r>>8, uint32(8))
}

func TestMaterializeEmptyCSVCreatesTree(t *testing.T) {
	root := t.TempDir()
	report, err := Materialize(context.Background(), writeCSV(t), root, DefaultMaterializeOptions())
	require.NoError(t, err)
	assert.Zero(t, report.RowsRead)
	assert.Equal(t, 21, countDirs(t, root))
	assert.Empty(t, listFiles(t, root))

	// running again over an existing tree is fine
	_, err = Materialize(context.Background(), writeCSV(t), root, DefaultMaterializeOptions())
	require.NoError(t, err)
	assert.Equal(t, 21, countDirs(t, root))
}

func TestMaterializeIsolatesMalformedRows(t *testing.T) {
	csvPath := writeCSV(t,
		"0,"+pixelRow("10")+",PublicTest",
		"9,"+pixelRow("10")+",Training",
		"2,1 2 3,Training",
		"5,"+pixelRow("200")+",PrivateTest",
		"4,"+pixelRow("50")+",Somewhere",
	)
	root := t.TempDir()
	opts := DefaultMaterializeOptions()
	opts.Workers = 2

	report, err := Materialize(context.Background(), csvPath, root, opts)
	require.NoError(t, err)

	assert.Equal(t, 5, report.RowsRead)
	assert.Equal(t, 3, report.Written)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, 1, report.Failed[0].Row)
	assert.Equal(t, 2, report.Failed[1].Row)
	assert.Equal(t, 21, countDirs(t, root))
	assert.ElementsMatch(t, []string{
		"validation/Angry/0.jpg",
		"test/Sad/3.jpg",
		"train/Neutral/4.jpg",
	}, listFiles(t, root))
	assert.Contains(t, report.String(), "validation: Angry=1")
}

func TestMaterializeMissingCSV(t *testing.T) {
	root := t.TempDir()
	_, err := Materialize(context.Background(), filepath.Join(root, "nope.csv"), root, DefaultMaterializeOptions())
	assert.Error(t, err)
}

func TestMaterializeCancelled(t *testing.T) {
	csvPath := writeCSV(t, "3,"+pixelRow("0")+",Training", "1,"+pixelRow("0")+",Training")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Materialize(ctx, csvPath, t.TempDir(), DefaultMaterializeOptions())
	assert.Equal(t, context.Canceled, errors.Cause(err))
}
