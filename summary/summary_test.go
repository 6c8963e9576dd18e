package summary

import (
	"math"
	"os"
	"path"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/mnist-tutorial/mnist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHistogram(t *testing.T) {
	h := NewHistogram([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 5)
	assert.Equal(t, 10.0, h.Num)
	assert.Equal(t, 0.0, h.Min)
	assert.Equal(t, 9.0, h.Max)
	assert.Equal(t, 45.0, h.Sum)
	assert.Equal(t, 285.0, h.SumSquares)
	assert.InDelta(t, 4.5, h.Mean(), 1e-9)
	require.Len(t, h.BucketLimits, 5)
	assert.Equal(t, []float64{2, 2, 2, 2, 2}, h.BucketCounts)
	assert.Greater(t, h.BucketLimits[4], 9.0, "last bucket must include the maximum")

	// Constant values, like freshly initialized biases.
	h = NewHistogram([]float32{0.1, 0.1, 0.1}, 3)
	assert.Equal(t, []float64{3, 0, 0}, h.BucketCounts)

	// Non-finite values are counted but not bucketed.
	h = NewHistogram([]float32{float32(math.NaN()), 1, float32(math.Inf(1)), 2}, 0)
	assert.Equal(t, 2, h.NonFinite)
	assert.Equal(t, 4.0, h.Num)
	assert.Len(t, h.BucketCounts, DefaultNumBuckets)
	var total float64
	for _, c := range h.BucketCounts {
		total += c
	}
	assert.Equal(t, 2.0, total)

	h = NewHistogram(nil, 10)
	assert.Empty(t, h.BucketCounts)
	assert.Equal(t, 0.0, h.Mean())
}

func TestWriter(t *testing.T) {
	dir := path.Join(t.TempDir(), "lr_1E-04,conv=2,fc=2")
	w, err := NewWriter(dir, "lr_1E-04,conv=2,fc=2", 4)
	require.NoError(t, err)
	assert.Equal(t, dir, w.Dir())

	require.NoError(t, w.AddGraph("model lr_1E-04,conv=2,fc=2\n"))
	require.NoError(t, w.Scalar("accuracy/accuracy", 0.12, 0))
	require.NoError(t, w.Scalar("xent/xent", 2.3, 0))
	require.NoError(t, w.Histogram("conv1/weights", []float32{-1, 0, 1, 2}, 0))
	require.NoError(t, w.Embedding([]float32{1, 2, 3, 4}, 2, 2, 0))
	require.Error(t, w.Embedding([]float32{1, 2, 3}, 2, 2, 0))
	require.NoError(t, w.Scalar("accuracy/accuracy", 0.5, 5))
	require.NoError(t, w.Scalar("xent/xent", 1.1, 5))
	require.NoError(t, w.SavePlot())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "closing twice is a no-op")

	records, err := LoadRecords(path.Join(dir, RecordsFileName))
	require.NoError(t, err)
	require.Len(t, records, 7)

	header := records[0]
	assert.Equal(t, HeaderRecord, header.Kind)
	assert.Equal(t, "lr_1E-04,conv=2,fc=2", header.RunID)
	assert.Len(t, header.RunUUID, 36)

	assert.Equal(t, ScalarRecord, records[1].Kind)
	assert.Equal(t, "accuracy/accuracy", records[1].Name)
	assert.Equal(t, 0.12, records[1].Value)

	hist := records[3]
	assert.Equal(t, HistogramRecord, hist.Kind)
	assert.Equal(t, "conv1/weights", hist.Name)
	require.NotNil(t, hist.Histogram)
	assert.Equal(t, []float64{1, 1, 1, 1}, hist.Histogram.BucketCounts)

	assert.Equal(t, EmbeddingRecord, records[4].Kind)
	assert.Equal(t, 5, records[6].Step)
	assert.Equal(t, 1.1, records[6].Value)

	graph, err := os.ReadFile(path.Join(dir, GraphFileName))
	require.NoError(t, err)
	assert.Contains(t, string(graph), "lr_1E-04,conv=2,fc=2")
	embedding, err := os.ReadFile(path.Join(dir, EmbeddingFileName))
	require.NoError(t, err)
	assert.Equal(t, "1\t2\n3\t4\n", string(embedding))
	assert.FileExists(t, path.Join(dir, PlotFileName))

	// A new writer for the same run starts a fresh file.
	w, err = NewWriter(dir, "lr_1E-04,conv=2,fc=2", 4)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	records, err = LoadRecords(path.Join(dir, RecordsFileName))
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestImages(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "run", 0)
	require.NoError(t, err)

	var digit mnist.Image
	digit[0] = 255
	require.NoError(t, w.Images("input", []mnist.Image{digit, {}, {}}, 5))
	require.NoError(t, w.Close())

	records, err := LoadRecords(path.Join(dir, RecordsFileName))
	require.NoError(t, err)
	require.Len(t, records, 2)
	record := records[1]
	assert.Equal(t, ImagesRecord, record.Kind)
	assert.Equal(t, "input", record.Name)
	assert.Equal(t, 5, record.Step)
	require.Len(t, record.Paths, 3)
	assert.Equal(t, "images/input-step0000005-0.png", record.Paths[0])

	img, err := imaging.Open(path.Join(dir, record.Paths[0]))
	require.NoError(t, err)
	assert.Equal(t, mnist.Width, img.Bounds().Dx())
	assert.Equal(t, mnist.Height, img.Bounds().Dy())
	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	r, _, _, _ = img.At(1, 0).RGBA()
	assert.Equal(t, uint32(0), r)
	for _, p := range record.Paths[1:] {
		assert.FileExists(t, path.Join(dir, p))
	}
}
