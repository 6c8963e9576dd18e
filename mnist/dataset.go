// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist - The MNIST database of handwritten digits.
//
// It reads the dataset the way the classic TensorFlow tutorials do: the first
// DefaultValidationSize training examples are held out as a validation split, pixels
// are normalized to [0, 1] and labels are one-hot encoded. Batches are drawn
// with DataSet.NextBatch, which reshuffles the examples at every epoch.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math"
	"math/rand/v2"
	"net/url"
	"os"
	"path"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	// Width and Height of each image, in pixels.
	Width  = 28
	Height = 28

	// ImageSize is the number of pixels of a flattened image.
	ImageSize = Width * Height

	// NumClasses is the number of digits.
	NumClasses = 10

	// DefaultValidationSize is the number of training examples held out for validation.
	DefaultValidationSize = 5000

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Image represents a MNIST image. It is an array of bytes representing the color.
// 0 is black (the background) and 255 is white (the digit color).
type Image [ImageSize]byte

var _ image.Image = Image{}

// ColorModel implements the image.Image interface.
func (img Image) ColorModel() color.Model {
	return color.GrayModel
}

// Bounds implements the image.Image interface.
func (img Image) Bounds() image.Rectangle {
	return image.Rectangle{
		Min: image.Point{},
		Max: image.Point{X: Width, Y: Height},
	}
}

// At implements the image.Image interface.
func (img Image) At(x, y int) color.Color {
	return color.Gray{Y: img[y*Width+x]}
}

// ImagesFromFlat converts the first n images of flat, normalized to [0, 1] and shaped
// [batch, ImageSize], back to Image values. Values out of range are clipped.
func ImagesFromFlat(flat []float32, n int) []Image {
	n = min(n, len(flat)/ImageSize)
	images := make([]Image, n)
	for ii := range images {
		for jj, v := range flat[ii*ImageSize : (ii+1)*ImageSize] {
			images[ii][jj] = uint8(math.Round(float64(max(0, min(1, v))) * 255))
		}
	}
	return images
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// Download MNIST files to baseDir, if they are not there yet.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create data directory %q", baseDir)
	}
	files := []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename}
	for _, file := range files {
		fileURL, err := url.JoinPath(downloadURL, file)
		if err != nil {
			return errors.Wrapf(err, "invalid URL for %q", file)
		}
		filePath := path.Join(baseDir, file)
		if err := data.DownloadIfMissing(fileURL, filePath, ""); err != nil {
			return errors.WithMessagef(err, "failed to download %q", fileURL)
		}
	}
	return nil
}

// DataSets holds the three splits of MNIST.
type DataSets struct {
	Train, Validation, Test *DataSet
}

// ReadDataSets downloads (if needed) and loads MNIST from dataDir.
//
// The first validationSize training examples become the Validation split. If rng is nil,
// the training split is not shuffled. The test split is never shuffled, so its first
// examples are always the same.
func ReadDataSets(dataDir string, validationSize int, rng *rand.Rand) (*DataSets, error) {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if err := Download(dataDir); err != nil {
		return nil, err
	}
	trainPixels, numTrain, err := loadImageFile(path.Join(dataDir, trainImagesFilename))
	if err != nil {
		return nil, err
	}
	trainLabels, err := loadLabelFile(path.Join(dataDir, trainLabelsFilename))
	if err != nil {
		return nil, err
	}
	testPixels, _, err := loadImageFile(path.Join(dataDir, testImagesFilename))
	if err != nil {
		return nil, err
	}
	testLabels, err := loadLabelFile(path.Join(dataDir, testLabelsFilename))
	if err != nil {
		return nil, err
	}
	if validationSize < 0 || validationSize > numTrain {
		return nil, errors.Errorf("validation size should be between 0 and %d, got %d", numTrain, validationSize)
	}

	sets := &DataSets{}
	sets.Validation, err = NewDataSet(trainPixels[:validationSize*ImageSize], trainLabels[:validationSize], nil)
	if err != nil {
		return nil, errors.WithMessage(err, "validation split")
	}
	sets.Train, err = NewDataSet(trainPixels[validationSize*ImageSize:], trainLabels[validationSize:], rng)
	if err != nil {
		return nil, errors.WithMessage(err, "train split")
	}
	sets.Test, err = NewDataSet(testPixels, testLabels, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "test split")
	}
	klog.V(1).Infof("MNIST loaded from %q: %d train, %d validation, %d test examples",
		dataDir, sets.Train.Size(), sets.Validation.Size(), sets.Test.Size())
	return sets, nil
}

// NextBatch returns the next training batch.
func (sets *DataSets) NextBatch(batchSize int) (images, labels []float32) {
	return sets.Train.NextBatch(batchSize)
}

// EvalImages returns the first n test images, flattened to shape [n, ImageSize].
// If n is larger than the test split, all the test images are returned.
func (sets *DataSets) EvalImages(n int) []float32 {
	n = min(n, sets.Test.Size())
	return sets.Test.images[:n*ImageSize]
}

// DataSet is one split of MNIST, with images normalized to [0, 1] and one-hot labels.
type DataSet struct {
	pixels  []byte
	classes []uint8
	images  []float32
	labels  []float32
	size    int

	rng             *rand.Rand
	indices         []int
	position        int
	epochsCompleted int
}

// NewDataSet creates a DataSet from raw pixels (ImageSize bytes per image) and class labels.
// If rng is not nil, examples are shuffled at the start of every epoch.
func NewDataSet(pixels []byte, classes []uint8, rng *rand.Rand) (*DataSet, error) {
	if len(pixels) != len(classes)*ImageSize {
		return nil, errors.Errorf("mnist: %d labels but %d pixels (expected %d per image)",
			len(classes), len(pixels), ImageSize)
	}
	ds := &DataSet{
		pixels:  pixels,
		classes: classes,
		size:    len(classes),
		rng:     rng,
		images:  make([]float32, len(pixels)),
		labels:  make([]float32, len(classes)*NumClasses),
	}
	for ii, p := range pixels {
		ds.images[ii] = float32(p) / 255.0
	}
	for ii, class := range classes {
		if int(class) >= NumClasses {
			return nil, errors.Errorf("mnist: invalid label %d for example %d", class, ii)
		}
		ds.labels[ii*NumClasses+int(class)] = 1
	}
	ds.indices = make([]int, ds.size)
	for ii := range ds.indices {
		ds.indices[ii] = ii
	}
	return ds, nil
}

// Size returns the number of examples.
func (ds *DataSet) Size() int { return ds.size }

// Images returns all images, flattened to shape [Size, ImageSize].
func (ds *DataSet) Images() []float32 { return ds.images }

// Labels returns all one-hot labels, flattened to shape [Size, NumClasses].
func (ds *DataSet) Labels() []float32 { return ds.labels }

// Classes returns the digit of each example.
func (ds *DataSet) Classes() []uint8 { return ds.classes }

// Image returns the i-th example as an image.Image.
func (ds *DataSet) Image(i int) Image {
	var img Image
	copy(img[:], ds.pixels[i*ImageSize:(i+1)*ImageSize])
	return img
}

// EpochsCompleted returns how many times NextBatch went through the whole split.
func (ds *DataSet) EpochsCompleted() int { return ds.epochsCompleted }

// NextBatch returns the next batchSize examples: images shaped [batchSize, ImageSize] and one-hot
// labels shaped [batchSize, NumClasses].
//
// When an epoch ends in the middle of a batch, the remaining examples of the epoch are used
// and the batch is completed with examples of the next (reshuffled) epoch.
func (ds *DataSet) NextBatch(batchSize int) (images, labels []float32) {
	if ds.size == 0 {
		return nil, nil
	}
	if ds.position == 0 && ds.epochsCompleted == 0 {
		ds.shuffle()
	}
	batchIndices := make([]int, 0, batchSize)
	for len(batchIndices) < batchSize {
		if ds.position >= ds.size {
			ds.epochsCompleted++
			ds.position = 0
			ds.shuffle()
		}
		take := min(batchSize-len(batchIndices), ds.size-ds.position)
		batchIndices = append(batchIndices, ds.indices[ds.position:ds.position+take]...)
		ds.position += take
	}
	images = gatherRows(ds.images, ImageSize, batchIndices)
	labels = gatherRows(ds.labels, NumClasses, batchIndices)
	return
}

func (ds *DataSet) shuffle() {
	if ds.rng == nil {
		return
	}
	ds.rng.Shuffle(len(ds.indices), func(i, j int) {
		ds.indices[i], ds.indices[j] = ds.indices[j], ds.indices[i]
	})
}

// gatherRows copies the rows (of rowSize elements) of flat selected by idx.
func gatherRows[T any, I constraints.Integer](flat []T, rowSize int, idx []I) []T {
	rows := make([]T, 0, len(idx)*rowSize)
	for _, i := range idx {
		start := int(i) * rowSize
		rows = append(rows, flat[start:start+rowSize]...)
	}
	return rows
}

// loadImageFile opens the gzipped image file and parses it. It returns the pixels of all images
// concatenated, and the number of images.
func loadImageFile(filename string) (pixels []byte, numImages int, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open %q", filename)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to uncompress %q", filename)
	}
	defer func() { _ = reader.Close() }()
	pixels, numImages, err = readImages(reader)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "while reading %q", filename)
	}
	return
}

// readImages parses an (uncompressed) IDX image stream.
func readImages(r io.Reader) (pixels []byte, numImages int, err error) {
	var header imageFileHeader
	if err = binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read image file header")
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height {
		return nil, 0, errors.Errorf("mnist: invalid image file format (magic=0x%08x, %dx%d)",
			header.Magic, header.Width, header.Height)
	}
	if header.NumImages < 0 {
		return nil, 0, errors.Errorf("mnist: invalid number of images %d in image file header", header.NumImages)
	}
	numImages = int(header.NumImages)
	pixels = make([]byte, numImages*ImageSize)
	if _, err = io.ReadFull(r, pixels); err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read %d images", numImages)
	}
	return
}

// loadLabelFile opens the gzipped label file and parses it.
func loadLabelFile(filename string) ([]uint8, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filename)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to uncompress %q", filename)
	}
	defer func() { _ = reader.Close() }()
	labels, err := readLabels(reader)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %q", filename)
	}
	return labels, nil
}

// readLabels parses an (uncompressed) IDX label stream.
func readLabels(r io.Reader) ([]uint8, error) {
	var header labelFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read label file header")
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("mnist: invalid label file format (magic=0x%08x)", header.Magic)
	}
	if header.NumLabels < 0 {
		return nil, errors.Errorf("mnist: invalid number of labels %d in label file header", header.NumLabels)
	}
	labels := make([]uint8, header.NumLabels)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels", header.NumLabels)
	}
	return labels, nil
}
