// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package projector prepares the files used by the TensorBoard embedding projector:
// the sprite image with the thumbnails of the embedded examples, their labels (metadata),
// the embedding values and the projector configuration tying them together.
package projector

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/mnist-tutorial/mnist"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// AssetsURL is where the prebuilt sprite and labels are downloaded from.
	AssetsURL = "https://raw.githubusercontent.com/mamcgrath/TensorBoard-TF-Dev-Summit-Tutorial/master/"

	// SpriteFileName of the sprite image, with the thumbnails of the first 1024 test images.
	SpriteFileName = "sprite_1024.png"

	// LabelsFileName of the metadata file, with one label per line for the first 1024 test images.
	LabelsFileName = "labels_1024.tsv"

	// ConfigFileName of the projector configuration, written to each run directory.
	ConfigFileName = "projector_config.pbtxt"
)

// Assets are the paths to the sprite and labels files shared by all runs.
type Assets struct {
	SpritePath, LabelsPath string
}

// AssetsIn returns the default assets paths within dir.
func AssetsIn(dir string) Assets {
	return Assets{
		SpritePath: path.Join(dir, SpriteFileName),
		LabelsPath: path.Join(dir, LabelsFileName),
	}
}

// Download fetches the sprite and labels files into dir, if they are not there yet.
func Download(dir string) (Assets, error) {
	dir = data.ReplaceTildeInDir(dir)
	assets := AssetsIn(dir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return assets, errors.Wrapf(err, "failed to create assets directory %q", dir)
	}
	for _, filePath := range []string{assets.SpritePath, assets.LabelsPath} {
		url := AssetsURL + path.Base(filePath)
		if err := data.DownloadIfMissing(url, filePath, ""); err != nil {
			return assets, errors.WithMessagef(err, "failed to download projector asset from %q", url)
		}
	}
	return assets, nil
}

// Generate builds the sprite and labels files in dir from the first n images of ds,
// instead of downloading them.
func Generate(dir string, ds *mnist.DataSet, n int) (Assets, error) {
	dir = data.ReplaceTildeInDir(dir)
	assets := AssetsIn(dir)
	n = min(n, ds.Size())
	if n <= 0 {
		return assets, errors.Errorf("no images to build the sprite from")
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return assets, errors.Wrapf(err, "failed to create assets directory %q", dir)
	}
	if err := imaging.Save(Sprite(ds, n), assets.SpritePath); err != nil {
		return assets, errors.Wrapf(err, "failed to save sprite to %q", assets.SpritePath)
	}
	if err := WriteLabels(assets.LabelsPath, ds.Classes()[:n]); err != nil {
		return assets, err
	}
	klog.V(1).Infof("Generated projector sprite and labels for %d images in %q", n, dir)
	return assets, nil
}

// Sprite returns a square grid with the thumbnails of the first n images of ds, in row-major order.
// Digits are drawn dark over a light background.
func Sprite(ds *mnist.DataSet, n int) *image.NRGBA {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	sprite := imaging.New(side*mnist.Width, side*mnist.Height, color.Black)
	for ii := range n {
		img := ds.Image(ii)
		pos := image.Pt((ii%side)*mnist.Width, (ii/side)*mnist.Height)
		draw.Draw(sprite, img.Bounds().Add(pos), img, image.Point{}, draw.Src)
	}
	return imaging.Invert(sprite)
}

// WriteLabels writes one class per line, the single column metadata format of the projector.
func WriteLabels(filePath string, classes []uint8) error {
	var sb strings.Builder
	for _, c := range classes {
		sb.WriteString(strconv.Itoa(int(c)))
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(filePath, []byte(sb.String()), 0666); err != nil {
		return errors.Wrapf(err, "failed to write labels to %q", filePath)
	}
	return nil
}

// WriteTensorTSV writes the [rows, cols] matrix values as tab separated values, one row per line.
func WriteTensorTSV(filePath string, values []float32, rows, cols int) error {
	if rows*cols != len(values) {
		return errors.Errorf("embedding of %d values can't be shaped [%d, %d]", len(values), rows, cols)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := bufio.NewWriter(f)
	for row := range rows {
		for col, v := range values[row*cols : (row+1)*cols] {
			if col > 0 {
				_ = w.WriteByte('\t')
			}
			_, _ = w.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
		}
		_ = w.WriteByte('\n')
	}
	err = w.Flush()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return nil
}

// Config of one embedding in the projector.
type Config struct {
	TensorName   string
	TensorPath   string
	MetadataPath string
	SpritePath   string

	// ThumbnailWidth and ThumbnailHeight of each image in the sprite.
	ThumbnailWidth, ThumbnailHeight int
}

// NewConfig for the embedding variable tensorName saved in tensorPath, using the given assets.
func NewConfig(tensorName, tensorPath string, assets Assets) Config {
	return Config{
		TensorName:      tensorName,
		TensorPath:      tensorPath,
		MetadataPath:    assets.LabelsPath,
		SpritePath:      assets.SpritePath,
		ThumbnailWidth:  mnist.Width,
		ThumbnailHeight: mnist.Height,
	}
}

// String returns the configuration in protobuf text format.
func (c Config) String() string {
	var sb strings.Builder
	sb.WriteString("embeddings {\n")
	_, _ = fmt.Fprintf(&sb, "  tensor_name: %q\n", c.TensorName)
	if c.TensorPath != "" {
		_, _ = fmt.Fprintf(&sb, "  tensor_path: %q\n", c.TensorPath)
	}
	if c.MetadataPath != "" {
		_, _ = fmt.Fprintf(&sb, "  metadata_path: %q\n", c.MetadataPath)
	}
	if c.SpritePath != "" {
		sb.WriteString("  sprite {\n")
		_, _ = fmt.Fprintf(&sb, "    image_path: %q\n", c.SpritePath)
		_, _ = fmt.Fprintf(&sb, "    single_image_dim: %d\n", c.ThumbnailWidth)
		_, _ = fmt.Fprintf(&sb, "    single_image_dim: %d\n", c.ThumbnailHeight)
		sb.WriteString("  }\n")
	}
	sb.WriteString("}\n")
	return sb.String()
}

// Write the configuration to ConfigFileName in dir.
func (c Config) Write(dir string) error {
	filePath := path.Join(dir, ConfigFileName)
	if err := os.WriteFile(filePath, []byte(c.String()), 0666); err != nil {
		return errors.Wrapf(err, "failed to write projector config to %q", filePath)
	}
	return nil
}
