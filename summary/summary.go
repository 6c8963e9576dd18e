// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary writes the training summaries of a run: scalars, histograms, input images, the
// structure of the model and the embedding snapshots, all under the run's directory.
//
// Scalars and histograms are appended as JSON records (one per line) to RecordsFileName, so they can be
// read back with LoadRecords while training is still going.
package summary

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gomlx/mnist-tutorial/mnist"
	"github.com/gomlx/mnist-tutorial/projector"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

const (
	// RecordsFileName within the run directory, with all the summary records.
	RecordsFileName = "summaries.jsonl"

	// GraphFileName within the run directory, with the description of the model.
	GraphFileName = "graph.txt"

	// EmbeddingFileName within the run directory, with the last embedding snapshot in TSV format.
	EmbeddingFileName = "embedding.tsv"

	// PlotFileName within the run directory, with the plot of the scalar summaries.
	PlotFileName = "metrics.png"

	// ImagesDirName within the run directory, where image summaries are saved as PNG files.
	ImagesDirName = "images"
)

// RecordKind enumerates the kinds of summary records.
type RecordKind string

const (
	HeaderRecord    RecordKind = "header"
	ScalarRecord    RecordKind = "scalar"
	HistogramRecord RecordKind = "histogram"
	EmbeddingRecord RecordKind = "embedding"
	ImagesRecord    RecordKind = "images"
)

// Record is one line of the summaries file.
type Record struct {
	Kind     RecordKind
	Name     string `json:",omitempty"`
	Step     int
	WallTime time.Time

	// Value of a scalar record.
	Value float64 `json:",omitempty"`

	// Histogram of a histogram record.
	Histogram *Histogram `json:",omitempty"`

	// Paths of the PNG files of an images record, relative to the run directory.
	Paths []string `json:",omitempty"`

	// RunID and RunUUID are only set in the header record.
	RunID   string `json:",omitempty"`
	RunUUID string `json:",omitempty"`
}

// Writer of the summaries of one run. It is not safe for concurrent use.
type Writer struct {
	dir, runID string
	numBuckets int

	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder

	scalars map[string]plotter.XYs
}

// NewWriter creates the run directory dir (if needed) and a new summaries file in it,
// truncating any previous one. numBuckets is the number of buckets used for histograms.
func NewWriter(dir, runID string, numBuckets int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create summaries directory %q", dir)
	}
	filePath := path.Join(dir, RecordsFileName)
	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create summaries file %q", filePath)
	}
	w := &Writer{
		dir:        dir,
		runID:      runID,
		numBuckets: numBuckets,
		file:       f,
		buf:        bufio.NewWriter(f),
		scalars:    make(map[string]plotter.XYs),
	}
	w.enc = json.NewEncoder(w.buf)
	err = w.write(&Record{Kind: HeaderRecord, RunID: runID, RunUUID: uuid.NewString()})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// Dir returns the run directory.
func (w *Writer) Dir() string { return w.dir }

func (w *Writer) write(record *Record) error {
	record.WallTime = time.Now()
	if err := w.enc.Encode(record); err != nil {
		return errors.Wrapf(err, "failed to write %s summary %q", record.Kind, record.Name)
	}
	return nil
}

// Scalar records a scalar summary.
func (w *Writer) Scalar(name string, value float64, step int) error {
	w.scalars[name] = append(w.scalars[name], plotter.XY{X: float64(step), Y: value})
	return w.write(&Record{Kind: ScalarRecord, Name: name, Step: step, Value: value})
}

// Histogram records the distribution of values.
func (w *Writer) Histogram(name string, values []float32, step int) error {
	return w.write(&Record{Kind: HistogramRecord, Name: name, Step: step, Histogram: NewHistogram(values, w.numBuckets)})
}

// Embedding overwrites EmbeddingFileName with the given [rows, cols] matrix, and records the snapshot.
func (w *Writer) Embedding(values []float32, rows, cols, step int) error {
	if err := projector.WriteTensorTSV(path.Join(w.dir, EmbeddingFileName), values, rows, cols); err != nil {
		return err
	}
	return w.write(&Record{Kind: EmbeddingRecord, Name: EmbeddingFileName, Step: step})
}

// Images saves each image as a PNG file under ImagesDirName and records their paths.
func (w *Writer) Images(name string, images []mnist.Image, step int) error {
	dir := path.Join(w.dir, ImagesDirName)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create images directory %q", dir)
	}
	paths := make([]string, len(images))
	for ii, img := range images {
		paths[ii] = path.Join(ImagesDirName, fmt.Sprintf("%s-step%07d-%d.png", strings.ReplaceAll(name, "/", "_"), step, ii))
		filePath := path.Join(w.dir, paths[ii])
		if err := imaging.Save(img, filePath); err != nil {
			return errors.Wrapf(err, "failed to save image summary %q", filePath)
		}
	}
	return w.write(&Record{Kind: ImagesRecord, Name: name, Step: step, Paths: paths})
}

// AddGraph writes the description of the model structure to GraphFileName.
func (w *Writer) AddGraph(description string) error {
	filePath := path.Join(w.dir, GraphFileName)
	if err := os.WriteFile(filePath, []byte(description), 0666); err != nil {
		return errors.Wrapf(err, "failed to write graph description to %q", filePath)
	}
	return nil
}

// Flush buffered records to disk.
func (w *Writer) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush summaries in %q", w.dir)
	}
	return nil
}

// Close flushes and closes the summaries file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.Flush()
	if closeErr := w.file.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close summaries in %q", w.dir)
	}
	w.file = nil
	return err
}

// SavePlot plots all scalars recorded so far (one line each) to PlotFileName.
func (w *Writer) SavePlot() error {
	if len(w.scalars) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = w.runID
	p.X.Label.Text = "step"
	names := maps.Keys(w.scalars)
	slices.Sort(names)
	for ii, name := range names {
		line, err := plotter.NewLine(w.scalars[name])
		if err != nil {
			return errors.Wrapf(err, "failed to plot %q", name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Add(plotter.NewGrid())
	filePath := path.Join(w.dir, PlotFileName)
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	klog.V(1).Infof("Saved plot of %d metrics to %q", len(names), filePath)
	return nil
}

// LoadRecords parses all records of a summaries file.
func LoadRecords(filePath string) ([]Record, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read summaries file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var records []Record
	for {
		var record Record
		err := dec.Decode(&record)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding summaries file %q", filePath)
		}
		records = append(records, record)
	}
	return records, nil
}
