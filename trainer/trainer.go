// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements the fixed-length training loop of one run, with periodic summaries,
// embedding snapshots and checkpoints.
package trainer

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/mnist-tutorial/mnist"
	"github.com/gomlx/mnist-tutorial/model"
	"github.com/gomlx/mnist-tutorial/projector"
	"github.com/gomlx/mnist-tutorial/summary"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Names of the summaries.
const (
	AccuracySummary = "accuracy/accuracy"
	LossSummary     = "xent/xent"
	InputSummary    = "input"
)

// NumInputImages is the number of minibatch images logged on each summary step.
const NumInputImages = 3

// DataSource provides the training minibatches and the evaluation images.
// Images are flat [n, mnist.ImageSize] and labels one-hot [n, mnist.NumClasses].
type DataSource interface {
	NextBatch(batchSize int) (images, labels []float32)
	EvalImages(n int) []float32
}

// LogSink receives the summaries of a run.
type LogSink interface {
	Scalar(name string, value float64, step int) error
	Histogram(name string, values []float32, step int) error
	Images(name string, images []mnist.Image, step int) error
	Embedding(values []float32, rows, cols, step int) error
}

// CheckpointSink saves the state of a run.
type CheckpointSink interface {
	Save(step int) error
}

// Result of a run.
type Result struct {
	RunID string

	// Steps executed.
	Steps int

	// Accuracy and Loss of the last summary, measured on a training minibatch.
	Accuracy, Loss float64

	// SummarySteps and CheckpointSteps list the steps where summaries and checkpoints were taken.
	SummarySteps, CheckpointSteps []int

	NumParameters int
	Elapsed       time.Duration
	Dir           string
}

// Trainer runs training loops. Each run has its own context, executors and writers,
// released before the next run starts.
type Trainer struct {
	backend backends.Backend
	ds      DataSource
	opts    Options
}

// New creates a Trainer for the given backend and data source.
func New(backend backends.Backend, ds DataSource, opts Options) *Trainer {
	return &Trainer{backend: backend, ds: ds, opts: opts}
}

// Options returns the trainer's options.
func (t *Trainer) Options() Options { return t.opts }

// RunConfig runs a complete training for config, with all its files stored in logDir/<run id>.
// Any previous contents of the run directory are removed first, so stale checkpoints are never loaded.
func (t *Trainer) RunConfig(config model.Config, logDir string) (*Result, error) {
	runID := config.RunID()
	runDir := path.Join(data.ReplaceTildeInDir(logDir), runID)
	if data.FileExists(runDir) {
		klog.Warningf("Removing previous run in %q", runDir)
		if err := os.RemoveAll(runDir); err != nil {
			return nil, errors.Wrapf(err, "failed to clear run directory %q", runDir)
		}
	}

	seed := t.opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	numSamples := len(t.ds.EvalImages(t.opts.EmbeddingSamples)) / mnist.ImageSize
	ctx := context.New()
	var m *model.Model
	err := exceptions.TryCatch[error](func() {
		m = model.Build(ctx, config, rand.New(rand.NewPCG(seed, seed)), numSamples)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build model for %s", runID)
	}

	writer, err := summary.NewWriter(runDir, runID, t.opts.HistogramBuckets)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			klog.Errorf("Failed to close summaries of %s: %+v", runID, err)
		}
	}()
	if err = writer.AddGraph(m.Describe()); err != nil {
		return nil, err
	}
	if t.opts.Assets.SpritePath != "" || t.opts.Assets.LabelsPath != "" {
		err = projector.NewConfig(model.EmbeddingVarName, summary.EmbeddingFileName, t.opts.Assets).Write(runDir)
		if err != nil {
			return nil, err
		}
	}
	checkpointer, err := NewCheckpointer(ctx, runDir, t.opts.NumCheckpoints)
	if err != nil {
		return nil, err
	}

	result, err := t.Run(m, writer, checkpointer)
	if err != nil {
		return nil, err
	}
	result.Dir = runDir
	if t.opts.Plots {
		if err = writer.SavePlot(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Run trains m for exactly Options.Steps steps.
//
// At each step it draws a minibatch; then on summary steps it emits the accuracy and loss on that
// minibatch (before the update), its first NumInputImages images and the histograms of every layer; on checkpoint steps it stores the
// embedding of the evaluation images in the model's embedding variable, exports it to logs and saves a
// checkpoint; finally it applies one optimizer update.
func (t *Trainer) Run(m *model.Model, logs LogSink, checkpoints CheckpointSink) (result *Result, err error) {
	runID := m.Config().RunID()
	var loopErr error
	err = exceptions.TryCatch[error](func() {
		result, loopErr = t.loop(m, logs, checkpoints)
	})
	if err == nil {
		err = loopErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "run %s", runID)
	}
	return result, nil
}

func (t *Trainer) loop(m *model.Model, logs LogSink, checkpoints CheckpointSink) (*Result, error) {
	opts := &t.opts
	runID := m.Config().RunID()
	result := &Result{RunID: runID, NumParameters: m.NumParameters()}
	start := time.Now()
	klog.V(1).Infof("Training %s: %s parameters, %d steps", runID, humanize.Comma(int64(result.NumParameters)), opts.Steps)

	optimizer := m.Optimizer()
	trainExec := context.NewExec(t.backend, m.Context(), func(ctx *context.Context, images, labels *Node) *Node {
		loss := model.Loss(m.Logits(images), labels)
		optimizer.UpdateGraph(ctx, images.Graph(), loss)
		return loss
	})
	defer trainExec.Finalize()
	metricsExec := context.NewExec(t.backend, m.Context(), func(ctx *context.Context, images, labels *Node) []*Node {
		out := m.Forward(images)
		metrics := []*Node{model.Accuracy(out.Logits, labels), model.Loss(out.Logits, labels)}
		return append(metrics, out.Activations...)
	})
	defer metricsExec.Finalize()
	embeddingExec := context.NewExec(t.backend, m.Context(), func(ctx *context.Context, images *Node) *Node {
		return m.Forward(images).Embedding
	})
	defer embeddingExec.Finalize()

	var evalImages *tensors.Tensor
	if opts.CheckpointEvery > 0 && opts.Steps > 0 {
		numSamples := m.EmbeddingVar().Shape().Dimensions[0]
		flat := t.ds.EvalImages(numSamples)
		if len(flat) != numSamples*mnist.ImageSize {
			return nil, errors.Errorf("embedding requires %d evaluation images, data source provided %d values (%d per image)",
				numSamples, len(flat), mnist.ImageSize)
		}
		evalImages = tensors.FromFlatDataAndDimensions(flat, numSamples, mnist.ImageSize)
	}

	var bar *progressbar.ProgressBar
	if opts.ProgressBar {
		bar = progressbar.NewOptions(opts.Steps,
			progressbar.OptionSetDescription(runID),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(os.Stderr) }),
			progressbar.OptionSetWriter(os.Stderr))
	}

	for step := range opts.Steps {
		imagesFlat, labelsFlat := t.ds.NextBatch(opts.BatchSize)
		if len(imagesFlat) != opts.BatchSize*mnist.ImageSize || len(labelsFlat) != opts.BatchSize*mnist.NumClasses {
			return nil, errors.Errorf("step %d: data source returned %d image values and %d label values for a batch of %d",
				step, len(imagesFlat), len(labelsFlat), opts.BatchSize)
		}
		images := tensors.FromFlatDataAndDimensions(imagesFlat, opts.BatchSize, mnist.ImageSize)
		labels := tensors.FromFlatDataAndDimensions(labelsFlat, opts.BatchSize, mnist.NumClasses)

		if opts.IsSummaryStep(step) {
			if err := t.summarize(m, metricsExec, images, labels, step, logs, result); err != nil {
				return nil, err
			}
			if err := logs.Images(InputSummary, mnist.ImagesFromFlat(imagesFlat, NumInputImages), step); err != nil {
				return nil, err
			}
		}
		if opts.IsCheckpointStep(step) {
			if err := t.snapshot(m, embeddingExec, evalImages, step, logs, checkpoints); err != nil {
				return nil, err
			}
			result.CheckpointSteps = append(result.CheckpointSteps, step)
		}
		trainExec.Call(images, labels)
		result.Steps++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	result.Elapsed = time.Since(start)
	klog.V(1).Infof("Finished %s in %s: accuracy=%.4f, loss=%.4f", runID, result.Elapsed, result.Accuracy, result.Loss)
	return result, nil
}

// summarize emits the scalar and histogram summaries for the minibatch.
func (t *Trainer) summarize(m *model.Model, exec *context.Exec, images, labels *tensors.Tensor,
	step int, logs LogSink, result *Result) error {
	outputs := exec.Call(images, labels)
	result.Accuracy = float64(tensors.ToScalar[float32](outputs[0]))
	result.Loss = float64(tensors.ToScalar[float32](outputs[1]))
	result.SummarySteps = append(result.SummarySteps, step)
	if err := logs.Scalar(AccuracySummary, result.Accuracy, step); err != nil {
		return err
	}
	if err := logs.Scalar(LossSummary, result.Loss, step); err != nil {
		return err
	}
	for ii, l := range m.Layers() {
		histograms := []struct {
			name   string
			values *tensors.Tensor
		}{
			{"weights", l.Weights.Value()},
			{"biases", l.Biases.Value()},
			{"activations", outputs[2+ii]},
		}
		for _, h := range histograms {
			if err := logs.Histogram(l.Name+"/"+h.name, tensors.CopyFlatData[float32](h.values), step); err != nil {
				return err
			}
		}
	}
	return nil
}

// snapshot stores the embedding of the evaluation images, exports it and saves a checkpoint.
func (t *Trainer) snapshot(m *model.Model, exec *context.Exec, evalImages *tensors.Tensor,
	step int, logs LogSink, checkpoints CheckpointSink) error {
	embedding := exec.Call(evalImages)[0]
	m.EmbeddingVar().SetValue(embedding)
	dims := embedding.Shape().Dimensions
	if err := logs.Embedding(tensors.CopyFlatData[float32](embedding), dims[0], dims[1], step); err != nil {
		return err
	}
	return checkpoints.Save(step)
}
