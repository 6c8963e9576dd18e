// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/mnist-tutorial/projector"
	"github.com/gomlx/mnist-tutorial/summary"
)

// Hyperparameter keys of the training options, which can be set with commandline.ParseContextSettings.
const (
	ParamTrainSteps       = "train_steps"
	ParamBatchSize        = "batch_size"
	ParamSummaryEvery     = "summary_every"
	ParamCheckpointEvery  = "checkpoint_every"
	ParamEmbeddingSamples = "embedding_samples"
	ParamSeed             = "rng_seed"
	ParamNumCheckpoints   = "num_checkpoints"
	ParamHistogramBuckets = "histogram_buckets"
)

// Options of the training loop.
type Options struct {
	// Steps is the exact number of training steps. There is no early stopping.
	Steps int

	BatchSize int

	// SummaryEvery and CheckpointEvery are the period, in steps, of the summaries and checkpoints.
	// Both happen at step 0. Non-positive values disable them.
	SummaryEvery, CheckpointEvery int

	// EmbeddingSamples is the number of evaluation images used for the embedding snapshot.
	EmbeddingSamples int

	// Seed for the initialization of the parameters. If 0 it is based on the current time.
	Seed uint64

	// NumCheckpoints to keep, older ones are removed.
	NumCheckpoints int

	// HistogramBuckets is the number of buckets of the histogram summaries.
	HistogramBuckets int

	// ProgressBar enables a progress bar for each run.
	ProgressBar bool

	// Plots saves a plot of the scalar summaries at the end of each run.
	Plots bool

	// Assets used in the projector configuration of each run. If the paths are empty, no projector
	// configuration is written.
	Assets projector.Assets
}

// DefaultOptions returns the defaults of the tutorial.
func DefaultOptions() Options {
	return Options{
		Steps:            2001,
		BatchSize:        100,
		SummaryEvery:     5,
		CheckpointEvery:  500,
		EmbeddingSamples: 1024,
		NumCheckpoints:   5,
		HistogramBuckets: summary.DefaultNumBuckets,
	}
}

// CreateDefaultContext returns a context with the default options set as hyperparameters.
func CreateDefaultContext() *context.Context {
	opts := DefaultOptions()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:       opts.Steps,
		ParamBatchSize:        opts.BatchSize,
		ParamSummaryEvery:     opts.SummaryEvery,
		ParamCheckpointEvery:  opts.CheckpointEvery,
		ParamEmbeddingSamples: opts.EmbeddingSamples,
		ParamSeed:             0,
		ParamNumCheckpoints:   opts.NumCheckpoints,
		ParamHistogramBuckets: opts.HistogramBuckets,
	})
	return ctx
}

// OptionsFromContext returns the options configured in the hyperparameters of ctx,
// using the defaults for the missing ones.
func OptionsFromContext(ctx *context.Context) Options {
	opts := DefaultOptions()
	opts.Steps = context.GetParamOr(ctx, ParamTrainSteps, opts.Steps)
	opts.BatchSize = context.GetParamOr(ctx, ParamBatchSize, opts.BatchSize)
	opts.SummaryEvery = context.GetParamOr(ctx, ParamSummaryEvery, opts.SummaryEvery)
	opts.CheckpointEvery = context.GetParamOr(ctx, ParamCheckpointEvery, opts.CheckpointEvery)
	opts.EmbeddingSamples = context.GetParamOr(ctx, ParamEmbeddingSamples, opts.EmbeddingSamples)
	opts.Seed = uint64(context.GetParamOr(ctx, ParamSeed, 0))
	opts.NumCheckpoints = context.GetParamOr(ctx, ParamNumCheckpoints, opts.NumCheckpoints)
	opts.HistogramBuckets = context.GetParamOr(ctx, ParamHistogramBuckets, opts.HistogramBuckets)
	return opts
}

// IsSummaryStep returns whether the summaries are emitted at step.
func (opts *Options) IsSummaryStep(step int) bool {
	return opts.SummaryEvery > 0 && step%opts.SummaryEvery == 0
}

// IsCheckpointStep returns whether the embedding snapshot and a checkpoint are taken at step.
func (opts *Options) IsCheckpointStep(step int) bool {
	return opts.CheckpointEvery > 0 && step%opts.CheckpointEvery == 0
}
