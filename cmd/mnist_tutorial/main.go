// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mnist_tutorial trains a small sweep of MNIST convolutional classifiers, writing summaries,
// embedding snapshots and checkpoints of each run under -logdir.
//
// With no arguments it runs the single configuration lr=1E-04 with two convolutions and two
// fully-connected layers for 2001 steps. Training options can be changed with -set, e.g.:
//
//	mnist_tutorial -set="train_steps=200;batch_size=50"
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"path"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/mnist-tutorial/mnist"
	"github.com/gomlx/mnist-tutorial/model"
	"github.com/gomlx/mnist-tutorial/projector"
	"github.com/gomlx/mnist-tutorial/sweep"
	"github.com/gomlx/mnist-tutorial/trainer"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagLogDir   = flag.String("logdir", "/tmp/mnist_tutorial/", "Directory where the projector assets and the runs are stored.")
	flagDataDir  = flag.String("data", "", "Directory to cache the MNIST dataset. Defaults to <logdir>/data.")
	flagSprite   = flag.String("sprite", "download", `How to obtain the projector sprite and labels: "download" or "generate".`)
	flagPlots    = flag.Bool("plots", false, "Save a plot of the accuracy and loss of each run.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar while training.")
)

// Hyperparameters of the sweep.
var (
	learningRates = []float64{1e-4}
	useTwoFC      = []bool{true}
	useTwoConv    = []bool{true}
)

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		klog.Infof("Options: %s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	var err error
	exception := exceptions.TryCatch[error](func() { err = run(ctx) })
	if err == nil {
		err = exception
	}
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
}

func run(ctx *context.Context) error {
	opts := trainer.OptionsFromContext(ctx)
	opts.ProgressBar = *flagProgress
	opts.Plots = *flagPlots
	logDir := data.ReplaceTildeInDir(*flagLogDir)
	dataDir := *flagDataDir
	if dataDir == "" {
		dataDir = path.Join(logDir, "data")
	}

	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	datasets, err := mnist.ReadDataSets(dataDir, mnist.DefaultValidationSize, rand.New(rand.NewPCG(seed, 0)))
	if err != nil {
		return err
	}

	switch *flagSprite {
	case "download":
		opts.Assets, err = projector.Download(logDir)
	case "generate":
		opts.Assets, err = projector.Generate(logDir, datasets.Test, opts.EmbeddingSamples)
	default:
		err = errors.Errorf("invalid -sprite=%q, valid values are \"download\" or \"generate\"", *flagSprite)
	}
	if err != nil {
		return err
	}

	backend := backends.MustNew()
	defer backend.Finalize()
	klog.V(1).Infof("Backend: %s", backend.Name())

	t := trainer.New(backend, datasets, opts)
	results, err := sweep.Run(sweep.Configs(learningRates, useTwoFC, useTwoConv), func(config model.Config) (*trainer.Result, error) {
		return t.RunConfig(config, logDir)
	})
	if len(results) > 0 {
		if termenv.EnvNoColor() {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
		fmt.Println(sweep.Table(results))
	}
	if err != nil {
		return err
	}
	fmt.Printf("Done training! Summaries and checkpoints of each run are in %s\n", logDir)
	return nil
}
