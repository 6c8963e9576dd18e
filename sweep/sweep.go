// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sweep enumerates the hyperparameter configurations of a sweep and runs them one after the other.
package sweep

import (
	"fmt"
	"iter"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/mnist-tutorial/model"
	"github.com/gomlx/mnist-tutorial/trainer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Configs yields the Cartesian product of the given values. The learning rate is the outermost loop,
// followed by useTwoFC and then useTwoConv.
func Configs(learningRates []float64, useTwoFC, useTwoConv []bool) iter.Seq[model.Config] {
	return func(yield func(model.Config) bool) {
		for _, lr := range learningRates {
			for _, twoFC := range useTwoFC {
				for _, twoConv := range useTwoConv {
					if !yield(model.Config{LearningRate: lr, UseTwoFC: twoFC, UseTwoConv: twoConv}) {
						return
					}
				}
			}
		}
	}
}

// RunFn trains one configuration.
type RunFn func(config model.Config) (*trainer.Result, error)

// AnnounceFn is called before each run.
type AnnounceFn func(config model.Config)

// PrintAnnounce prints "Starting run for <run id>". It is the default AnnounceFn.
func PrintAnnounce(config model.Config) {
	fmt.Printf("Starting run for %s\n", config.RunID())
}

type runOptions struct {
	announce AnnounceFn
}

// Option of Run.
type Option func(*runOptions)

// WithAnnounce replaces PrintAnnounce. If announce is nil, runs are not announced.
func WithAnnounce(announce AnnounceFn) Option {
	return func(o *runOptions) { o.announce = announce }
}

// Run calls runFn for each configuration, sequentially. It stops at the first error, returning
// the results of the runs completed so far.
func Run(configs iter.Seq[model.Config], runFn RunFn, options ...Option) ([]*trainer.Result, error) {
	opts := runOptions{announce: PrintAnnounce}
	for _, option := range options {
		option(&opts)
	}
	var results []*trainer.Result
	for config := range configs {
		if opts.announce != nil {
			opts.announce(config)
		}
		result, err := runFn(config)
		if err != nil {
			return results, errors.WithMessagef(err, "sweep stopped after %d runs", len(results))
		}
		klog.V(1).Infof("Run %s done", config.RunID())
		results = append(results, result)
	}
	return results, nil
}

// Table returns a summary table of the results.
func Table(results []*trainer.Result) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	table.Headers("Run", "Steps", "Parameters", "Accuracy", "Loss", "Elapsed")
	for _, r := range results {
		table.Row(
			r.RunID,
			humanize.Comma(int64(r.Steps)),
			humanize.Comma(int64(r.NumParameters)),
			fmt.Sprintf("%.2f%%", 100*r.Accuracy),
			fmt.Sprintf("%.4f", r.Loss),
			r.Elapsed.Round(time.Millisecond).String(),
		)
	}
	return table.String()
}
