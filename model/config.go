// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import "fmt"

// Hyperparameter keys stored in the context of a run, so they are saved along the checkpoints.
const (
	ParamLearningRate = "learning_rate"
	ParamUseTwoConv   = "use_two_conv"
	ParamUseTwoFC     = "use_two_fc"
)

// Config holds the hyperparameters that select a model. It is immutable for the lifetime of a run.
type Config struct {
	// LearningRate used by the Adam optimizer. It is not validated: zero or negative values are accepted.
	LearningRate float64

	// UseTwoConv selects two convolution blocks (32 and 64 channels) instead of one (64 channels).
	UseTwoConv bool

	// UseTwoFC selects two fully-connected blocks (1024 hidden units) instead of one.
	UseTwoFC bool
}

// RunID returns the run identifier for the configuration, e.g. "lr_1E-04,conv=2,fc=2".
// It is used as the name of the run's directory.
func (c Config) RunID() string {
	conv, fc := 1, 1
	if c.UseTwoConv {
		conv = 2
	}
	if c.UseTwoFC {
		fc = 2
	}
	return fmt.Sprintf("lr_%.0E,conv=%d,fc=%d", c.LearningRate, conv, fc)
}

// String implements fmt.Stringer.
func (c Config) String() string { return c.RunID() }

// Params returns the configuration as context hyperparameters.
func (c Config) Params() map[string]any {
	return map[string]any{
		ParamLearningRate: c.LearningRate,
		ParamUseTwoConv:   c.UseTwoConv,
		ParamUseTwoFC:     c.UseTwoFC,
	}
}
