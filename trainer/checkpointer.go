// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Checkpointer saves all the variables and hyperparameters of a run's context.
// It implements CheckpointSink.
type Checkpointer struct {
	ctx     *context.Context
	handler *checkpoints.Handler
}

var _ CheckpointSink = (*Checkpointer)(nil)

// NewCheckpointer creates a Checkpointer that saves ctx in dir, keeping only the last keep checkpoints.
// If keep is non-positive all checkpoints are kept.
//
// If dir already has checkpoints, they are loaded into ctx.
func NewCheckpointer(ctx *context.Context, dir string, keep int) (*Checkpointer, error) {
	if keep <= 0 {
		keep = -1
	}
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(keep).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoints in %q", dir)
	}
	return &Checkpointer{ctx: ctx, handler: handler}, nil
}

// Save a checkpoint. Checkpoint file names include the global step of the optimizer, which
// equals step since the checkpoint is taken before the step's update.
func (c *Checkpointer) Save(step int) error {
	if globalStep := optimizers.GetGlobalStep(c.ctx); globalStep != int64(step) {
		klog.Warningf("checkpoint for step %d saved with global step %d", step, globalStep)
	}
	if err := c.handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint for step %d", step)
	}
	klog.V(1).Infof("Saved checkpoint for step %d in %q", step, c.handler.Dir())
	return nil
}

// Dir returns the directory of the checkpoints.
func (c *Checkpointer) Dir() string { return c.handler.Dir() }

// List returns the names of the checkpoints kept in Dir, oldest first.
func (c *Checkpointer) List() ([]string, error) { return c.handler.ListCheckpoints() }
