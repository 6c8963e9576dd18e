// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model builds the MNIST convolutional classifier: one or two convolution blocks,
// followed by one or two fully-connected blocks.
//
// All variables of a model live in the context.Context given to Build, so each run owns its
// parameters and two runs never share (or collide on) variable names.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mnist-tutorial/mnist"
)

const (
	// KernelSize of the convolutions.
	KernelSize = 5

	// FlattenSize is the size of the flattened output of the convolutions: 7x7x64.
	FlattenSize = 7 * 7 * 64

	// HiddenSize of the first fully-connected block, when UseTwoFC is set.
	HiddenSize = 1024

	// InitStdDev is the standard deviation of the truncated normal used to initialize weights.
	InitStdDev = 0.1

	// InitBias is the initial value of all biases.
	InitBias = 0.1

	// AdamEpsilon is the epsilon of the Adam optimizer, the TensorFlow default.
	AdamEpsilon = 1e-8

	// EmbeddingVarName is the name of the variable holding the last embedding snapshot.
	EmbeddingVarName = "test_embedding"
)

// DType used by all the parameters.
var DType = dtypes.Float32

// LayerKind is either a convolution or a fully-connected block.
type LayerKind int

const (
	ConvLayer LayerKind = iota
	FCLayer
)

// Layer is one block of the model along with its parameters.
type Layer struct {
	Name    string
	Kind    LayerKind
	In, Out int
	Weights *context.Variable
	Biases  *context.Variable
}

// String describes the layer.
func (l *Layer) String() string {
	if l.Kind == ConvLayer {
		return fmt.Sprintf("%s: conv %dx%d %d->%d, bias, relu, max-pool 2x2/2 (W%s, B%s)",
			l.Name, KernelSize, KernelSize, l.In, l.Out, l.Weights.Shape(), l.Biases.Shape())
	}
	return fmt.Sprintf("%s: dense %d->%d, bias, relu (W%s, B%s)",
		l.Name, l.In, l.Out, l.Weights.Shape(), l.Biases.Shape())
}

// Model is the classifier for one run. Create it with Build.
type Model struct {
	config    Config
	ctx       *context.Context
	convs     []*Layer
	extraPool bool
	fcs       []*Layer

	embedding     *context.Variable
	embeddingSize int
}

// Build creates the parameters of the model selected by config in ctx.
//
// Weights are sampled from a truncated normal (stddev InitStdDev, re-sampled beyond 2 stddev) using rng,
// and biases are set to InitBias. It also creates the non-trainable EmbeddingVarName variable, shaped
// [embeddingSamples, EmbeddingSize()], initialized with zeros.
//
// Variables that already exist in ctx, for instance loaded from a checkpoint, are reused with their
// current values.
func Build(ctx *context.Context, config Config, rng *rand.Rand, embeddingSamples int) *Model {
	ctx.SetParams(config.Params())
	m := &Model{config: config, ctx: ctx}
	if config.UseTwoConv {
		m.convs = []*Layer{
			newLayer(ctx, rng, "conv1", ConvLayer, 1, 32),
			newLayer(ctx, rng, "conv2", ConvLayer, 32, 64),
		}
	} else {
		m.convs = []*Layer{newLayer(ctx, rng, "conv", ConvLayer, 1, 64)}
		m.extraPool = true
	}
	if config.UseTwoFC {
		m.fcs = []*Layer{
			newLayer(ctx, rng, "fc1", FCLayer, FlattenSize, HiddenSize),
			newLayer(ctx, rng, "fc2", FCLayer, HiddenSize, mnist.NumClasses),
		}
		m.embeddingSize = HiddenSize
	} else {
		m.fcs = []*Layer{newLayer(ctx, rng, "fc", FCLayer, FlattenSize, mnist.NumClasses)}
		m.embeddingSize = FlattenSize
	}
	zeros := tensors.FromShape(shapes.Make(DType, embeddingSamples, m.embeddingSize))
	m.embedding = ctx.Checked(false).VariableWithValue(EmbeddingVarName, zeros).SetTrainable(false)
	return m
}

func newLayer(ctx *context.Context, rng *rand.Rand, name string, kind LayerKind, in, out int) *Layer {
	var weightsDims []int
	if kind == ConvLayer {
		weightsDims = []int{KernelSize, KernelSize, in, out}
	} else {
		weightsDims = []int{in, out}
	}
	scope := ctx.In(name).Checked(false)
	return &Layer{
		Name:    name,
		Kind:    kind,
		In:      in,
		Out:     out,
		Weights: scope.VariableWithValue("W", TruncatedNormal(rng, InitStdDev, weightsDims...)),
		Biases:  scope.VariableWithValue("B", Constant(InitBias, out)),
	}
}

// TruncatedNormal returns a tensor with values sampled from a normal distribution with the given stddev,
// re-sampling any value further than 2 standard deviations from the mean.
func TruncatedNormal(rng *rand.Rand, stddev float64, dimensions ...int) *tensors.Tensor {
	values := make([]float32, shapes.Make(DType, dimensions...).Size())
	for ii := range values {
		for {
			v := rng.NormFloat64()
			if math.Abs(v) <= 2 {
				values[ii] = float32(v * stddev)
				break
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(values, dimensions...)
}

// Constant returns a tensor filled with value.
func Constant(value float64, dimensions ...int) *tensors.Tensor {
	values := make([]float32, shapes.Make(DType, dimensions...).Size())
	for ii := range values {
		values[ii] = float32(value)
	}
	return tensors.FromFlatDataAndDimensions(values, dimensions...)
}

// Config returns the configuration used to build the model.
func (m *Model) Config() Config { return m.config }

// Context returns the context holding the model variables.
func (m *Model) Context() *context.Context { return m.ctx }

// Layers returns the convolution and fully-connected blocks, in order.
func (m *Model) Layers() []*Layer {
	all := make([]*Layer, 0, len(m.convs)+len(m.fcs))
	all = append(all, m.convs...)
	return append(all, m.fcs...)
}

// Parameters returns the trainable variables, weights and biases in layer order.
func (m *Model) Parameters() []*context.Variable {
	var params []*context.Variable
	for _, l := range m.Layers() {
		params = append(params, l.Weights, l.Biases)
	}
	return params
}

// NumParameters returns the total number of trainable scalars.
func (m *Model) NumParameters() int {
	var count int
	for _, v := range m.Parameters() {
		count += v.Shape().Size()
	}
	return count
}

// EmbeddingVar returns the variable that holds the embedding snapshot.
func (m *Model) EmbeddingVar() *context.Variable { return m.embedding }

// EmbeddingSize is the width of the embedding tap: HiddenSize with two fully-connected blocks,
// FlattenSize otherwise.
func (m *Model) EmbeddingSize() int { return m.embeddingSize }

// Optimizer returns the Adam optimizer configured with the model's learning rate.
func (m *Model) Optimizer() optimizers.Interface {
	return optimizers.Adam().LearningRate(m.config.LearningRate).Epsilon(AdamEpsilon).Done()
}

// Describe returns a human-readable description of the model structure, one layer per line.
func (m *Model) Describe() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "model %s\n", m.config.RunID())
	_, _ = fmt.Fprintf(&sb, "input: [batch, %d] -> reshape [batch, %d, %d, 1]\n", mnist.ImageSize, mnist.Height, mnist.Width)
	for _, l := range m.convs {
		_, _ = fmt.Fprintf(&sb, "%s\n", l)
	}
	if m.extraPool {
		_, _ = fmt.Fprintf(&sb, "pool: max-pool 2x2/2\n")
	}
	_, _ = fmt.Fprintf(&sb, "flatten: [batch, %d]\n", FlattenSize)
	for _, l := range m.fcs {
		_, _ = fmt.Fprintf(&sb, "%s\n", l)
	}
	_, _ = fmt.Fprintf(&sb, "xent: softmax cross-entropy, mean over batch\n")
	_, _ = fmt.Fprintf(&sb, "train: adam(learning_rate=%g, epsilon=%g)\n", m.config.LearningRate, AdamEpsilon)
	_, _ = fmt.Fprintf(&sb, "embedding: %s[%s]\n", EmbeddingVarName, m.embedding.Shape())
	return sb.String()
}

// Outputs of the forward pass of the model.
type Outputs struct {
	// Logits shaped [batch, mnist.NumClasses]. They went through a ReLU, like every other block.
	Logits *Node

	// Flat is the flattened output of the convolutions, shaped [batch, FlattenSize].
	Flat *Node

	// Embedding is the embedding tap, shaped [batch, EmbeddingSize()].
	Embedding *Node

	// Activations of each layer (see Layers), after the ReLU and before pooling.
	Activations []*Node
}

// Forward builds the model graph for images shaped [batch, mnist.ImageSize].
func (m *Model) Forward(images *Node) *Outputs {
	g := images.Graph()
	if images.Rank() != 2 || images.Shape().Dimensions[1] != mnist.ImageSize {
		exceptions.Panicf("model expects images shaped [batch, %d], got %s", mnist.ImageSize, images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]
	out := &Outputs{}

	x := Reshape(images, batchSize, mnist.Height, mnist.Width, 1)
	for _, l := range m.convs {
		var act *Node
		act, x = l.convBlock(g, x)
		out.Activations = append(out.Activations, act)
	}
	if m.extraPool {
		x = MaxPool(x).Window(2).Strides(2).PadSame().Done()
	}
	out.Flat = Reshape(x, batchSize, FlattenSize)

	x = out.Flat
	out.Embedding = out.Flat
	for ii, l := range m.fcs {
		x = l.fcBlock(g, x)
		out.Activations = append(out.Activations, x)
		if ii == 0 && len(m.fcs) > 1 {
			out.Embedding = x
		}
	}
	out.Logits = x
	return out
}

// Logits returns the model output for images shaped [batch, mnist.ImageSize].
func (m *Model) Logits(images *Node) *Node {
	return m.Forward(images).Logits
}

// convBlock returns the activations (before pooling) and the pooled output.
func (l *Layer) convBlock(g *Graph, x *Node) (act, pooled *Node) {
	kernel := l.Weights.ValueGraph(g)
	bias := Reshape(l.Biases.ValueGraph(g), 1, 1, 1, l.Out)
	conv := Convolve(x, kernel).PadSame().Done()
	act = activations.Relu(Add(conv, bias))
	pooled = MaxPool(act).Window(2).Strides(2).PadSame().Done()
	return
}

func (l *Layer) fcBlock(g *Graph, x *Node) *Node {
	weights := l.Weights.ValueGraph(g)
	bias := Reshape(l.Biases.ValueGraph(g), 1, l.Out)
	return activations.Relu(Add(Einsum("bi,io->bo", x, weights), bias))
}

// Loss is the softmax cross-entropy between logits and the one-hot labels, averaged over the batch.
func Loss(logits, labels *Node) *Node {
	return ReduceAllMean(losses.CategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
}

// Accuracy is the fraction of examples whose arg-max of logits matches the arg-max of labels.
func Accuracy(logits, labels *Node) *Node {
	predicted := ArgMax(logits, 1)
	expected := ArgMax(labels, 1)
	return ReduceAllMean(ConvertDType(Equal(predicted, expected), logits.DType()))
}
