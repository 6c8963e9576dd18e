package model

import (
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/mnist-tutorial/mnist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestRunID(t *testing.T) {
	testCases := []struct {
		config Config
		want   string
	}{
		{Config{LearningRate: 1e-4, UseTwoConv: true, UseTwoFC: true}, "lr_1E-04,conv=2,fc=2"},
		{Config{LearningRate: 1e-3, UseTwoConv: false, UseTwoFC: true}, "lr_1E-03,conv=1,fc=2"},
		{Config{LearningRate: 1e-4, UseTwoConv: true, UseTwoFC: false}, "lr_1E-04,conv=2,fc=1"},
		{Config{LearningRate: 0.5, UseTwoConv: false, UseTwoFC: false}, "lr_5E-01,conv=1,fc=1"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, tc.config.RunID())
		// Deterministic.
		assert.Equal(t, tc.config.RunID(), tc.config.RunID())
	}
}

func allConfigs() []Config {
	var configs []Config
	for _, twoConv := range []bool{false, true} {
		for _, twoFC := range []bool{false, true} {
			configs = append(configs, Config{LearningRate: 1e-4, UseTwoConv: twoConv, UseTwoFC: twoFC})
		}
	}
	return configs
}

func TestBuild(t *testing.T) {
	for _, config := range allConfigs() {
		t.Run(config.RunID(), func(t *testing.T) {
			ctx := context.New()
			m := Build(ctx, config, rand.New(rand.NewPCG(42, 0)), 16)

			wantLayers := 2
			if config.UseTwoConv {
				wantLayers++
			}
			if config.UseTwoFC {
				wantLayers++
			}
			require.Len(t, m.Layers(), wantLayers)
			require.Len(t, m.Parameters(), 2*wantLayers)

			for _, l := range m.Layers() {
				weights := tensors.CopyFlatData[float32](l.Weights.Value())
				var nonZero int
				for _, w := range weights {
					require.LessOrEqual(t, w, float32(2*InitStdDev)+1e-6)
					require.GreaterOrEqual(t, w, float32(-2*InitStdDev)-1e-6)
					if w != 0 {
						nonZero++
					}
				}
				assert.Greater(t, nonZero, len(weights)/2, "weights of %s should be random", l.Name)
				for _, b := range tensors.CopyFlatData[float32](l.Biases.Value()) {
					require.InDelta(t, InitBias, b, 1e-6)
				}
			}

			emb := m.EmbeddingVar()
			assert.False(t, emb.Trainable)
			assert.Equal(t, []int{16, m.EmbeddingSize()}, emb.Shape().Dimensions)
			if config.UseTwoFC {
				assert.Equal(t, HiddenSize, m.EmbeddingSize())
			} else {
				assert.Equal(t, FlattenSize, m.EmbeddingSize())
			}
			assert.Contains(t, m.Describe(), config.RunID())
			assert.Greater(t, m.NumParameters(), FlattenSize*mnist.NumClasses)
		})
	}
}

func TestBuildReusesVariables(t *testing.T) {
	ctx := context.New()
	config := Config{LearningRate: 1e-4, UseTwoConv: true, UseTwoFC: true}
	first := Build(ctx, config, rand.New(rand.NewPCG(1, 1)), 4)
	want := tensors.CopyFlatData[float32](first.Layers()[0].Weights.Value())

	var second *Model
	require.NotPanics(t, func() { second = Build(ctx, config, rand.New(rand.NewPCG(2, 2)), 4) })
	for ii, v := range second.Parameters() {
		assert.Same(t, first.Parameters()[ii], v)
	}
	assert.Same(t, first.EmbeddingVar(), second.EmbeddingVar())
	assert.Equal(t, want, tensors.CopyFlatData[float32](second.Layers()[0].Weights.Value()))
}

func TestForwardShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize = 3
	images := tensors.FromFlatDataAndDimensions(make([]float32, batchSize*mnist.ImageSize), batchSize, mnist.ImageSize)
	for _, config := range allConfigs() {
		t.Run(config.RunID(), func(t *testing.T) {
			ctx := context.New()
			m := Build(ctx, config, rand.New(rand.NewPCG(1, 1)), batchSize)
			exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
				out := m.Forward(images)
				return []*Node{out.Flat, out.Embedding, out.Logits}
			})
			defer exec.Finalize()
			results := exec.Call(images)
			require.Len(t, results, 3)

			// The flattened representation has the same size for one or two convolutions.
			assert.Equal(t, []int{batchSize, FlattenSize}, results[0].Shape().Dimensions)
			assert.Equal(t, []int{batchSize, m.EmbeddingSize()}, results[1].Shape().Dimensions)
			assert.Equal(t, []int{batchSize, mnist.NumClasses}, results[2].Shape().Dimensions)

			// Logits went through a ReLU.
			for _, v := range tensors.CopyFlatData[float32](results[2]) {
				assert.GreaterOrEqual(t, v, float32(0))
			}
		})
	}
}

func TestAccuracy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(logits, labels *Node) *Node {
		return Accuracy(logits, labels)
	})
	defer exec.Finalize()

	labels := [][]float32{{0, 1, 0}, {1, 0, 0}, {0, 0, 1}, {0, 0, 1}}
	allRight := [][]float32{{0.1, 0.8, 0.1}, {5, 1, 1}, {0, 0, 3}, {-1, -2, 0}}
	got := exec.Call(allRight, labels)[0].Value().(float32)
	assert.Equal(t, float32(1), got)

	halfRight := [][]float32{{0.1, 0.8, 0.1}, {5, 1, 1}, {3, 0, 0}, {0, 2, 0}}
	got = exec.Call(halfRight, labels)[0].Value().(float32)
	assert.InDelta(t, 0.5, got, 1e-6)

	single := exec.Call([][]float32{{0, 0, 2}}, [][]float32{{1, 0, 0}})[0].Value().(float32)
	assert.Equal(t, float32(0), single)
}

func TestLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(logits, labels *Node) *Node {
		return Loss(logits, labels)
	})
	defer exec.Finalize()

	labels := [][]float32{{0, 1, 0}, {1, 0, 0}}
	uniform := exec.Call([][]float32{{0, 0, 0}, {0, 0, 0}}, labels)[0].Value().(float32)
	assert.InDelta(t, 1.0986123, uniform, 1e-5, "log(3) for uniform predictions")

	wrong := exec.Call([][]float32{{5, 0, 0}, {0, 5, 0}}, labels)[0].Value().(float32)
	assert.Greater(t, wrong, uniform)

	confident := exec.Call([][]float32{{0, 30, 0}, {30, 0, 0}}, labels)[0].Value().(float32)
	assert.GreaterOrEqual(t, confident, float32(0))
	assert.Less(t, confident, float32(1e-6))
}
