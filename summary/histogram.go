// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultNumBuckets used by histograms.
const DefaultNumBuckets = 30

// Histogram summarizes the distribution of the values of a tensor.
// Its fields mirror the histogram records used by TensorBoard.
type Histogram struct {
	Min, Max   float64
	Num        float64
	Sum        float64
	SumSquares float64

	// NonFinite counts NaN and infinite values, which are not included in the buckets.
	NonFinite int `json:",omitempty"`

	// BucketLimits holds the upper limit of each bucket, and BucketCounts the number of values in it.
	BucketLimits []float64
	BucketCounts []float64
}

// NewHistogram builds a histogram of values with numBuckets equally spaced buckets
// spanning from the minimum to the maximum value.
func NewHistogram(values []float32, numBuckets int) *Histogram {
	if numBuckets < 1 {
		numBuckets = DefaultNumBuckets
	}
	h := &Histogram{Num: float64(len(values))}
	x := make([]float64, 0, len(values))
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			h.NonFinite++
			continue
		}
		x = append(x, f)
	}
	if len(x) == 0 {
		return h
	}
	slices.Sort(x)
	h.Min, h.Max = x[0], x[len(x)-1]
	h.Sum = floats.Sum(x)
	h.SumSquares = floats.Dot(x, x)

	// Buckets are [lower, upper), so the last divider must be strictly larger than the maximum.
	upper := math.Nextafter(h.Max, math.Inf(1))
	if h.Max == h.Min {
		upper = h.Min + 1
	}
	dividers := floats.Span(make([]float64, numBuckets+1), h.Min, upper)
	h.BucketCounts = stat.Histogram(nil, dividers, x, nil)
	h.BucketLimits = dividers[1:]
	return h
}

// Mean of the finite values.
func (h *Histogram) Mean() float64 {
	n := h.Num - float64(h.NonFinite)
	if n == 0 {
		return 0
	}
	return h.Sum / n
}
