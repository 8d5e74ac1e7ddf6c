// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"math"
	"sort"
)

// adjustBH applies the Benjamini-Hochberg step-up procedure and
// returns the adjusted p-values in the input order. NaN inputs stay
// NaN and do not count toward the number of tests.
func adjustBH(p []float64) []float64 {
	adj := make([]float64, len(p))
	idx := make([]int, 0, len(p))
	for i, v := range p {
		if math.IsNaN(v) {
			adj[i] = math.NaN()
		} else {
			idx = append(idx, i)
		}
	}
	n := len(idx)
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	min := 1.0
	for i := n - 1; i >= 0; i-- {
		a := p[idx[i]] * float64(n) / float64(i+1)
		if a > 1 {
			a = 1
		}
		if a < min {
			min = a
		}
		adj[idx[i]] = min
	}
	return adj
}
