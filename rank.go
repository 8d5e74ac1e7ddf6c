// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"math"
	"sort"
)

// averageRanks assigns 1-based ranks to x, averaging ranks across
// tied values. NaN entries are excluded from ranking and stay NaN in
// the result. The number of ranked (non-NaN) entries is returned
// alongside the ranks.
func averageRanks(x []float64) (ranks []float64, n int) {
	ranks = make([]float64, len(x))
	idx := make([]int, 0, len(x))
	for i, v := range x {
		if math.IsNaN(v) {
			ranks[i] = math.NaN()
		} else {
			idx = append(idx, i)
		}
	}
	n = len(idx)
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	for i := 0; i < n; {
		j := i
		for j < n && x[idx[j]] == x[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}
	return ranks, n
}
