// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"errors"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
)

var errNoCutpoint = errors.New("no valid cutpoint")

// optimalCutpoint scans candidate expression thresholds and returns
// the one maximizing the log-rank statistic between the resulting
// High (> cut) and Low (<= cut) groups. Candidates are the distinct
// expression values inside the [minprop, 1-minprop] quantile window,
// and each side of a split must hold at least minprop of the
// patients. Returns errNoCutpoint when no split produces a positive
// statistic (constant expression, no events, underpowered sides).
func optimalCutpoint(expr, times []float64, events []bool, minprop float64) (float64, error) {
	if len(expr) == 0 {
		return 0, errNoCutpoint
	}
	lo, err := stats.Percentile(append([]float64(nil), expr...), minprop*100)
	if err != nil {
		return 0, errNoCutpoint
	}
	hi, err := stats.Percentile(append([]float64(nil), expr...), (1-minprop)*100)
	if err != nil {
		return 0, errNoCutpoint
	}

	candidates := append([]float64(nil), expr...)
	sort.Float64s(candidates)
	minSide := int(math.Ceil(minprop * float64(len(expr))))
	if minSide < 1 {
		minSide = 1
	}

	best := math.NaN()
	bestStat := 0.0
	high := make([]bool, len(expr))
	var prev float64
	for ci, cut := range candidates {
		if ci > 0 && cut == prev {
			continue
		}
		prev = cut
		if cut < lo || cut >= hi {
			continue
		}
		nHigh := 0
		for i, v := range expr {
			high[i] = v > cut
			if high[i] {
				nHigh++
			}
		}
		if nHigh < minSide || len(expr)-nHigh < minSide {
			continue
		}
		if stat, _ := logrank(times, events, high); stat > bestStat {
			bestStat = stat
			best = cut
		}
	}
	if math.IsNaN(best) || bestStat <= 0 {
		return 0, errNoCutpoint
	}
	return best, nil
}
