// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var chisquared = distuv.ChiSquared{K: 1, Src: rand.NewSource(rand.Uint64())}

// logrank compares survival between the high group (high[i]==true)
// and the rest. times are times-to-event, events marks observed
// deaths (false = censored). It returns the log-rank chi-squared
// statistic and its p-value. Degenerate inputs (one empty group, no
// events, zero variance) return stat 0, p 1.
func logrank(times []float64, events, high []bool) (stat, p float64) {
	type obs struct {
		t     float64
		event bool
		high  bool
	}
	all := make([]obs, len(times))
	n1 := 0
	for i := range times {
		all[i] = obs{times[i], events[i], high[i]}
		if high[i] {
			n1++
		}
	}
	if n1 == 0 || n1 == len(all) {
		return 0, 1
	}
	sort.Slice(all, func(a, b int) bool { return all[a].t < all[b].t })

	var o1, e1, v float64
	atRisk := float64(len(all))
	atRisk1 := float64(n1)
	for i := 0; i < len(all); {
		j := i
		var d, d1, leave, leave1 float64
		for j < len(all) && all[j].t == all[i].t {
			if all[j].event {
				d++
				if all[j].high {
					d1++
				}
			}
			leave++
			if all[j].high {
				leave1++
			}
			j++
		}
		if d > 0 && atRisk > 1 {
			frac := atRisk1 / atRisk
			o1 += d1
			e1 += d * frac
			v += d * frac * (1 - frac) * (atRisk - d) / (atRisk - 1)
		}
		atRisk -= leave
		atRisk1 -= leave1
		i = j
	}
	if v <= 0 {
		return 0, 1
	}
	stat = (o1 - e1) * (o1 - e1) / v
	return stat, 1 - chisquared.CDF(stat)
}
