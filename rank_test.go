// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"math"

	"gopkg.in/check.v1"
)

type rankSuite struct{}

var _ = check.Suite(&rankSuite{})

func (s *rankSuite) TestAverageRanks(c *check.C) {
	ranks, n := averageRanks([]float64{3, 1, 4, 1, 5})
	c.Check(n, check.Equals, 5)
	c.Check(ranks, check.DeepEquals, []float64{3, 1.5, 4, 1.5, 5})
}

func (s *rankSuite) TestAverageRanksAllTied(c *check.C) {
	ranks, n := averageRanks([]float64{7, 7, 7, 7})
	c.Check(n, check.Equals, 4)
	c.Check(ranks, check.DeepEquals, []float64{2.5, 2.5, 2.5, 2.5})
}

func (s *rankSuite) TestAverageRanksSkipNaN(c *check.C) {
	ranks, n := averageRanks([]float64{2, math.NaN(), 1, math.NaN()})
	c.Check(n, check.Equals, 2)
	c.Check(ranks[0], check.Equals, 2.0)
	c.Check(math.IsNaN(ranks[1]), check.Equals, true)
	c.Check(ranks[2], check.Equals, 1.0)
	c.Check(math.IsNaN(ranks[3]), check.Equals, true)
}

func (s *rankSuite) TestAverageRanksEmpty(c *check.C) {
	ranks, n := averageRanks(nil)
	c.Check(n, check.Equals, 0)
	c.Check(len(ranks), check.Equals, 0)
}
