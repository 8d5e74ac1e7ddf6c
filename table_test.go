// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"bytes"
	"math"
	"strings"

	"gopkg.in/check.v1"
)

type tableSuite struct{}

var _ = check.Suite(&tableSuite{})

func (s *tableSuite) TestReadMatrixCSV(c *check.C) {
	m, err := ReadMatrix(strings.NewReader("Gene,S1,S2\nTP53,1,2\nBRCA1,NA,0.5\n"))
	c.Assert(err, check.IsNil)
	c.Check(m.RowLabel, check.Equals, "Gene")
	c.Check(m.Rows, check.DeepEquals, []string{"TP53", "BRCA1"})
	c.Check(m.Cols, check.DeepEquals, []string{"S1", "S2"})
	c.Check(m.Data[0], check.DeepEquals, []float64{1, 2})
	c.Check(math.IsNaN(m.Data[1][0]), check.Equals, true)
	c.Check(m.Data[1][1], check.Equals, 0.5)
}

func (s *tableSuite) TestReadMatrixSniffsTabs(c *check.C) {
	m, err := ReadMatrix(strings.NewReader("Gene\tS1\tS2\nTP53\t1\t2\n"))
	c.Assert(err, check.IsNil)
	c.Check(m.Cols, check.DeepEquals, []string{"S1", "S2"})
	c.Check(m.Data[0], check.DeepEquals, []float64{1, 2})
}

func (s *tableSuite) TestReadMatrixRaggedRow(c *check.C) {
	_, err := ReadMatrix(strings.NewReader("Gene,S1,S2\nTP53,1\n"))
	c.Check(err, check.ErrorMatches, `.*TP53.*1 values.*2 columns.*`)
}

func (s *tableSuite) TestMatrixRoundTrip(c *check.C) {
	m := newMatrix("Gene", []string{"A", "B"}, []string{"S1", "S2"})
	m.Data[0] = []float64{1.5, math.NaN()}
	m.Data[1] = []float64{-2, 0}
	var buf bytes.Buffer
	fp, err := m.WriteCSV(&buf)
	c.Assert(err, check.IsNil)
	c.Check(fp, check.Matches, `[0-9a-f]{64}`)
	got, err := ReadMatrix(&buf)
	c.Assert(err, check.IsNil)
	c.Check(got.Rows, check.DeepEquals, m.Rows)
	c.Check(got.Cols, check.DeepEquals, m.Cols)
	c.Check(got.Data[1], check.DeepEquals, m.Data[1])
	c.Check(math.IsNaN(got.Data[0][1]), check.Equals, true)
}

func (s *tableSuite) TestKeepColsAndRows(c *check.C) {
	m := newMatrix("Gene", []string{"A", "B", "C"}, []string{"S1", "S2", "S3"})
	for i := range m.Data {
		for j := range m.Data[i] {
			m.Data[i][j] = float64(i*10 + j)
		}
	}
	sub := m.KeepCols([]string{"S3", "S1"}).KeepRows([]string{"C", "A", "Z"})
	c.Check(sub.Rows, check.DeepEquals, []string{"C", "A"})
	c.Check(sub.Cols, check.DeepEquals, []string{"S3", "S1"})
	c.Check(sub.Data[0], check.DeepEquals, []float64{22, 20})
	c.Check(sub.Data[1], check.DeepEquals, []float64{2, 0})
}

func (s *tableSuite) TestIntersectKeys(c *check.C) {
	got := intersectKeys([]string{"b", "a", "c"}, []string{"c", "c", "d", "a"})
	c.Check(got, check.DeepEquals, []string{"a", "c"})
}

func (s *tableSuite) TestGeneTableRoundTrip(c *check.C) {
	t := NewGeneTable("rho", "p")
	t.Set("ZZZ", -0.5, 0.01)
	t.Set("AAA", -0.9, math.NaN())
	c.Check(t.Genes(), check.DeepEquals, []string{"AAA", "ZZZ"})
	var buf bytes.Buffer
	_, err := t.WriteCSV(&buf)
	c.Assert(err, check.IsNil)
	got, err := ReadGeneTable(&buf)
	c.Assert(err, check.IsNil)
	c.Check(got.Cols, check.DeepEquals, []string{"rho", "p"})
	c.Check(got.Len(), check.Equals, 2)
	row, ok := got.Get("AAA")
	c.Assert(ok, check.Equals, true)
	c.Check(row[0], check.Equals, -0.9)
	c.Check(math.IsNaN(row[1]), check.Equals, true)
}
