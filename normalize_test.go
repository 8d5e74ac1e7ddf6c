// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"bytes"
	"io/ioutil"
	"os"

	"gopkg.in/check.v1"
)

type normalizeSuite struct{}

var _ = check.Suite(&normalizeSuite{})

func (s *normalizeSuite) TestBarcodeHelpers(c *check.C) {
	c.Check(truncateBarcode("TCGA-XX-0001-01A-11R-A123-07"), check.Equals, "TCGA-XX-0001-01")
	c.Check(truncateBarcode("short"), check.Equals, "short")
	c.Check(sampleTypeCode("TCGA-XX-0001-01A-11R"), check.Equals, "01")
	c.Check(sampleTypeCode("TCGA-XX-0001-06"), check.Equals, "06")
	c.Check(sampleTypeCode("too-short"), check.Equals, "")
	c.Check(patientID("TCGA-XX-0001-01A"), check.Equals, "TCGA-XX-0001")
}

func testRawMatrix() *Matrix {
	m := newMatrix("Gene", []string{"HI", "HI", "LOW", "MID"}, []string{
		"TCGA-XX-0001-01A-11R", // kept
		"TCGA-XX-0001-01B-22R", // duplicate barcode after truncation
		"TCGA-XX-0002-01A-11R", // kept
		"TCGA-XX-0003-06A-11R", // metastatic, dropped for sample type 01
	})
	// Row means are computed over all input samples, before any
	// column is dropped.
	m.Data[0] = []float64{10, 8, 20, 2}       // HI, mean 10
	m.Data[1] = []float64{5, 5, 5, 5}         // HI duplicate, mean 5
	m.Data[2] = []float64{0.1, 0.1, 0.1, 0.1} // below min mean
	m.Data[3] = []float64{3, 1, 3, 1}         // MID, mean 2
	return m
}

func (s *normalizeSuite) TestNormalizeMatrix(c *check.C) {
	out, err := normalizeMatrix(testRawMatrix(), 1, "01")
	c.Assert(err, check.IsNil)
	// Rows sorted by descending mean, duplicate HI collapsed to the
	// higher-mean copy, LOW filtered out.
	c.Check(out.Rows, check.DeepEquals, []string{"HI", "MID"})
	c.Check(out.Cols, check.DeepEquals, []string{"TCGA-XX-0001-01", "TCGA-XX-0002-01"})
	hi, ok := out.Row("HI")
	c.Assert(ok, check.Equals, true)
	c.Check(hi, check.DeepEquals, []float64{10, 20})
}

func (s *normalizeSuite) TestNormalizeDuplicateTieBreak(c *check.C) {
	m := newMatrix("Gene", []string{"G", "G"}, []string{"TCGA-XX-0001-01A", "TCGA-XX-0002-01A"})
	m.Data[0] = []float64{4, 6} // mean 5, first in input
	m.Data[1] = []float64{6, 4} // mean 5
	out, err := normalizeMatrix(m, 1, "01")
	c.Assert(err, check.IsNil)
	c.Assert(out.Rows, check.DeepEquals, []string{"G"})
	// On exactly equal means the first input row wins.
	c.Check(out.Data[0], check.DeepEquals, []float64{4, 6})
}

func (s *normalizeSuite) TestNormalizeIdempotent(c *check.C) {
	once, err := normalizeMatrix(testRawMatrix(), 1, "01")
	c.Assert(err, check.IsNil)
	twice, err := normalizeMatrix(once, 1, "01")
	c.Assert(err, check.IsNil)
	var buf1, buf2 bytes.Buffer
	fp1, err := once.WriteCSV(&buf1)
	c.Assert(err, check.IsNil)
	fp2, err := twice.WriteCSV(&buf2)
	c.Assert(err, check.IsNil)
	c.Check(fp2, check.Equals, fp1)
}

func (s *normalizeSuite) TestNormalizeEmptyIsError(c *check.C) {
	_, err := normalizeMatrix(testRawMatrix(), 1e9, "01")
	c.Check(err, check.ErrorMatches, `no rows left.*`)
	_, err = normalizeMatrix(testRawMatrix(), 1, "99")
	c.Check(err, check.ErrorMatches, `no samples left.*"99"`)
}

func (s *normalizeSuite) TestNormalizeCommand(c *check.C) {
	tmpdir := c.MkDir()
	var raw bytes.Buffer
	_, err := testRawMatrix().WriteCSV(&raw)
	c.Assert(err, check.IsNil)
	infile := tmpdir + "/raw.csv"
	c.Assert(ioutil.WriteFile(infile, raw.Bytes(), 0666), check.IsNil)

	var stdout, stderr bytes.Buffer
	exited := (&normalizer{}).RunCommand("immunofunnel normalize", []string{
		"-i", infile,
		"-o", tmpdir + "/norm.csv",
		"-output-npy", tmpdir + "/norm.npy",
	}, bytes.NewReader(nil), &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	f, err := os.Open(tmpdir + "/norm.csv")
	c.Assert(err, check.IsNil)
	defer f.Close()
	m, err := ReadMatrix(f)
	c.Assert(err, check.IsNil)
	c.Check(m.Rows, check.DeepEquals, []string{"HI", "MID"})

	npy, err := ioutil.ReadFile(tmpdir + "/norm.npy")
	c.Assert(err, check.IsNil)
	c.Check(len(npy) > 0, check.Equals, true)
	c.Check(string(npy[1:6]), check.Equals, "NUMPY")
}
