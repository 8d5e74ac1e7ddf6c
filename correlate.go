// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// spearman returns the Spearman rank correlation between x and y and
// its two-sided p-value (t approximation). Pairs where either value
// is NaN are excluded. With fewer than 3 complete pairs, or a
// degenerate (constant) vector, rho and p are NaN.
func spearman(x, y []float64) (rho, p float64) {
	var xs, ys []float64
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		xs = append(xs, x[i])
		ys = append(ys, y[i])
	}
	n := len(xs)
	if n < 3 {
		return math.NaN(), math.NaN()
	}
	rx, _ := averageRanks(xs)
	ry, _ := averageRanks(ys)
	rho = stat.Correlation(rx, ry, nil)
	if math.IsNaN(rho) {
		return math.NaN(), math.NaN()
	}
	if rho >= 1 || rho <= -1 {
		return rho, 0
	}
	t := rho * math.Sqrt(float64(n-2)/(1-rho*rho))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 2)}
	return rho, 2 * dist.CDF(-math.Abs(t))
}

// screenCorrelation computes Spearman correlation of every row of
// exprm against the reference vector (aligned on exprm's columns),
// applies BH correction across the full pass, and returns the
// unfiltered table (rho,p,padj) and the table of genes passing
// rho <= maxRho && padj < maxPadj.
func screenCorrelation(exprm *Matrix, ref []float64, maxRho, maxPadj float64) (all, filtered *GeneTable) {
	rhos := make([]float64, len(exprm.Rows))
	ps := make([]float64, len(exprm.Rows))
	for i := range exprm.Rows {
		rhos[i], ps[i] = spearman(exprm.Data[i], ref)
	}
	padj := adjustBH(ps)

	all = NewGeneTable("rho", "p", "padj")
	filtered = NewGeneTable("rho", "p", "padj")
	for i, gene := range exprm.Rows {
		all.Set(gene, rhos[i], ps[i], padj[i])
		if !math.IsNaN(rhos[i]) && !math.IsNaN(padj[i]) && rhos[i] <= maxRho && padj[i] < maxPadj {
			filtered.Set(gene, rhos[i], ps[i], padj[i])
		}
	}
	log.WithFields(log.Fields{"tested": all.Len(), "passed": filtered.Len(), "maxRho": maxRho, "maxPadj": maxPadj}).Info("correlate: threshold filter")
	return all, filtered
}

// readGeneList reads gene symbols from the first column of a plain
// list or CSV file, skipping a "gene" header if present.
func readGeneList(rdr io.Reader) ([]string, error) {
	var genes []string
	scanner := bufio.NewScanner(rdr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, ','); i >= 0 {
			line = line[:i]
		} else if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		if line == "gene" || line == "Gene" {
			continue
		}
		genes = append(genes, line)
	}
	return genes, scanner.Err()
}

type correlator struct{}

func (cmd *correlator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *correlator) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "candidate expression matrix `file`")
	refFilename := flags.String("reference-file", "", "immune abundance or signature score matrix `file`")
	refRow := flags.String("reference-row", "activated CD8 T cell", "row `name` in the reference file to correlate against")
	genesFilename := flags.String("genes", "", "restrict candidates to gene symbols listed in `file` (default: all genes)")
	outputFilename := flags.String("o", "-", "filtered output `file`")
	allFilename := flags.String("all-out", "", "also write the unfiltered correlation table to `file`")
	maxRho := flags.Float64("max-rho", -0.20, "keep genes with Spearman correlation at or below this")
	maxPadj := flags.Float64("max-padj", 0.01, "keep genes with BH-corrected p-value below this")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *refFilename == "" {
		return fmt.Errorf("must provide -reference-file")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	exprm, err := readMatrixFile(*inputFilename, stdin)
	if err != nil {
		return err
	}
	refm, err := readMatrixFile(*refFilename, stdin)
	if err != nil {
		return err
	}
	refrow, ok := refm.Row(*refRow)
	if !ok {
		return fmt.Errorf("%s: no row named %q", *refFilename, *refRow)
	}

	if *genesFilename != "" {
		f, err := zopen(*genesFilename)
		if err != nil {
			return err
		}
		genes, err := readGeneList(f)
		f.Close()
		if err != nil {
			return err
		}
		before := len(exprm.Rows)
		exprm = exprm.KeepRows(genes)
		log.WithFields(log.Fields{"before": before, "after": len(exprm.Rows)}).Info("correlate: candidate-universe restriction")
		if len(exprm.Rows) == 0 {
			return fmt.Errorf("no candidate genes remain after -genes restriction")
		}
	}

	samples := intersectKeys(exprm.Cols, refm.Cols)
	if len(samples) == 0 {
		return fmt.Errorf("expression and reference tables share no samples")
	}
	exprm = exprm.KeepCols(samples)
	refIdx := refm.ColIndex()
	ref := make([]float64, len(samples))
	for j, s := range samples {
		ref[j] = refrow[refIdx[s]]
	}

	all, filtered := screenCorrelation(exprm, ref, *maxRho, *maxPadj)
	if *allFilename != "" {
		if err := writeTableFile(all, *allFilename, stdout); err != nil {
			return err
		}
	}
	return writeTableFile(filtered, *outputFilename, stdout)
}
