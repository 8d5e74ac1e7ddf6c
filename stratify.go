// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// geneGroups holds the two sample partitions for one gene: A =
// copy-number-low and low-expression (inactivated), B =
// copy-number-high and high-expression (activated). The two sets are
// disjoint by construction.
type geneGroups struct {
	A []string
	B []string
}

// Rank-percentile edges. The bottom edge is inclusive (rank <=
// 0.3*n) and the top edge is exclusive (rank > 0.7*n). The asymmetry
// is deliberate and must not be "fixed": downstream results depend
// on these exact boundary semantics.
const (
	lowRankFraction  = 0.3
	highRankFraction = 0.7
)

// stratifyGene partitions the samples for one gene. cnv and expr are
// parallel to sampleIDs. Samples with missing expression are neither
// ranked nor assigned a group; samples with missing copy number are
// not assigned a group. Returns ok=false if either group ends up
// smaller than minGroup or contains an empty sample id.
func stratifyGene(cnv, expr []float64, sampleIDs []string, minGroup int) (geneGroups, bool) {
	ranks, n := averageRanks(expr)
	lowEdge := lowRankFraction * float64(n)
	highEdge := highRankFraction * float64(n)
	var g geneGroups
	for i, id := range sampleIDs {
		if math.IsNaN(ranks[i]) || math.IsNaN(cnv[i]) {
			continue
		}
		switch {
		case cnv[i] <= 0 && ranks[i] <= lowEdge:
			g.A = append(g.A, id)
		case cnv[i] >= 1 && ranks[i] > highEdge:
			g.B = append(g.B, id)
		}
	}
	if len(g.A) < minGroup || len(g.B) < minGroup {
		return geneGroups{}, false
	}
	for _, id := range append(append([]string(nil), g.A...), g.B...) {
		if id == "" {
			return geneGroups{}, false
		}
	}
	sort.Strings(g.A)
	sort.Strings(g.B)
	return g, true
}

// stratifyAll runs stratifyGene for every shared gene across a
// worker pool and gathers results keyed by gene. Matrices are first
// restricted to their shared gene/sample key space.
func stratifyAll(cnvm, exprm *Matrix, minGroup, threads int) (map[string]geneGroups, error) {
	genes := intersectKeys(cnvm.Rows, exprm.Rows)
	samples := intersectKeys(cnvm.Cols, exprm.Cols)
	if len(genes) == 0 || len(samples) == 0 {
		return nil, fmt.Errorf("copy-number and expression matrices share %d genes and %d samples", len(genes), len(samples))
	}
	cnvm = cnvm.KeepRows(genes).KeepCols(samples)
	exprm = exprm.KeepRows(genes).KeepCols(samples)

	out := map[string]geneGroups{}
	var mtx sync.Mutex
	th := throttle{Max: threads}
	for _, gene := range genes {
		gene := gene
		th.Acquire()
		go func() {
			defer th.Release()
			cnv, _ := cnvm.Row(gene)
			expr, _ := exprm.Row(gene)
			g, ok := stratifyGene(cnv, expr, samples, minGroup)
			if !ok {
				return
			}
			mtx.Lock()
			out[gene] = g
			mtx.Unlock()
		}()
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"candidates": len(genes), "stratified": len(out), "minGroup": minGroup}).Info("stratify: group-size filter")
	return out, nil
}

// writeGroups writes gene,groupA,groupB with ";"-joined sample ids,
// genes in sorted order, and returns the blake2b-256 fingerprint.
func writeGroups(w io.Writer, groups map[string]geneGroups) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	bufw := bufio.NewWriter(io.MultiWriter(w, h))
	if _, err := fmt.Fprintln(bufw, "gene,groupA,groupB"); err != nil {
		return "", err
	}
	genes := make([]string, 0, len(groups))
	for gene := range groups {
		genes = append(genes, gene)
	}
	sort.Strings(genes)
	for _, gene := range genes {
		g := groups[gene]
		if _, err := fmt.Fprintf(bufw, "%s,%s,%s\n", gene, strings.Join(g.A, ";"), strings.Join(g.B, ";")); err != nil {
			return "", err
		}
	}
	if err := bufw.Flush(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func readGroups(rdr io.Reader) (map[string]geneGroups, error) {
	cr := csv.NewReader(bufio.NewReader(rdr))
	cr.FieldsPerRecord = 3
	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("read groups header: %w", err)
	}
	out := map[string]geneGroups{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read groups: %w", err)
		}
		out[rec[0]] = geneGroups{
			A: strings.Split(rec[1], ";"),
			B: strings.Split(rec[2], ";"),
		}
	}
	return out, nil
}

type stratifier struct{}

func (cmd *stratifier) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *stratifier) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	cnvFilename := flags.String("cnv", "", "copy-number matrix `file` (GISTIC2 scores -2..2)")
	exprFilename := flags.String("expr", "", "normalized expression matrix `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	minGroup := flags.Int("min-group", 30, "discard genes whose groups have fewer than `N` samples")
	threads := flags.Int("threads", runtime.NumCPU(), "worker pool size")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *cnvFilename == "" || *exprFilename == "" {
		return fmt.Errorf("must provide both -cnv and -expr")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	cnvm, err := readMatrixFile(*cnvFilename, stdin)
	if err != nil {
		return err
	}
	exprm, err := readMatrixFile(*exprFilename, stdin)
	if err != nil {
		return err
	}
	groups, err := stratifyAll(cnvm, exprm, *minGroup, *threads)
	if err != nil {
		return err
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return err
		}
		defer output.Close()
	}
	fp, err := writeGroups(output, groups)
	if err != nil {
		return err
	}
	err = output.Close()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"genes": len(groups), "blake2b": fp}).Info("wrote stratified groups")
	return nil
}
