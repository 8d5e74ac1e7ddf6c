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
	"os"
	"sort"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Sample barcode layout: the first barcodeLen characters identify
// donor+tissue+sample (technical-replicate and analyte suffixes are
// beyond that); the two characters at sampleTypeOffset encode the
// sample-type code ("01" primary solid tumor, "06" metastatic); the
// first patientIDLen characters identify the patient for clinical
// joins.
const (
	barcodeLen       = 15
	sampleTypeOffset = 13
	patientIDLen     = 12
)

func truncateBarcode(id string) string {
	if len(id) > barcodeLen {
		return id[:barcodeLen]
	}
	return id
}

func sampleTypeCode(id string) string {
	if len(id) < sampleTypeOffset+2 {
		return ""
	}
	return id[sampleTypeOffset : sampleTypeOffset+2]
}

func patientID(id string) string {
	if len(id) > patientIDLen {
		return id[:patientIDLen]
	}
	return id
}

func rowMean(row []float64) float64 {
	var vals []float64
	for _, v := range row {
		if !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	return stat.Mean(vals, nil)
}

// normalizeMatrix deduplicates and filters a raw gene x sample
// matrix: drop rows whose mean is below minMean; collapse duplicate
// gene symbols, keeping the row with the largest mean (stable
// descending-mean sort, so on exactly equal means the row seen first
// in the input wins); truncate sample barcodes to the 15-character
// donor+tissue+sample prefix, keeping the first column per truncated
// barcode; keep only columns whose sample-type code equals
// sampleType. Zero remaining rows or columns at any step is an
// error, not an empty result.
func normalizeMatrix(m *Matrix, minMean float64, sampleType string) (*Matrix, error) {
	type generow struct {
		name string
		mean float64
		data []float64
	}
	var rows []generow
	for i, name := range m.Rows {
		mean := rowMean(m.Data[i])
		if math.IsNaN(mean) || mean < minMean {
			continue
		}
		rows = append(rows, generow{name, mean, m.Data[i]})
	}
	log.WithFields(log.Fields{"before": len(m.Rows), "after": len(rows), "minMean": minMean}).Info("normalize: mean-expression filter")
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows left after mean-expression filter (min mean %g)", minMean)
	}

	sort.SliceStable(rows, func(a, b int) bool { return rows[a].mean > rows[b].mean })
	seen := make(map[string]bool, len(rows))
	dedup := rows[:0]
	for _, r := range rows {
		if seen[r.name] {
			continue
		}
		seen[r.name] = true
		dedup = append(dedup, r)
	}
	log.WithFields(log.Fields{"unique": len(dedup)}).Info("normalize: gene-symbol deduplication")

	colKeep := []int{}
	colName := []string{}
	seenCol := map[string]bool{}
	for j, id := range m.Cols {
		trunc := truncateBarcode(id)
		if seenCol[trunc] {
			continue
		}
		seenCol[trunc] = true
		if sampleTypeCode(trunc) != sampleType {
			continue
		}
		colKeep = append(colKeep, j)
		colName = append(colName, trunc)
	}
	log.WithFields(log.Fields{"before": len(m.Cols), "after": len(colKeep), "sampleType": sampleType}).Info("normalize: sample filter")
	if len(colKeep) == 0 {
		return nil, fmt.Errorf("no samples left with sample-type code %q", sampleType)
	}

	out := &Matrix{RowLabel: m.RowLabel, Cols: colName}
	for _, r := range dedup {
		row := make([]float64, len(colKeep))
		for jj, j := range colKeep {
			row[jj] = r.data[j]
		}
		out.Rows = append(out.Rows, r.name)
		out.Data = append(out.Data, row)
	}
	out.reindex()
	return out, nil
}

type normalizer struct{}

func (cmd *normalizer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *normalizer) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input matrix `file` (tsv or csv, optionally gzipped)")
	outputFilename := flags.String("o", "-", "output `file`")
	npyFilename := flags.String("output-npy", "", "also write matrix values to numpy `file`")
	minMean := flags.Float64("min-mean", 1, "drop rows whose mean expression is below this (use 10 for raw counts)")
	sampleType := flags.String("sample-type", "01", "keep samples whose barcode sample-type `code` matches (01=primary tumor, 06=metastatic)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	m, err := readMatrixFile(*inputFilename, stdin)
	if err != nil {
		return err
	}
	out, err := normalizeMatrix(m, *minMean, *sampleType)
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
	fp, err := out.WriteCSV(output)
	if err != nil {
		return err
	}
	err = output.Close()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"genes": len(out.Rows), "samples": len(out.Cols), "blake2b": fp}).Info("wrote normalized matrix")

	if *npyFilename != "" {
		err = writeNumpy(*npyFilename, out)
		if err != nil {
			return err
		}
	}
	return nil
}

func writeNumpy(filename string, m *Matrix) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{len(m.Rows), len(m.Cols)}
	flat := make([]float64, 0, len(m.Rows)*len(m.Cols))
	for _, row := range m.Data {
		flat = append(flat, row...)
	}
	err = npw.WriteFloat64(flat)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}
