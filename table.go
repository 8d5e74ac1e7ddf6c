// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Matrix is a dense labeled matrix: row keys (gene symbols or immune
// cell types) by column keys (sample barcodes). Missing values are
// NaN. Matrices are never modified in place; every transformation
// returns a fresh Matrix.
type Matrix struct {
	RowLabel string // header cell above the row keys, e.g. "Gene"
	Rows     []string
	Cols     []string
	Data     [][]float64

	rowIndex map[string]int
}

func newMatrix(rowLabel string, rows, cols []string) *Matrix {
	m := &Matrix{RowLabel: rowLabel, Rows: rows, Cols: cols}
	m.Data = make([][]float64, len(rows))
	for i := range m.Data {
		m.Data[i] = make([]float64, len(cols))
	}
	m.reindex()
	return m
}

func (m *Matrix) reindex() {
	m.rowIndex = make(map[string]int, len(m.Rows))
	for i, r := range m.Rows {
		m.rowIndex[r] = i
	}
}

// Row returns the values for the given row key.
func (m *Matrix) Row(name string) ([]float64, bool) {
	if m.rowIndex == nil {
		m.reindex()
	}
	i, ok := m.rowIndex[name]
	if !ok {
		return nil, false
	}
	return m.Data[i], true
}

// ColIndex returns a column key -> position map.
func (m *Matrix) ColIndex() map[string]int {
	idx := make(map[string]int, len(m.Cols))
	for j, c := range m.Cols {
		idx[c] = j
	}
	return idx
}

func parseCell(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" || s == "na" || s == "NaN" || s == "null" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// ReadMatrix reads a tab- or comma-delimited matrix with row keys in
// the first column and sample barcodes in the header. The delimiter
// is sniffed from the header line.
func ReadMatrix(rdr io.Reader) (*Matrix, error) {
	br := bufio.NewReaderSize(rdr, 1<<20)
	header, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	header = strings.TrimRight(header, "\r\n")
	if header == "" {
		return nil, fmt.Errorf("empty input: no header line")
	}
	comma := ','
	if strings.Count(header, "\t") > strings.Count(header, ",") {
		comma = '\t'
	}
	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	hfields := strings.Split(header, string(comma))
	m := &Matrix{RowLabel: hfields[0], Cols: hfields[1:]}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read matrix: %w", err)
		}
		if len(rec) == 0 || (len(rec) == 1 && rec[0] == "") {
			continue
		}
		if len(rec)-1 != len(m.Cols) {
			return nil, fmt.Errorf("row %q has %d values, header has %d columns", rec[0], len(rec)-1, len(m.Cols))
		}
		row := make([]float64, len(m.Cols))
		for j, cell := range rec[1:] {
			row[j] = parseCell(cell)
		}
		m.Rows = append(m.Rows, rec[0])
		m.Data = append(m.Data, row)
	}
	if len(m.Rows) == 0 {
		return nil, fmt.Errorf("no data rows in input matrix")
	}
	m.reindex()
	return m, nil
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteCSV writes the matrix in comma-delimited form and returns the
// blake2b-256 fingerprint of the written bytes, so each versioned
// table can be identified in logs.
func (m *Matrix) WriteCSV(w io.Writer) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	bufw := bufio.NewWriter(io.MultiWriter(w, h))
	label := m.RowLabel
	if label == "" {
		label = "Gene"
	}
	if _, err := fmt.Fprintf(bufw, "%s,%s\n", label, strings.Join(m.Cols, ",")); err != nil {
		return "", err
	}
	for i, name := range m.Rows {
		cells := make([]string, 0, len(m.Cols)+1)
		cells = append(cells, name)
		for _, v := range m.Data[i] {
			cells = append(cells, formatCell(v))
		}
		if _, err := fmt.Fprintln(bufw, strings.Join(cells, ",")); err != nil {
			return "", err
		}
	}
	if err := bufw.Flush(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// KeepCols returns a copy of m restricted to the given columns, in
// the given order.
func (m *Matrix) KeepCols(cols []string) *Matrix {
	idx := m.ColIndex()
	out := &Matrix{RowLabel: m.RowLabel, Rows: append([]string(nil), m.Rows...), Cols: append([]string(nil), cols...)}
	out.Data = make([][]float64, len(m.Rows))
	for i := range m.Rows {
		row := make([]float64, len(cols))
		for j, c := range cols {
			if cj, ok := idx[c]; ok {
				row[j] = m.Data[i][cj]
			} else {
				row[j] = math.NaN()
			}
		}
		out.Data[i] = row
	}
	out.reindex()
	return out
}

// KeepRows returns a copy of m restricted to the given rows, in the
// given order. Unknown rows are skipped.
func (m *Matrix) KeepRows(rows []string) *Matrix {
	out := &Matrix{RowLabel: m.RowLabel, Cols: append([]string(nil), m.Cols...)}
	for _, r := range rows {
		if src, ok := m.Row(r); ok {
			out.Rows = append(out.Rows, r)
			out.Data = append(out.Data, append([]float64(nil), src...))
		}
	}
	out.reindex()
	return out
}

// intersectKeys returns the sorted intersection of two key slices.
func intersectKeys(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, k := range a {
		seen[k] = true
	}
	var out []string
	dup := map[string]bool{}
	for _, k := range b {
		if seen[k] && !dup[k] {
			out = append(out, k)
			dup[k] = true
		}
	}
	sort.Strings(out)
	return out
}

// GeneTable is a gene-keyed table of named float columns, used for
// the screen outputs and the merge.
type GeneTable struct {
	Cols   []string
	rows   map[string][]float64
	order  []string
	sorted bool
}

func NewGeneTable(cols ...string) *GeneTable {
	return &GeneTable{Cols: cols, rows: map[string][]float64{}}
}

// Set inserts or replaces the row for gene.
func (t *GeneTable) Set(gene string, values ...float64) {
	if len(values) != len(t.Cols) {
		panic(fmt.Sprintf("GeneTable.Set: %d values for %d columns", len(values), len(t.Cols)))
	}
	if _, ok := t.rows[gene]; !ok {
		t.order = append(t.order, gene)
		t.sorted = false
	}
	t.rows[gene] = values
}

func (t *GeneTable) Get(gene string) ([]float64, bool) {
	v, ok := t.rows[gene]
	return v, ok
}

func (t *GeneTable) Len() int { return len(t.rows) }

// Genes returns the gene symbols in sorted order.
func (t *GeneTable) Genes() []string {
	if !t.sorted {
		sort.Strings(t.order)
		t.sorted = true
	}
	return t.order
}

// WriteCSV writes the table with the gene symbol as first column and
// returns the blake2b-256 fingerprint of the written bytes.
func (t *GeneTable) WriteCSV(w io.Writer) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	bufw := bufio.NewWriter(io.MultiWriter(w, h))
	if _, err := fmt.Fprintf(bufw, "gene,%s\n", strings.Join(t.Cols, ",")); err != nil {
		return "", err
	}
	for _, gene := range t.Genes() {
		cells := make([]string, 0, len(t.Cols)+1)
		cells = append(cells, gene)
		for _, v := range t.rows[gene] {
			cells = append(cells, formatCell(v))
		}
		if _, err := fmt.Fprintln(bufw, strings.Join(cells, ",")); err != nil {
			return "", err
		}
	}
	if err := bufw.Flush(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ReadGeneTable reads a CSV gene table written by WriteCSV (or any
// CSV with a gene symbol in the first column and float columns).
func ReadGeneTable(rdr io.Reader) (*GeneTable, error) {
	cr := csv.NewReader(bufio.NewReader(rdr))
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read gene table header: %w", err)
	}
	if len(header) < 1 {
		return nil, fmt.Errorf("gene table has no columns")
	}
	t := NewGeneTable(header[1:]...)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read gene table: %w", err)
		}
		if len(rec)-1 != len(t.Cols) {
			return nil, fmt.Errorf("gene %q has %d values, header has %d columns", rec[0], len(rec)-1, len(t.Cols))
		}
		values := make([]float64, len(t.Cols))
		for j, cell := range rec[1:] {
			values[j] = parseCell(cell)
		}
		t.Set(rec[0], values...)
	}
	return t, nil
}

// writeTableFile writes a gene table to the named file (or stdout for
// "-") and logs its fingerprint.
func writeTableFile(t *GeneTable, filename string, stdout io.Writer) error {
	var w io.WriteCloser
	if filename == "-" {
		w = nopCloser{stdout}
	} else {
		var err error
		w, err = os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return err
		}
	}
	fp, err := t.WriteCSV(w)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.WithFields(log.Fields{"file": filename, "genes": t.Len(), "blake2b": fp}).Info("wrote table")
	return nil
}

// zopen opens the named file, transparently decompressing the input
// if fnm ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

func readMatrixFile(fnm string, stdin io.Reader) (*Matrix, error) {
	if fnm == "-" {
		return ReadMatrix(stdin)
	}
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ReadMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return m, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
