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
	"strings"

	log "github.com/sirupsen/logrus"
)

// survivalEntry is one patient's time-to-event and event indicator
// (true = death observed, false = censored at last follow-up).
type survivalEntry struct {
	Time  float64
	Event bool
}

// clinicalTable is a column-keyed view of a clinical metadata file.
type clinicalTable struct {
	cols    map[string]int
	records [][]string
}

func readClinicalTable(rdr io.Reader) (*clinicalTable, error) {
	br := bufio.NewReaderSize(rdr, 1<<20)
	header, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	header = strings.TrimRight(header, "\r\n")
	comma := ','
	if strings.Count(header, "\t") > strings.Count(header, ",") {
		comma = '\t'
	}
	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	t := &clinicalTable{cols: map[string]int{}}
	for i, name := range strings.Split(header, string(comma)) {
		t.cols[strings.TrimSpace(name)] = i
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read clinical table: %w", err)
		}
		t.records = append(t.records, rec)
	}
	return t, nil
}

func (t *clinicalTable) field(rec []string, col int) string {
	if col >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[col])
}

// buildSurvivalTable builds the per-patient survival table from
// clinical metadata. Dead patients use days-to-death, others
// days-to-last-follow-up. Patients with unusable values are skipped.
// Missing required columns are a fatal error.
func buildSurvivalTable(t *clinicalTable, idCol, deathCol, followupCol, statusCol string) (map[string]survivalEntry, error) {
	for _, name := range []string{idCol, deathCol, followupCol, statusCol} {
		if _, ok := t.cols[name]; !ok {
			return nil, fmt.Errorf("clinical table is missing required column %q", name)
		}
	}
	id, death, followup, status := t.cols[idCol], t.cols[deathCol], t.cols[followupCol], t.cols[statusCol]
	out := map[string]survivalEntry{}
	skipped := 0
	for _, rec := range t.records {
		patient := t.field(rec, id)
		if patient == "" {
			skipped++
			continue
		}
		dead := strings.EqualFold(t.field(rec, status), "dead") || t.field(rec, status) == "1"
		var days float64
		if dead {
			days = parseCell(t.field(rec, death))
		} else {
			days = parseCell(t.field(rec, followup))
		}
		if math.IsNaN(days) || days < 0 {
			skipped++
			continue
		}
		if _, dup := out[patient]; dup {
			continue
		}
		out[patient] = survivalEntry{Time: days, Event: dead}
	}
	log.WithFields(log.Fields{"patients": len(out), "skipped": skipped}).Info("survival: built survival table")
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable patients in clinical table")
	}
	return out, nil
}

// screenCoefficients applies the multivariate filter: BH-correct the
// p column of an externally supplied (gene, coef, p) table and keep
// genes with coef above minCoef. The corrected p-value is carried
// along; the retention test is on the coefficient.
func screenCoefficients(coefs *GeneTable, coefCol, pCol string, minCoef float64) (*GeneTable, error) {
	ci, pi := -1, -1
	for i, name := range coefs.Cols {
		switch name {
		case coefCol:
			ci = i
		case pCol:
			pi = i
		}
	}
	if ci < 0 || pi < 0 {
		return nil, fmt.Errorf("coefficient table is missing column %q or %q", coefCol, pCol)
	}
	genes := coefs.Genes()
	ps := make([]float64, len(genes))
	for i, gene := range genes {
		row, _ := coefs.Get(gene)
		ps[i] = row[pi]
	}
	padj := adjustBH(ps)
	out := NewGeneTable("coef", "p", "padj")
	for i, gene := range genes {
		row, _ := coefs.Get(gene)
		if !math.IsNaN(row[ci]) && row[ci] > minCoef {
			out.Set(gene, row[ci], row[pi], padj[i])
		}
	}
	log.WithFields(log.Fields{"tested": len(genes), "passed": out.Len(), "minCoef": minCoef}).Info("survival: multivariate coefficient filter")
	return out, nil
}

// screenLogrank runs the univariate log-rank screen over the given
// genes. Per gene: join expression to patients via the 12-character
// patient prefix, find the optimal cutpoint, split High/Low, and
// test. Genes without a valid cutpoint, and genes whose computation
// panics, are logged and skipped; the screen continues.
func screenLogrank(exprm *Matrix, surv map[string]survivalEntry, genes []string, minprop, maxPadj float64) (all, filtered *GeneTable) {
	// One expression column per patient: first barcode wins.
	patientCol := map[string]int{}
	for j, barcode := range exprm.Cols {
		p := patientID(barcode)
		if _, ok := patientCol[p]; !ok {
			patientCol[p] = j
		}
	}
	type patient struct {
		col   int
		entry survivalEntry
	}
	var cohort []patient
	for p, col := range patientCol {
		if entry, ok := surv[p]; ok {
			cohort = append(cohort, patient{col, entry})
		}
	}
	log.WithFields(log.Fields{"patients": len(cohort)}).Info("survival: joined expression to clinical data")

	type result struct {
		cutpoint float64
		p        float64
	}
	results := map[string]result{}
	var order []string
	for _, gene := range genes {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("gene", gene).Warnf("survival: %v (gene skipped)", r)
				}
			}()
			row, ok := exprm.Row(gene)
			if !ok {
				return
			}
			var expr, times []float64
			var events []bool
			for _, pt := range cohort {
				v := row[pt.col]
				if math.IsNaN(v) {
					continue
				}
				expr = append(expr, v)
				times = append(times, pt.entry.Time)
				events = append(events, pt.entry.Event)
			}
			cut, err := optimalCutpoint(expr, times, events, minprop)
			if err != nil {
				log.WithField("gene", gene).Warn("survival: no valid cutpoint (gene skipped)")
				return
			}
			high := make([]bool, len(expr))
			for i, v := range expr {
				high[i] = v > cut
			}
			_, p := logrank(times, events, high)
			results[gene] = result{cut, p}
			order = append(order, gene)
		}()
	}

	ps := make([]float64, len(order))
	for i, gene := range order {
		ps[i] = results[gene].p
	}
	padj := adjustBH(ps)
	all = NewGeneTable("cutpoint", "logrank_p", "logrank_padj")
	filtered = NewGeneTable("cutpoint", "logrank_p", "logrank_padj")
	for i, gene := range order {
		r := results[gene]
		all.Set(gene, r.cutpoint, r.p, padj[i])
		if !math.IsNaN(padj[i]) && padj[i] < maxPadj {
			filtered.Set(gene, r.cutpoint, r.p, padj[i])
		}
	}
	log.WithFields(log.Fields{"candidates": len(genes), "tested": all.Len(), "passed": filtered.Len(), "maxPadj": maxPadj}).Info("survival: log-rank filter")
	return all, filtered
}

type survivalScreen struct{}

func (cmd *survivalScreen) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *survivalScreen) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "normalized expression matrix `file`")
	clinicalFilename := flags.String("clinical", "", "clinical metadata `file`")
	coefFilename := flags.String("coef-file", "", "externally computed multivariate coefficient table `file` (gene,coef,p)")
	coefOut := flags.String("o-coef", "-", "filtered coefficient table output `file`")
	logrankOut := flags.String("o-logrank", "-", "filtered log-rank table output `file`")
	allLogrankOut := flags.String("all-logrank-out", "", "also write the unfiltered log-rank table to `file`")
	minCoef := flags.Float64("min-coef", 0.15, "keep genes with multivariate coefficient above this")
	maxPadj := flags.Float64("max-padj", 0.05, "keep genes with BH-corrected log-rank p-value below this")
	minprop := flags.Float64("min-prop", 0.1, "minimum proportion of patients on each side of a cutpoint")
	idColumn := flags.String("id-column", "bcr_patient_barcode", "clinical `column` holding the patient id")
	deathColumn := flags.String("death-column", "days_to_death", "clinical `column` holding days to death")
	followupColumn := flags.String("followup-column", "days_to_last_followup", "clinical `column` holding days to last follow-up")
	statusColumn := flags.String("status-column", "vital_status", "clinical `column` holding vital status")
	coefColumn := flags.String("coef-column", "coef", "coefficient `column` in -coef-file")
	pColumn := flags.String("p-column", "p", "p-value `column` in -coef-file")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *clinicalFilename == "" || *coefFilename == "" {
		return fmt.Errorf("must provide both -clinical and -coef-file")
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
	cf, err := zopen(*clinicalFilename)
	if err != nil {
		return err
	}
	clin, err := readClinicalTable(cf)
	cf.Close()
	if err != nil {
		return err
	}
	surv, err := buildSurvivalTable(clin, *idColumn, *deathColumn, *followupColumn, *statusColumn)
	if err != nil {
		return err
	}
	tf, err := zopen(*coefFilename)
	if err != nil {
		return err
	}
	coefs, err := ReadGeneTable(tf)
	tf.Close()
	if err != nil {
		return err
	}

	coefTable, err := screenCoefficients(coefs, *coefColumn, *pColumn, *minCoef)
	if err != nil {
		return err
	}
	all, filtered := screenLogrank(exprm, surv, coefTable.Genes(), *minprop, *maxPadj)

	if err := writeTableFile(coefTable, *coefOut, stdout); err != nil {
		return err
	}
	if *allLogrankOut != "" {
		if err := writeTableFile(all, *allLogrankOut, stdout); err != nil {
			return err
		}
	}
	return writeTableFile(filtered, *logrankOut, stdout)
}
