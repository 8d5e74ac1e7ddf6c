// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// cohortConfig parameterizes one cancer-type cohort. The same
// pipeline runs for every cohort; only the sample-type code, file
// paths and thresholds differ.
type cohortConfig struct {
	Name       string `mapstructure:"name"`
	SampleType string `mapstructure:"sample_type"`

	Expression   string `mapstructure:"expression"`
	CopyNumber   string `mapstructure:"copy_number"`
	Immune       string `mapstructure:"immune"`
	Signature    string `mapstructure:"signature_scores"`
	Clinical     string `mapstructure:"clinical"`
	Coefficients string `mapstructure:"coefficients"`
	Counts       string `mapstructure:"counts"`

	ReferenceRow  string  `mapstructure:"reference_row"`
	SignatureRow  string  `mapstructure:"signature_row"`
	MinMean       float64 `mapstructure:"min_mean"`
	CountsMinMean float64 `mapstructure:"counts_min_mean"`
	MinGroup      int     `mapstructure:"min_group"`
	MaxRho        float64 `mapstructure:"max_rho"`
	MaxCorrPadj   float64 `mapstructure:"max_corr_padj"`
	MinCoef       float64 `mapstructure:"min_coef"`
	MaxSurvPadj   float64 `mapstructure:"max_surv_padj"`
	MinProp       float64 `mapstructure:"min_prop"`
}

func (c *cohortConfig) setDefaults() {
	if c.SampleType == "" {
		c.SampleType = "01"
	}
	if c.ReferenceRow == "" {
		c.ReferenceRow = "activated CD8 T cell"
	}
	if c.SignatureRow == "" {
		c.SignatureRow = "signature_score"
	}
	if c.MinMean == 0 {
		c.MinMean = 1
	}
	if c.CountsMinMean == 0 {
		c.CountsMinMean = 10
	}
	if c.MinGroup == 0 {
		c.MinGroup = 30
	}
	if c.MaxRho == 0 {
		c.MaxRho = -0.20
	}
	if c.MaxCorrPadj == 0 {
		c.MaxCorrPadj = 0.01
	}
	if c.MinCoef == 0 {
		c.MinCoef = 0.15
	}
	if c.MaxSurvPadj == 0 {
		c.MaxSurvPadj = 0.05
	}
	if c.MinProp == 0 {
		c.MinProp = 0.1
	}
}

type runcmd struct {
	threads int
	rscript string
}

func (cmd *runcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *runcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	configFilename := flags.String("config", "", "cohort configuration `file` (yaml)")
	outdir := flags.String("outdir", "", "output `directory` (overrides config)")
	only := flags.String("cohort", "", "run only the cohort with this `name`")
	flags.IntVar(&cmd.threads, "threads", runtime.NumCPU(), "worker pool size")
	flags.StringVar(&cmd.rscript, "rscript", "Rscript", "R interpreter `program` for the annotation collaborators")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *configFilename == "" {
		return fmt.Errorf("must provide -config")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	v := viper.New()
	v.SetConfigFile(*configFilename)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var cohorts []cohortConfig
	if err := v.UnmarshalKey("cohorts", &cohorts); err != nil {
		return fmt.Errorf("parse cohorts: %w", err)
	}
	if len(cohorts) == 0 {
		return fmt.Errorf("config has no cohorts")
	}
	dir := v.GetString("outdir")
	if *outdir != "" {
		dir = *outdir
	}
	if dir == "" {
		dir = "."
	}

	ran := 0
	for i := range cohorts {
		cohort := cohorts[i]
		if *only != "" && cohort.Name != *only {
			continue
		}
		cohort.setDefaults()
		if err := cmd.runCohort(&cohort, filepath.Join(dir, cohort.Name), stdin); err != nil {
			return fmt.Errorf("cohort %s: %w", cohort.Name, err)
		}
		ran++
	}
	if ran == 0 {
		return fmt.Errorf("no cohort named %q in config", *only)
	}
	return nil
}

func writeMatrixFile(m *Matrix, filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
	if err != nil {
		return err
	}
	fp, err := m.WriteCSV(f)
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.WithFields(log.Fields{"file": filename, "genes": len(m.Rows), "samples": len(m.Cols), "blake2b": fp}).Info("wrote matrix")
	return nil
}

func writeTable(t *GeneTable, filename string) error {
	return writeTableFile(t, filename, nil)
}

// runCohort is the whole funnel for one cohort, as explicit typed
// composition: each stage takes the previous stage's value and
// returns a new one, and every intermediate table is written under
// the cohort directory.
func (cmd *runcmd) runCohort(cohort *cohortConfig, dir string, stdin io.Reader) error {
	clog := log.WithField("cohort", cohort.Name)
	clog.Info("pipeline start")
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}

	// Normalizer
	raw, err := readMatrixFile(cohort.Expression, stdin)
	if err != nil {
		return err
	}
	exprm, err := normalizeMatrix(raw, cohort.MinMean, cohort.SampleType)
	if err != nil {
		return err
	}
	if err := writeMatrixFile(exprm, filepath.Join(dir, "expression_normalized.csv")); err != nil {
		return err
	}

	// Stratifier
	cnvm, err := readMatrixFile(cohort.CopyNumber, stdin)
	if err != nil {
		return err
	}
	groups, err := stratifyAll(cnvm, exprm, cohort.MinGroup, cmd.threads)
	if err != nil {
		return err
	}
	gf, err := os.OpenFile(filepath.Join(dir, "stratified_groups.csv"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
	if err != nil {
		return err
	}
	fp, err := writeGroups(gf, groups)
	if err != nil {
		gf.Close()
		return err
	}
	if err := gf.Close(); err != nil {
		return err
	}
	clog.WithFields(log.Fields{"genes": len(groups), "blake2b": fp}).Info("wrote stratified groups")

	// Correlation screen #1: all genes vs the immune cell reference.
	immune, err := readMatrixFile(cohort.Immune, stdin)
	if err != nil {
		return err
	}
	corrCD8All, corrCD8, err := correlateAgainst(exprm, immune, cohort.ReferenceRow, cohort.MaxRho, cohort.MaxCorrPadj)
	if err != nil {
		return err
	}
	if err := writeTable(corrCD8All, filepath.Join(dir, "correlation_cd8_all.csv")); err != nil {
		return err
	}
	if err := writeTable(corrCD8, filepath.Join(dir, "correlation_cd8.csv")); err != nil {
		return err
	}

	// Correlation screen #2: stratified survivors vs the aggregate
	// immune signature score.
	survivors := make([]string, 0, len(groups))
	for gene := range groups {
		survivors = append(survivors, gene)
	}
	sort.Strings(survivors)
	sigm, err := readMatrixFile(cohort.Signature, stdin)
	if err != nil {
		return err
	}
	corrSigAll, corrSig, err := correlateAgainst(exprm.KeepRows(survivors), sigm, cohort.SignatureRow, cohort.MaxRho, cohort.MaxCorrPadj)
	if err != nil {
		return err
	}
	if err := writeTable(corrSigAll, filepath.Join(dir, "correlation_signature_all.csv")); err != nil {
		return err
	}
	if err := writeTable(corrSig, filepath.Join(dir, "correlation_signature.csv")); err != nil {
		return err
	}

	// Survival screen. The multivariate coefficients are read from
	// the configured table if given, otherwise fitted here.
	cf, err := zopen(cohort.Clinical)
	if err != nil {
		return err
	}
	clin, err := readClinicalTable(cf)
	cf.Close()
	if err != nil {
		return err
	}
	surv, err := buildSurvivalTable(clin, "bcr_patient_barcode", "days_to_death", "days_to_last_followup", "vital_status")
	if err != nil {
		return err
	}
	var coefs *GeneTable
	if cohort.Coefficients != "" {
		tf, err := zopen(cohort.Coefficients)
		if err != nil {
			return err
		}
		coefs, err = ReadGeneTable(tf)
		tf.Close()
		if err != nil {
			return err
		}
	} else {
		coefs, err = fitCoxTable(exprm, clin, surv, cmd.threads)
		if err != nil {
			return err
		}
		if err := writeTable(coefs, filepath.Join(dir, "cox_coefficients.csv")); err != nil {
			return err
		}
	}
	coefTable, err := screenCoefficients(coefs, "coef", "p", cohort.MinCoef)
	if err != nil {
		return err
	}
	logrankAll, logrankTable := screenLogrank(exprm, surv, coefTable.Genes(), cohort.MinProp, cohort.MaxSurvPadj)
	if err := writeTable(coefTable, filepath.Join(dir, "survival_coefficients.csv")); err != nil {
		return err
	}
	if err := writeTable(logrankAll, filepath.Join(dir, "survival_logrank_all.csv")); err != nil {
		return err
	}
	if err := writeTable(logrankTable, filepath.Join(dir, "survival_logrank.csv")); err != nil {
		return err
	}

	// Merger
	merged := mergeGeneTables(
		[]string{"cd8", "sig", "cox", "logrank"},
		[]*GeneTable{corrCD8, corrSig, coefTable, logrankTable},
	)
	clog.WithFields(log.Fields{"genes": merged.Len()}).Info("merged gene list")
	if err := writeTable(merged, filepath.Join(dir, "merged_genes.csv")); err != nil {
		return err
	}

	// Pathway annotator (needs raw counts).
	if cohort.Counts != "" {
		rawCounts, err := readMatrixFile(cohort.Counts, stdin)
		if err != nil {
			return err
		}
		counts, err := normalizeMatrix(rawCounts, cohort.CountsMinMean, cohort.SampleType)
		if err != nil {
			return err
		}
		collab := &rscriptCollaborator{prog: cmd.rscript}
		annotated, err := annotateAll(merged.Genes(), counts, groups, collab, collab, 0.05, 0.25, cmd.threads)
		if err != nil {
			return err
		}
		if err := writeTable(annotated, filepath.Join(dir, "annotated_genes.csv")); err != nil {
			return err
		}
	} else {
		clog.Info("no counts matrix configured, skipping pathway annotation")
	}

	clog.Info("pipeline done")
	return nil
}

// correlateAgainst aligns the candidate matrix with one reference
// row and runs the correlation screen.
func correlateAgainst(exprm, refm *Matrix, refRow string, maxRho, maxPadj float64) (all, filtered *GeneTable, err error) {
	refrow, ok := refm.Row(refRow)
	if !ok {
		return nil, nil, fmt.Errorf("reference table has no row named %q", refRow)
	}
	samples := intersectKeys(exprm.Cols, refm.Cols)
	if len(samples) == 0 {
		return nil, nil, fmt.Errorf("expression and reference tables share no samples")
	}
	exprm = exprm.KeepCols(samples)
	refIdx := refm.ColIndex()
	ref := make([]float64, len(samples))
	for j, s := range samples {
		ref[j] = refrow[refIdx[s]]
	}
	all, filtered = screenCorrelation(exprm, ref, maxRho, maxPadj)
	return all, filtered, nil
}

// fitCoxTable fits the age+sex-adjusted proportional-hazards model
// per gene, producing the coefficient table the survival screen
// consumes when no external table is configured.
func fitCoxTable(exprm *Matrix, clin *clinicalTable, surv map[string]survivalEntry, threads int) (*GeneTable, error) {
	cov, err := buildCoxCovariates(clin, surv, "bcr_patient_barcode", "age_at_initial_pathologic_diagnosis", "gender")
	if err != nil {
		return nil, err
	}
	patientCol := map[string]int{}
	for j, barcode := range exprm.Cols {
		p := patientID(barcode)
		if _, ok := patientCol[p]; !ok {
			patientCol[p] = j
		}
	}

	out := NewGeneTable("coef", "p")
	var mtx sync.Mutex
	th := throttle{Max: threads}
	for i := range exprm.Rows {
		i := i
		th.Acquire()
		go func() {
			defer th.Release()
			row := exprm.Data[i]
			sub := &coxCovariates{}
			var xs []float64
			for k, p := range cov.patients {
				j, ok := patientCol[p]
				if !ok || math.IsNaN(row[j]) {
					continue
				}
				xs = append(xs, row[j])
				sub.times = append(sub.times, cov.times[k])
				sub.status = append(sub.status, cov.status[k])
				sub.age = append(sub.age, cov.age[k])
				sub.sex = append(sub.sex, cov.sex[k])
			}
			if len(xs) < 3 {
				return
			}
			coef, p := coxPvalueFunc(sub)(xs)
			if math.IsNaN(coef) || math.IsNaN(p) {
				log.WithField("gene", exprm.Rows[i]).Warn("coxph: fit failed (gene skipped)")
				return
			}
			mtx.Lock()
			out.Set(exprm.Rows[i], coef, p)
			mtx.Unlock()
		}()
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
