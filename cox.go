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
	"runtime"
	"strings"
	"sync"

	"github.com/kshedden/statmodel/duration"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// coxCovariates is the per-patient covariate table for the
// multivariate model: time-to-event, event indicator, age, sex.
type coxCovariates struct {
	patients []string
	times    []float64
	status   []float64
	age      []float64
	sex      []float64
}

// buildCoxCovariates joins survival entries with the age and sex
// columns of the clinical table. Patients with unusable covariates
// are skipped.
func buildCoxCovariates(t *clinicalTable, surv map[string]survivalEntry, idCol, ageCol, sexCol string) (*coxCovariates, error) {
	for _, name := range []string{idCol, ageCol, sexCol} {
		if _, ok := t.cols[name]; !ok {
			return nil, fmt.Errorf("clinical table is missing required column %q", name)
		}
	}
	id, agei, sexi := t.cols[idCol], t.cols[ageCol], t.cols[sexCol]
	cov := &coxCovariates{}
	seen := map[string]bool{}
	for _, rec := range t.records {
		patient := t.field(rec, id)
		entry, ok := surv[patient]
		if !ok || seen[patient] {
			continue
		}
		age := parseCell(t.field(rec, agei))
		var sex float64
		switch strings.ToLower(t.field(rec, sexi)) {
		case "female", "f", "0":
			sex = 0
		case "male", "m", "1":
			sex = 1
		default:
			sex = math.NaN()
		}
		if math.IsNaN(age) || math.IsNaN(sex) {
			continue
		}
		seen[patient] = true
		cov.patients = append(cov.patients, patient)
		cov.times = append(cov.times, entry.Time)
		if entry.Event {
			cov.status = append(cov.status, 1)
		} else {
			cov.status = append(cov.status, 0)
		}
		cov.age = append(cov.age, age)
		cov.sex = append(cov.sex, sex)
	}
	if len(cov.patients) == 0 {
		return nil, fmt.Errorf("no patients with complete survival, age and sex data")
	}
	return cov, nil
}

// coxPvalueFunc returns a function fitting a proportional-hazards
// model of survival on one gene's expression, adjusted for age and
// sex, returning the expression coefficient and its Wald p-value.
// Singular or non-convergent fits yield NaNs (the caller skips the
// gene) rather than aborting the screen.
func coxPvalueFunc(cov *coxCovariates) func(expr []float64) (coef, p float64) {
	times := make([]statmodel.Dtype, len(cov.times))
	status := make([]statmodel.Dtype, len(cov.status))
	age := make([]statmodel.Dtype, len(cov.age))
	sex := make([]statmodel.Dtype, len(cov.sex))
	for i := range cov.times {
		times[i] = cov.times[i]
		status[i] = cov.status[i]
		age[i] = cov.age[i]
		sex[i] = cov.sex[i]
	}

	return func(expr []float64) (coef, p float64) {
		defer func() {
			if recover() != nil {
				// typically "matrix singular or near-singular with condition number +Inf"
				coef, p = math.NaN(), math.NaN()
			}
		}()

		x := make([]statmodel.Dtype, len(expr))
		for i, v := range expr {
			x[i] = v
		}
		data := [][]statmodel.Dtype{times, status, x, age, sex}
		names := []string{"time", "status", "expr", "age", "sex"}
		dataset := statmodel.NewDataset(data, names)

		model, err := duration.NewPHReg(dataset, "time", "status", []string{"expr", "age", "sex"}, nil)
		if err != nil {
			return math.NaN(), math.NaN()
		}
		result, err := model.Fit()
		if err != nil {
			return math.NaN(), math.NaN()
		}
		params := result.Params()
		stderr := result.StdErr()
		if len(params) == 0 || len(stderr) == 0 || stderr[0] <= 0 {
			return math.NaN(), math.NaN()
		}
		z := params[0] / stderr[0]
		return params[0], 2 * stdNormal.CDF(-math.Abs(z))
	}
}

type coxphcmd struct{}

func (cmd *coxphcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *coxphcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "normalized expression matrix `file`")
	clinicalFilename := flags.String("clinical", "", "clinical metadata `file`")
	outputFilename := flags.String("o", "-", "output `file` (gene,coef,p)")
	threads := flags.Int("threads", runtime.NumCPU(), "worker pool size")
	idColumn := flags.String("id-column", "bcr_patient_barcode", "clinical `column` holding the patient id")
	deathColumn := flags.String("death-column", "days_to_death", "clinical `column` holding days to death")
	followupColumn := flags.String("followup-column", "days_to_last_followup", "clinical `column` holding days to last follow-up")
	statusColumn := flags.String("status-column", "vital_status", "clinical `column` holding vital status")
	ageColumn := flags.String("age-column", "age_at_initial_pathologic_diagnosis", "clinical `column` holding age at diagnosis")
	sexColumn := flags.String("sex-column", "gender", "clinical `column` holding sex")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *clinicalFilename == "" {
		return fmt.Errorf("must provide -clinical")
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
	cov, err := buildCoxCovariates(clin, surv, *idColumn, *ageColumn, *sexColumn)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"patients": len(cov.patients)}).Info("coxph: assembled covariates")

	// One expression column per patient: first barcode wins.
	patientCol := map[string]int{}
	for j, barcode := range exprm.Cols {
		p := patientID(barcode)
		if _, ok := patientCol[p]; !ok {
			patientCol[p] = j
		}
	}
	cols := make([]int, len(cov.patients))
	for i, p := range cov.patients {
		if j, ok := patientCol[p]; ok {
			cols[i] = j
		} else {
			cols[i] = -1
		}
	}

	fit := coxPvalueFunc(cov)
	out := NewGeneTable("coef", "p")
	var mtx sync.Mutex
	skipped := 0
	th := throttle{Max: *threads}
	for i := range exprm.Rows {
		i := i
		th.Acquire()
		go func() {
			defer th.Release()
			row := exprm.Data[i]
			expr := make([]float64, len(cols))
			for k, j := range cols {
				if j < 0 {
					expr[k] = math.NaN()
				} else {
					expr[k] = row[j]
				}
			}
			// Drop patients without expression for this gene.
			var xs []float64
			keep := make([]int, 0, len(expr))
			for k, v := range expr {
				if !math.IsNaN(v) {
					xs = append(xs, v)
					keep = append(keep, k)
				}
			}
			if len(xs) < 3 {
				mtx.Lock()
				skipped++
				mtx.Unlock()
				return
			}
			var coef, p float64
			if len(keep) == len(expr) {
				coef, p = fit(xs)
			} else {
				sub := &coxCovariates{}
				for _, k := range keep {
					sub.times = append(sub.times, cov.times[k])
					sub.status = append(sub.status, cov.status[k])
					sub.age = append(sub.age, cov.age[k])
					sub.sex = append(sub.sex, cov.sex[k])
				}
				coef, p = coxPvalueFunc(sub)(xs)
			}
			mtx.Lock()
			defer mtx.Unlock()
			if math.IsNaN(coef) || math.IsNaN(p) {
				log.WithField("gene", exprm.Rows[i]).Warn("coxph: fit failed (gene skipped)")
				skipped++
				return
			}
			out.Set(exprm.Rows[i], coef, p)
		}()
	}
	if err := th.Wait(); err != nil {
		return err
	}
	log.WithFields(log.Fields{"fitted": out.Len(), "skipped": skipped}).Info("coxph: finished")

	return writeTableFile(out, *outputFilename, stdout)
}
