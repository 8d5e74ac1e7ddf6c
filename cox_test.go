// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"math"
	"strings"

	"gopkg.in/check.v1"
)

type coxSuite struct{}

var _ = check.Suite(&coxSuite{})

func (s *coxSuite) TestBuildCoxCovariates(c *check.C) {
	clin, err := readClinicalTable(strings.NewReader(
		"bcr_patient_barcode\tvital_status\tdays_to_death\tdays_to_last_followup\tage_at_initial_pathologic_diagnosis\tgender\n" +
			"TCGA-XX-0001\tDead\t120\tNA\t61\tMALE\n" +
			"TCGA-XX-0002\tAlive\tNA\t730\t55\tfemale\n" +
			"TCGA-XX-0003\tDead\t200\tNA\tNA\tmale\n" + // missing age: skipped
			"TCGA-XX-0004\tDead\t300\tNA\t70\tunknown\n")) // unusable sex: skipped
	c.Assert(err, check.IsNil)
	surv, err := buildSurvivalTable(clin, "bcr_patient_barcode", "days_to_death", "days_to_last_followup", "vital_status")
	c.Assert(err, check.IsNil)
	cov, err := buildCoxCovariates(clin, surv, "bcr_patient_barcode", "age_at_initial_pathologic_diagnosis", "gender")
	c.Assert(err, check.IsNil)
	c.Check(cov.patients, check.DeepEquals, []string{"TCGA-XX-0001", "TCGA-XX-0002"})
	c.Check(cov.times, check.DeepEquals, []float64{120, 730})
	c.Check(cov.status, check.DeepEquals, []float64{1, 0})
	c.Check(cov.age, check.DeepEquals, []float64{61, 55})
	c.Check(cov.sex, check.DeepEquals, []float64{1, 0})
}

func coxFixture() *coxCovariates {
	// Survival broadly decreasing with increasing expression, with
	// enough inversions and censoring to keep the fit well behaved.
	times := []float64{90, 80, 85, 70, 60, 65, 50, 55, 40, 30, 35, 45, 25, 20, 15, 10, 12, 8, 18, 5}
	cov := &coxCovariates{}
	for i, t := range times {
		cov.patients = append(cov.patients, "p")
		cov.times = append(cov.times, t)
		if i%7 == 3 {
			cov.status = append(cov.status, 0)
		} else {
			cov.status = append(cov.status, 1)
		}
		cov.age = append(cov.age, float64(50+i%9))
		cov.sex = append(cov.sex, float64(i%2))
	}
	return cov
}

func (s *coxSuite) TestCoxFitPositiveAssociation(c *check.C) {
	cov := coxFixture()
	expr := make([]float64, len(cov.times))
	for i := range expr {
		expr[i] = 0.1 * float64(i+1)
	}
	coef, p := coxPvalueFunc(cov)(expr)
	c.Check(math.IsNaN(coef), check.Equals, false)
	c.Check(coef > 0, check.Equals, true)
	c.Check(p > 0, check.Equals, true)
	c.Check(p < 0.5, check.Equals, true)
}

func (s *coxSuite) TestCoxFitDegenerateExpression(c *check.C) {
	cov := coxFixture()
	expr := make([]float64, len(cov.times))
	for i := range expr {
		expr[i] = 3 // constant: no information, fit must not abort
	}
	coef, p := coxPvalueFunc(cov)(expr)
	c.Check(math.IsNaN(coef), check.Equals, true)
	c.Check(math.IsNaN(p), check.Equals, true)
}
