// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"fmt"
	"sync"

	"gopkg.in/check.v1"
)

type annotateSuite struct{}

var _ = check.Suite(&annotateSuite{})

// stubRanker records the samples it was asked to compare and returns
// a fixed ranking.
type stubRanker struct {
	mtx    sync.Mutex
	groups [][]string
	err    error
}

func (r *stubRanker) Rank(counts *Matrix, groupA, groupB []string) ([]rankedGene, error) {
	r.mtx.Lock()
	r.groups = append(r.groups, append(append([]string(nil), groupA...), groupB...))
	r.mtx.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var ranked []rankedGene
	for i, gene := range counts.Rows {
		ranked = append(ranked, rankedGene{Gene: gene, FoldChange: float64(i)})
	}
	return ranked, nil
}

// stubEnricher returns the same term list for every namespace.
type stubEnricher struct {
	terms []enrichTerm
	errNS string
}

func (e *stubEnricher) Enrich(ranked []rankedGene, ontology string) ([]enrichTerm, error) {
	if ontology == e.errNS {
		return nil, fmt.Errorf("enrichment backend unavailable")
	}
	out := make([]enrichTerm, len(e.terms))
	for i, t := range e.terms {
		t.Ontology = ontology
		out[i] = t
	}
	return out, nil
}

func stubGroups() geneGroups {
	return geneGroups{A: []string{"s1", "s2"}, B: []string{"s3", "s4"}}
}

func (s *annotateSuite) TestAnnotateGeneKeywordCounts(c *check.C) {
	counts := newMatrix("Gene", []string{"G1", "G2"}, []string{"s1", "s2", "s3", "s4"})
	enricher := &stubEnricher{terms: []enrichTerm{
		{Description: "interleukin-6 production", P: 0.01, Padj: 0.1},
		{Description: "cellular response to type I interferon", P: 0.001, Padj: 0.01},
		{Description: "antigen processing and presentation via MHC class II", P: 0.001, Padj: 0.01},
		{Description: "mitotic cytokinesis", P: 0.0001, Padj: 0.001}, // immune false positive
		{Description: "chemokine signaling", P: 0.5, Padj: 0.9},      // fails raw p
		{Description: "interferon-gamma production", P: 0.01, Padj: 0.5}, // fails padj
	}}
	cts, err := annotateGene(counts, stubGroups(), &stubRanker{}, enricher, 0.05, 0.25)
	c.Assert(err, check.IsNil)
	// 2 immune terms and 1 antigen term per namespace, summed over
	// BP, CC, MF.
	c.Check(cts.ImmuneTerms, check.Equals, 6)
	c.Check(cts.AntigenTerms, check.Equals, 3)
}

func (s *annotateSuite) TestAnnotateGeneSubsetsCounts(c *check.C) {
	counts := newMatrix("Gene", []string{"G1"}, []string{"s1", "s2", "s3", "s4", "s5"})
	ranker := &stubRanker{}
	_, err := annotateGene(counts, stubGroups(), ranker, &stubEnricher{}, 0.05, 0.25)
	c.Assert(err, check.IsNil)
	c.Assert(ranker.groups, check.HasLen, 1)
	c.Check(ranker.groups[0], check.DeepEquals, []string{"s1", "s2", "s3", "s4"})
}

func (s *annotateSuite) TestAnnotateGeneEnricherError(c *check.C) {
	counts := newMatrix("Gene", []string{"G1"}, []string{"s1", "s2", "s3", "s4"})
	_, err := annotateGene(counts, stubGroups(), &stubRanker{}, &stubEnricher{errNS: "CC"}, 0.05, 0.25)
	c.Check(err, check.ErrorMatches, `enrichment \(CC\): .*`)
}

func (s *annotateSuite) TestAnnotateAllFaultIsolation(c *check.C) {
	counts := newMatrix("Gene", []string{"G1", "G2", "G3"}, []string{"s1", "s2", "s3", "s4"})
	groups := map[string]geneGroups{
		"G1": stubGroups(),
		"G3": stubGroups(),
	}
	enricher := &stubEnricher{terms: []enrichTerm{
		{Description: "chemokine receptor binding", P: 0.01, Padj: 0.1},
	}}
	// G2 has no stratified groups and is skipped; the pool still
	// annotates G1 and G3.
	out, err := annotateAll([]string{"G1", "G2", "G3"}, counts, groups, &stubRanker{}, enricher, 0.05, 0.25, 2)
	c.Assert(err, check.IsNil)
	c.Check(out.Genes(), check.DeepEquals, []string{"G1", "G3"})
	row, ok := out.Get("G1")
	c.Assert(ok, check.Equals, true)
	c.Check(row, check.DeepEquals, []float64{3, 0})
}

func (s *annotateSuite) TestAnnotateAllRankerFailure(c *check.C) {
	counts := newMatrix("Gene", []string{"G1"}, []string{"s1", "s2", "s3", "s4"})
	groups := map[string]geneGroups{"G1": stubGroups()}
	ranker := &stubRanker{err: fmt.Errorf("model did not converge")}
	// A per-gene collaborator failure is skipped, not reported as a
	// pool error.
	out, err := annotateAll([]string{"G1"}, counts, groups, ranker, &stubEnricher{}, 0.05, 0.25, 1)
	c.Assert(err, check.IsNil)
	c.Check(out.Len(), check.Equals, 0)
}

func (s *annotateSuite) TestImmuneKeywordBoundaries(c *check.C) {
	for _, trial := range []struct {
		desc    string
		immune  bool
		antigen bool
	}{
		{"positive regulation of cytokine production", true, false},
		{"mitotic cytokinesis", false, false},
		{"cytokinetic process", false, false},
		{"cytokinesis-linked cytokine storm", true, false},
		{"Interferon-Beta Response", true, false},
		{"antigen receptor-mediated signaling", false, true},
		{"major histocompatibility complex assembly", false, true},
		{"peptide antigen binding via MHC class I", false, true},
		{"ribosome biogenesis", false, false},
	} {
		desc := immuneFalsePositive.ReplaceAllString(trial.desc, "")
		c.Check(immuneTermRe.MatchString(desc), check.Equals, trial.immune, check.Commentf("%q", trial.desc))
		c.Check(antigenTermRe.MatchString(trial.desc), check.Equals, trial.antigen, check.Commentf("%q", trial.desc))
	}
}
