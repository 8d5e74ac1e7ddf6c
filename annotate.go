// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// rankedGene is one gene's fold change from the differential
// expression collaborator (Group B vs Group A, A as reference).
type rankedGene struct {
	Gene       string
	FoldChange float64
}

// deRanker fits a differential-expression model over a counts
// submatrix and returns per-gene fold changes. The model itself
// (negative binomial) is an external collaborator.
type deRanker interface {
	Rank(counts *Matrix, groupA, groupB []string) ([]rankedGene, error)
}

// enrichTerm is one enriched ontology term from the gene-set
// enrichment collaborator.
type enrichTerm struct {
	Ontology    string
	Description string
	P           float64
	Padj        float64
}

// goEnricher runs gene-set enrichment of a ranked fold-change vector
// against one Gene Ontology namespace. The enrichment statistics are
// an external collaborator.
type goEnricher interface {
	Enrich(ranked []rankedGene, ontology string) ([]enrichTerm, error)
}

var ontologyNamespaces = []string{"BP", "CC", "MF"}

var (
	immuneTermRe        = regexp.MustCompile(`(?i)cytokine|interferon|interleukin|chemokine`)
	immuneFalsePositive = regexp.MustCompile(`(?i)cytokinesis|cytokinetic`)
	antigenTermRe       = regexp.MustCompile(`(?i)antigen|MHC|major histocompatibility`)
)

// pathwayCounts is the per-candidate-gene annotation result.
type pathwayCounts struct {
	ImmuneTerms  int
	AntigenTerms int
}

// annotateGene produces the immune/antigen term counts for one
// candidate gene: counts are subset to the gene's Group A and B
// samples, the DE collaborator ranks all genes by fold change, and
// the enrichment collaborator is consulted per ontology namespace.
// Terms are kept at raw p < maxP and corrected p < maxPadj.
func annotateGene(counts *Matrix, g geneGroups, ranker deRanker, enricher goEnricher, maxP, maxPadj float64) (pathwayCounts, error) {
	var cts pathwayCounts
	samples := append(append([]string(nil), g.A...), g.B...)
	sub := counts.KeepCols(samples)
	ranked, err := ranker.Rank(sub, g.A, g.B)
	if err != nil {
		return cts, fmt.Errorf("differential expression: %w", err)
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].FoldChange > ranked[b].FoldChange })
	for _, ns := range ontologyNamespaces {
		terms, err := enricher.Enrich(ranked, ns)
		if err != nil {
			return cts, fmt.Errorf("enrichment (%s): %w", ns, err)
		}
		for _, term := range terms {
			if term.P >= maxP || term.Padj >= maxPadj {
				continue
			}
			desc := immuneFalsePositive.ReplaceAllString(term.Description, "")
			if immuneTermRe.MatchString(desc) {
				cts.ImmuneTerms++
			}
			if antigenTermRe.MatchString(term.Description) {
				cts.AntigenTerms++
			}
		}
	}
	return cts, nil
}

// annotateAll fans annotateGene out over a fixed-size worker pool.
// The shared read-only inputs (counts matrix, group partitions) are
// captured once, not copied per task; results are gathered by gene
// after the pool drains. A failed gene is logged and excluded, never
// fatal to the pool.
func annotateAll(genes []string, counts *Matrix, groups map[string]geneGroups, ranker deRanker, enricher goEnricher, maxP, maxPadj float64, threads int) (*GeneTable, error) {
	out := NewGeneTable("immune_terms", "antigen_terms")
	var mtx sync.Mutex
	th := throttle{Max: threads}
	for _, gene := range genes {
		gene := gene
		g, ok := groups[gene]
		if !ok {
			log.WithField("gene", gene).Warn("annotate: no stratified groups (gene skipped)")
			continue
		}
		th.Acquire()
		go func() {
			defer th.Release()
			cts, err := annotateGene(counts, g, ranker, enricher, maxP, maxPadj)
			if err != nil {
				log.WithField("gene", gene).Warnf("annotate: %s (gene skipped)", err)
				return
			}
			mtx.Lock()
			out.Set(gene, float64(cts.ImmuneTerms), float64(cts.AntigenTerms))
			mtx.Unlock()
		}()
	}
	if err := th.Wait(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"candidates": len(genes), "annotated": out.Len()}).Info("annotate: finished")
	return out, nil
}

//go:embed annotate_rank.R
var rankScript string

//go:embed annotate_gse.R
var gseScript string

// rscriptCollaborator satisfies deRanker and goEnricher by running
// the embedded R scripts (DESeq2 and clusterProfiler) under the
// given interpreter, passing data through temporary CSV files.
type rscriptCollaborator struct {
	prog string // e.g. "Rscript"
}

func (r *rscriptCollaborator) runScript(script string, args ...string) ([]byte, error) {
	cmd := exec.Command(r.prog, append([]string{"-"}, args...)...)
	cmd.Stdin = bytes.NewBufferString(script)
	var out, errbuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errbuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", r.prog, err, errbuf.String())
	}
	return out.Bytes(), nil
}

func (r *rscriptCollaborator) Rank(counts *Matrix, groupA, groupB []string) ([]rankedGene, error) {
	tmpdir, err := os.MkdirTemp("", "immunofunnel")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpdir)
	countsFile := filepath.Join(tmpdir, "counts.csv")
	groupFile := filepath.Join(tmpdir, "groups.csv")
	f, err := os.Create(countsFile)
	if err != nil {
		return nil, err
	}
	if _, err = counts.WriteCSV(f); err != nil {
		f.Close()
		return nil, err
	}
	if err = f.Close(); err != nil {
		return nil, err
	}
	g, err := os.Create(groupFile)
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(g, "sample,group")
	for _, id := range groupA {
		fmt.Fprintf(g, "%s,A\n", id)
	}
	for _, id := range groupB {
		fmt.Fprintf(g, "%s,B\n", id)
	}
	if err = g.Close(); err != nil {
		return nil, err
	}

	out, err := r.runScript(rankScript, countsFile, groupFile)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(bytes.NewReader(out))
	cr.FieldsPerRecord = 2
	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("parse fold-change output: %w", err)
	}
	var ranked []rankedGene
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("parse fold-change output: %w", err)
		}
		ranked = append(ranked, rankedGene{Gene: rec[0], FoldChange: parseCell(rec[1])})
	}
	return ranked, nil
}

func (r *rscriptCollaborator) Enrich(ranked []rankedGene, ontology string) ([]enrichTerm, error) {
	tmpdir, err := os.MkdirTemp("", "immunofunnel")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpdir)
	rankedFile := filepath.Join(tmpdir, "ranked.csv")
	f, err := os.Create(rankedFile)
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(f, "gene,log2fc")
	for _, rg := range ranked {
		fmt.Fprintf(f, "%s,%s\n", rg.Gene, strconv.FormatFloat(rg.FoldChange, 'g', -1, 64))
	}
	if err = f.Close(); err != nil {
		return nil, err
	}

	out, err := r.runScript(gseScript, rankedFile, ontology)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(bytes.NewReader(out))
	cr.FieldsPerRecord = 3
	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("parse enrichment output: %w", err)
	}
	var terms []enrichTerm
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("parse enrichment output: %w", err)
		}
		terms = append(terms, enrichTerm{
			Ontology:    ontology,
			Description: rec[0],
			P:           parseCell(rec[1]),
			Padj:        parseCell(rec[2]),
		})
	}
	return terms, nil
}

type annotator struct{}

func (cmd *annotator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *annotator) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	genesFilename := flags.String("genes", "", "merged gene table `file` (output of merge)")
	countsFilename := flags.String("counts", "", "raw counts matrix `file`")
	groupsFilename := flags.String("groups", "", "stratified groups `file` (output of stratify)")
	outputFilename := flags.String("o", "-", "output `file`")
	threads := flags.Int("threads", 8, "worker pool size")
	rscript := flags.String("rscript", "Rscript", "R interpreter `program` used for the DE/enrichment collaborators")
	maxP := flags.Float64("max-term-p", 0.05, "count ontology terms with raw p-value below this")
	maxPadj := flags.Float64("max-term-padj", 0.25, "count ontology terms with corrected p-value below this")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *genesFilename == "" || *countsFilename == "" || *groupsFilename == "" {
		return fmt.Errorf("must provide -genes, -counts and -groups")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	gf, err := zopen(*genesFilename)
	if err != nil {
		return err
	}
	merged, err := ReadGeneTable(gf)
	gf.Close()
	if err != nil {
		return err
	}
	counts, err := readMatrixFile(*countsFilename, stdin)
	if err != nil {
		return err
	}
	grf, err := zopen(*groupsFilename)
	if err != nil {
		return err
	}
	groups, err := readGroups(grf)
	grf.Close()
	if err != nil {
		return err
	}

	collab := &rscriptCollaborator{prog: *rscript}
	out, err := annotateAll(merged.Genes(), counts, groups, collab, collab, *maxP, *maxPadj, *threads)
	if err != nil {
		return err
	}
	return writeTableFile(out, *outputFilename, stdout)
}
