// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package immunofunnel

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"strings"

	log "github.com/sirupsen/logrus"
)

// mergeGeneTables inner-joins gene tables on the gene symbol: a gene
// survives only if present in every input. Columns are prefixed with
// the table's namespace and concatenated in join order. The gene set
// does not depend on the join order.
func mergeGeneTables(prefixes []string, tables []*GeneTable) *GeneTable {
	var cols []string
	for i, t := range tables {
		for _, c := range t.Cols {
			cols = append(cols, prefixes[i]+"_"+c)
		}
	}
	out := NewGeneTable(cols...)
	if len(tables) == 0 {
		return out
	}
	for _, gene := range tables[0].Genes() {
		values := make([]float64, 0, len(cols))
		inAll := true
		for _, t := range tables {
			row, ok := t.Get(gene)
			if !ok {
				inAll = false
				break
			}
			values = append(values, row...)
		}
		if inAll {
			out.Set(gene, values...)
		}
	}
	return out
}

type merger struct{}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *merger) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	outputFilename := flags.String("o", "-", "output `file`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if flags.NArg() < 2 {
		return fmt.Errorf("usage: %s merge [-o file] prefix=table.csv prefix=table.csv ...", prog)
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var prefixes []string
	var tables []*GeneTable
	for _, arg := range flags.Args() {
		eq := strings.IndexByte(arg, '=')
		if eq <= 0 {
			return fmt.Errorf("argument %q is not in prefix=file form", arg)
		}
		f, err := zopen(arg[eq+1:])
		if err != nil {
			return err
		}
		t, err := ReadGeneTable(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", arg[eq+1:], err)
		}
		prefixes = append(prefixes, arg[:eq])
		tables = append(tables, t)
		log.WithFields(log.Fields{"table": arg[:eq], "genes": t.Len()}).Info("merge: loaded input")
	}

	out := mergeGeneTables(prefixes, tables)
	log.WithFields(log.Fields{"genes": out.Len()}).Info("merge: intersection")
	return writeTableFile(out, *outputFilename, stdout)
}
