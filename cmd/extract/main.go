package main

import (
	"bufio"
	"encoding/csv"
	"flag"
	"io"
	"log"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/mikequentel/xclient/internal/extract"
	"github.com/mikequentel/xclient/internal/textsplit"
)

// Flags
var (
	inFile   = flag.String("in", "", "HTML file to read")
	outCSV   = flag.String("out", "segments.csv", "output CSV (index,chars,text); - for stdout")
	selector = flag.String("selector", extract.DefaultSelector, "CSS selector for paragraphs")
	strategy = flag.String("strategy", string(textsplit.Paragraph), "split strategy: word, sentence or paragraph")
	limit    = flag.Int("limit", 280, "max characters per segment")
)

func main() {
	log.SetFlags(0)
	flag.Parse()
	if *inFile == "" {
		log.Fatal("missing -in")
	}

	f := mustOpen(*inFile)
	defer f.Close()

	title, segments, err := segmentHTML(f, *selector, *strategy, *limit)
	if err != nil {
		log.Fatalf("extract %s: %v", *inFile, err)
	}

	var w io.Writer = os.Stdout
	if *outCSV != "-" {
		out, err := os.Create(*outCSV)
		if err != nil {
			log.Fatalf("create %s: %v", *outCSV, err)
		}
		defer out.Close()
		w = out
	}
	if err := writeSegmentsCSV(w, segments); err != nil {
		log.Fatalf("write segments csv: %v", err)
	}

	log.Printf("Extracted %d segments from %s (%q)", len(segments), *inFile, title)
}

// segmentHTML returns the page title and its text split into segments.
func segmentHTML(r io.Reader, sel, strategyName string, limit int) (string, []string, error) {
	page, err := extract.Parse(r, sel)
	if err != nil {
		return "", nil, err
	}
	s, err := textsplit.ByName(strategyName)
	if err != nil {
		return "", nil, err
	}
	segments, err := textsplit.ForThread(extract.ThreadText(page.Paragraphs), limit, s)
	if err != nil {
		return "", nil, err
	}
	return page.Title, segments, nil
}

// ---- helpers

func mustOpen(path string) *os.File {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	return f
}

func writeSegmentsCSV(w io.Writer, segments []string) error {
	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)
	// header: index,chars,text
	if err := cw.Write([]string{"index", "chars", "text"}); err != nil {
		return err
	}
	for i, s := range segments {
		rec := []string{strconv.Itoa(i + 1), strconv.Itoa(utf8.RuneCountInString(s)), s}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}
