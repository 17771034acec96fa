// Package textsplit breaks long text into thread segments no longer than a
// character limit. Lengths are counted in runes.
package textsplit

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var ErrInvalidLimit = errors.New("limit must be a positive integer")

// Strategy splits text into ordered segments of at most limit runes.
// Implementations are stateless.
type Strategy interface {
	Split(text string, limit int) ([]string, error)
}

// Name selects a built-in strategy.
type Name string

const (
	Word      Name = "word"
	Sentence  Name = "sentence"
	Paragraph Name = "paragraph"
)

// ByName resolves a strategy name. Aliases: "", "simple", "default" for
// word; "sentences", "sbd" for sentence; "paragraphs", "para" for paragraph.
func ByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "simple", "default", string(Word):
		return WordBoundary{}, nil
	case string(Sentence), "sentences", "sbd":
		return SentenceBoundary{}, nil
	case string(Paragraph), "paragraphs", "para":
		return Paragraphs{}, nil
	}
	return nil, fmt.Errorf("unknown split strategy %q", name)
}

// ForThread splits text with s (word boundary when nil) and drops empty
// segments.
func ForThread(text string, limit int, s Strategy) ([]string, error) {
	if s == nil {
		s = WordBoundary{}
	}
	chunks, err := s.Split(text, limit)
	if err != nil {
		return nil, err
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// WordBoundary packs whitespace-separated words greedily and hard-wraps any
// single word longer than the limit.
type WordBoundary struct{}

func (WordBoundary) Split(text string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return []string{""}, nil
	}
	if runeLen(stripped) <= limit {
		return []string{stripped}, nil
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0
	flush := func() {
		if s := strings.TrimRightFunc(current.String(), unicode.IsSpace); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentLen = 0
	}

	for _, tok := range tokenize(stripped) {
		space := isSpace(tok)
		if space && currentLen == 0 {
			continue
		}
		n := runeLen(tok)
		if n > limit {
			flush()
			if !space {
				chunks = append(chunks, hardWrap(tok, limit)...)
			}
			continue
		}
		if currentLen+n <= limit {
			current.WriteString(tok)
			currentLen += n
			continue
		}
		flush()
		if !space {
			current.WriteString(tok)
			currentLen = n
		}
	}
	flush()
	return chunks, nil
}

// tokenize returns alternating runs of whitespace and non-whitespace.
func tokenize(s string) []string {
	var toks []string
	start := 0
	prevSpace := false
	for i, r := range s {
		sp := unicode.IsSpace(r)
		if i > 0 && sp != prevSpace {
			toks = append(toks, s[start:i])
			start = i
		}
		prevSpace = sp
	}
	return append(toks, s[start:])
}

func isSpace(tok string) bool {
	r, _ := utf8.DecodeRuneInString(tok)
	return unicode.IsSpace(r)
}

func hardWrap(s string, limit int) []string {
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}

// packer joins fragments with single spaces while they fit.
type packer struct {
	limit   int
	current string
	chunks  []string
}

func (p *packer) add(fragment string) {
	switch {
	case p.current == "":
		p.current = fragment
	case runeLen(p.current)+1+runeLen(fragment) <= p.limit:
		p.current += " " + fragment
	default:
		p.chunks = append(p.chunks, p.current)
		p.current = fragment
	}
}

func (p *packer) done() []string {
	if p.current != "" {
		p.chunks = append(p.chunks, p.current)
	}
	return p.chunks
}

var sentenceRe = regexp.MustCompile(`(?m)[^.!?。！？\n]+[.!?。！？]+|\S.*?$`)

// SentenceBoundary splits on English and CJK sentence terminators and packs
// whole sentences; an over-long sentence falls back to word boundaries.
type SentenceBoundary struct{}

func (SentenceBoundary) Split(text string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return []string{""}, nil
	}

	var sentences []string
	for _, s := range sentenceRe.FindAllString(stripped, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return WordBoundary{}.Split(stripped, limit)
	}
	return pack(sentences, limit)
}

var paragraphRe = regexp.MustCompile(`\n\s*\n+`)

// Paragraphs keeps blank-line separated paragraphs whole when they fit and
// packs adjacent short ones together.
type Paragraphs struct{}

func (Paragraphs) Split(text string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return []string{""}, nil
	}

	var paras []string
	for _, p := range paragraphRe.Split(stripped, -1) {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return pack(paras, limit)
}

func pack(units []string, limit int) ([]string, error) {
	p := &packer{limit: limit}
	for _, u := range units {
		if runeLen(u) <= limit {
			p.add(u)
			continue
		}
		pieces, err := WordBoundary{}.Split(u, limit)
		if err != nil {
			return nil, err
		}
		for _, piece := range pieces {
			p.add(piece)
		}
	}
	return p.done(), nil
}
