// Package extract pulls readable paragraphs out of an HTML document so they
// can be published as a thread.
package extract

import (
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const DefaultSelector = "p"

var (
	reSpace       = regexp.MustCompile(`\s+`)
	reSpacedPunct = regexp.MustCompile(`\s+([,.;:!?])`)
)

// Page is the readable content of an HTML document.
type Page struct {
	Title      string
	Paragraphs []string
}

// Parse returns the title and the text of every element matching selector
// ("p" when empty), in document order. Script and style content is dropped.
// When no element matches, the body text is returned as a single paragraph.
func Parse(r io.Reader, selector string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	if selector == "" {
		selector = DefaultSelector
	}
	doc.Find("script, style, noscript").Remove()

	page := &Page{Title: title(doc)}
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if t := clean(s.Text()); t != "" {
			page.Paragraphs = append(page.Paragraphs, t)
		}
	})
	if len(page.Paragraphs) == 0 {
		if t := clean(doc.Find("body").Text()); t != "" {
			page.Paragraphs = append(page.Paragraphs, t)
		}
	}
	return page, nil
}

// title is the document title, or the first h1 when there is none.
func title(doc *goquery.Document) string {
	if t := clean(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return clean(doc.Find("h1").First().Text())
}

// ThreadText joins paragraphs with blank lines, the separator the paragraph
// split strategy looks for.
func ThreadText(paragraphs []string) string {
	return strings.Join(paragraphs, "\n\n")
}

// clean collapses whitespace and removes stray spaces before punctuation.
func clean(s string) string {
	s = reSpace.ReplaceAllString(strings.TrimSpace(s), " ")
	return reSpacedPunct.ReplaceAllString(s, "$1")
}
