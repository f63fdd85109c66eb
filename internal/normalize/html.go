package normalize

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const noiseSelectors = "script, style, noscript"

var (
	spaceRuns   = regexp.MustCompile(`[ \t]{2,}`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
)

// Page is the text content of an HTML document.
type Page struct {
	Title string
	Text  string
}

// HTMLToText strips scripts and styles and joins the remaining text nodes
// with newlines.
func HTMLToText(r io.Reader) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find(noiseSelectors).Remove()

	var parts []string
	for _, node := range doc.Nodes {
		collectText(node, &parts)
	}
	return Page{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Text:  Clean(strings.Join(parts, "\n")),
	}, nil
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		*parts = append(*parts, n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}

// FragmentText converts an HTML fragment, such as a feed description, to text.
// Inline markup is concatenated rather than split onto separate lines.
func FragmentText(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	if !strings.ContainsAny(fragment, "<&") {
		return Clean(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return Clean(fragment)
	}
	doc.Find(noiseSelectors).Remove()
	return Clean(doc.Find("body").Text())
}

// PlainText normalizes line endings and whitespace of plain text.
func PlainText(text string) string {
	text = strings.ToValidUTF8(text, "�")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return Clean(text)
}

// Clean trims every line, collapses runs of spaces and tabs to one space and
// collapses three or more newlines to a single blank line.
func Clean(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
