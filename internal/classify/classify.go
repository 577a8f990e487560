// Package classify derives content features from rendered HTML and decides
// which output formats a page should be persisted as.
package classify

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// textThreshold is the number of visible body characters above which a page
// counts as having text.
const textThreshold = 100

// Format is a persistable output format.
type Format string

// Formats. Both is only ever a suggestion or a mode, never written as such.
const (
	Markdown Format = "markdown"
	XLSX     Format = "xlsx"
	HTML     Format = "html"
	Both     Format = "both"
)

// Ext returns the file extension for f.
func (f Format) Ext() string {
	switch f {
	case Markdown:
		return "md"
	case XLSX:
		return "xlsx"
	case HTML:
		return "html"
	default:
		return string(f)
	}
}

// Mode is the user's requested format selection.
type Mode string

// Modes.
const (
	ModeAuto     Mode = "auto"
	ModeBoth     Mode = "both"
	ModeMarkdown Mode = "markdown"
	ModeXLSX     Mode = "xlsx"
	ModeHTML     Mode = "html"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeAuto, ModeBoth, ModeMarkdown, ModeXLSX, ModeHTML:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown format %q (want auto, both, markdown, xlsx or html)", s)
	}
}

// Features summarizes a page.
type Features struct {
	HasText           bool   `json:"hasText"`
	HasTables         bool   `json:"hasTables"`
	HasImages         bool   `json:"hasImages"`
	HasVideos         bool   `json:"hasVideos"`
	HasCode           bool   `json:"hasCode"`
	HasHeadings       bool   `json:"hasHeadings"`
	HasLists          bool   `json:"hasLists"`
	StructuredContent bool   `json:"structuredContent"`
	LinkCount         int    `json:"linkCount"`
	TotalLength       int    `json:"totalLength"`
	SuggestedFormat   Format `json:"suggestedFormat"`
}

// Classify parses html and computes its features.
func Classify(html string) Features {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Features{SuggestedFormat: Markdown}
	}
	return ClassifyDocument(doc)
}

// ClassifyDocument computes features for an already parsed document.
func ClassifyDocument(doc *goquery.Document) Features {
	text := VisibleText(doc)
	f := Features{
		HasTables:   doc.Find("table").Length() > 0,
		HasImages:   doc.Find("img").Length() > 0,
		HasVideos:   doc.Find(`video, iframe[src*="youtube"], iframe[src*="vimeo"]`).Length() > 0,
		HasCode:     doc.Find("pre, code").Length() > 0,
		HasHeadings: doc.Find("h1, h2, h3, h4, h5, h6").Length() > 0,
		HasLists:    doc.Find("ul, ol").Length() > 0,
		LinkCount:   doc.Find("a[href]").Length(),
		TotalLength: utf8.RuneCountInString(text),
	}
	f.HasText = f.TotalLength > textThreshold
	f.StructuredContent = f.HasHeadings || f.HasLists || f.HasCode
	f.SuggestedFormat = Suggest(f)
	return f
}

// VisibleText returns the trimmed body text with script, style and noscript
// contents removed. The document is not modified.
func VisibleText(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return strings.TrimSpace(body.Text())
}

// Suggest applies the advisory decision table.
func Suggest(f Features) Format {
	switch {
	case f.HasTables && !f.HasText:
		return XLSX
	case f.HasTables && f.HasText:
		return Both
	case !f.HasText && f.HasImages:
		return HTML
	default:
		return Markdown
	}
}

// ResolveFormats picks the formats to write for mode. In auto mode markdown
// follows text, xlsx follows tables, and html is the fallback so a page is
// never dropped.
func ResolveFormats(mode Mode, f Features) []Format {
	switch mode {
	case ModeBoth:
		return []Format{Markdown, XLSX}
	case ModeMarkdown:
		return []Format{Markdown}
	case ModeXLSX:
		return []Format{XLSX}
	case ModeHTML:
		return []Format{HTML}
	}
	var out []Format
	if f.HasText {
		out = append(out, Markdown)
	}
	if f.HasTables {
		out = append(out, XLSX)
	}
	if len(out) == 0 {
		out = append(out, HTML)
	}
	return out
}
