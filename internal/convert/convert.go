// Package convert turns rendered HTML into the artifacts written to disk:
// cleaned HTML, Markdown, table grids and spreadsheets.
package convert

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/xuri/excelize/v2"
)

// NestedTablePlaceholder replaces the text of a cell that contains a table.
const NestedTablePlaceholder = "[nested table]"

const (
	minColumnWidth = 10
	maxColumnWidth = 100
)

var noiseSelectors = []string{
	"script, style, iframe, noscript",
	`[class*="advert"], [class*="banner"], [id*="ad-"], [class*="ad-"]`,
	`[class*="share"], [class*="social"], [id*="share"]`,
	`[class*="comment"], [id*="comment"], [class*="disqus"]`,
	"nav, footer, header",
	`[style*="display: none"], [style*="display:none"], [style*="visibility: hidden"]`,
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Table is a grid of trimmed cell texts, row-major.
type Table [][]string

// CleanHTML strips scripts, ads, share widgets, comments, page chrome and
// hidden elements, then drops empty p, div and span elements.
func CleanHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	for _, sel := range noiseSelectors {
		doc.Find(sel).Remove()
	}
	doc.Find("p, div, span").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) == "" && s.Children().Length() == 0 {
			s.Remove()
		}
	})
	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return out, nil
}

// ToMarkdown cleans html and converts it to Markdown.
func ToMarkdown(html string) (string, error) {
	cleaned, err := CleanHTML(html)
	if err != nil {
		return "", err
	}
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
	})
	out, err := converter.ConvertString(cleaned)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out) + "\n", nil
}

// ExtractTables returns one grid per table element that has at least one
// non-empty row. Rows of a nested table belong only to that table, which is
// listed on its own; its host cell reads NestedTablePlaceholder.
func ExtractTables(html string) ([]Table, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var tables []Table
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		var grid Table
		ownRows := table.Find("tr").FilterFunction(func(_ int, row *goquery.Selection) bool {
			return row.Closest("table").IsSelection(table)
		})
		ownRows.Each(func(_ int, row *goquery.Selection) {
			var cells []string
			row.ChildrenFiltered("th, td").Each(func(_ int, cell *goquery.Selection) {
				if cell.ChildrenFiltered("table").Length() > 0 {
					cells = append(cells, NestedTablePlaceholder)
					return
				}
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			if len(cells) > 0 {
				grid = append(grid, cells)
			}
		})
		if len(grid) > 0 {
			tables = append(tables, grid)
		}
	})
	return tables, nil
}

// TablesToXLSX encodes tables as a workbook with one sheet per table named
// "Table N". The first row of each sheet is bold and columns are sized to
// their widest cell.
func TablesToXLSX(tables []Table) ([]byte, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to encode")
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"E0E0E0"}},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	for i, table := range tables {
		sheet := fmt.Sprintf("Table %d", i+1)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return nil, fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return nil, fmt.Errorf("add sheet %s: %w", sheet, err)
		}
		if err := writeSheet(f, sheet, table, header); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func writeSheet(f *excelize.File, sheet string, table Table, headerStyle int) error {
	widths := map[int]int{}
	for r, row := range table {
		cell, err := excelize.CoordinatesToCellName(1, r+1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		values := make([]any, len(row))
		for c, v := range row {
			values[c] = v
			widths[c] = max(widths[c], utf8.RuneCountInString(v), minColumnWidth)
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d of %s: %w", r+1, sheet, err)
		}
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("style header of %s: %w", sheet, err)
	}
	for c, w := range widths {
		col, err := excelize.ColumnNumberToName(c + 1)
		if err != nil {
			return fmt.Errorf("column name: %w", err)
		}
		if err := f.SetColWidth(sheet, col, col, float64(min(w+2, maxColumnWidth))); err != nil {
			return fmt.Errorf("size column %s of %s: %w", col, sheet, err)
		}
	}
	return nil
}
