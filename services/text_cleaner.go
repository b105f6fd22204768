package services

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"doc-ingest-pipeline/models"
)

var (
	hyphenWrap     = regexp.MustCompile(`(\p{L})-\n(\p{Ll})`)
	inlineSpace    = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	blankLines     = regexp.MustCompile(`\n{3,}`)
	pageNumberLine = regexp.MustCompile(`^(?i:page\s+)?\d{1,4}(\s*(/|of)\s*\d{1,4})?$`)
)

// Cleaning operation names recorded in CleaningReport.Operations
const (
	OpStripControl      = "strip_control_chars"
	OpDehyphenate       = "dehyphenate"
	OpNormalizeSpace    = "normalize_whitespace"
	OpCollapseBlank     = "collapse_blank_lines"
	OpRemoveBoilerplate = "remove_headers_footers"
	OpRemovePageNumbers = "remove_page_numbers"
)

// TextCleaner normalises page text with fixed rules. Running headers and footers
// are detected across the whole document before any page is cleaned.
type TextCleaner struct {
	workers int
}

func NewTextCleaner(workers int) *TextCleaner {
	return &TextCleaner{workers: max(1, workers)}
}

// CleanPages cleans texts[i] for every page and returns one report per page.
// Out[i] and reports[i] belong to pageNumbers[i].
func (c *TextCleaner) CleanPages(ctx context.Context, pageNumbers []int, texts []string) ([]string, []models.CleaningReport, error) {
	boilerplate := detectBoilerplate(texts)

	out := make([]string, len(texts))
	reports := make([]models.CleaningReport, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range texts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i], reports[i] = cleanPage(pageNumbers[i], texts[i], boilerplate)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, reports, nil
}

func cleanPage(number int, text string, boilerplate map[string]bool) (string, models.CleaningReport) {
	report := models.CleaningReport{PageNumber: number, InputChars: len([]rune(text))}
	op := func(name string, before, after string) string {
		if before != after {
			report.Operations = append(report.Operations, name)
		}
		return after
	}

	s := strings.ReplaceAll(text, "\r\n", "\n")
	s = op(OpStripControl, s, strings.Map(func(r rune) rune {
		if isGarbageRune(r) {
			return -1
		}
		return r
	}, s))
	s = op(OpDehyphenate, s, hyphenWrap.ReplaceAllString(s, "$1$2"))

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	removedBoiler, removedNumbers := false, false
	for _, line := range lines {
		trimmed := strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
		switch {
		case trimmed != "" && boilerplate[normalizeLine(trimmed)]:
			report.RemovedLines = append(report.RemovedLines, trimmed)
			removedBoiler = true
			continue
		case pageNumberLine.MatchString(trimmed):
			report.RemovedLines = append(report.RemovedLines, trimmed)
			removedNumbers = true
			continue
		}
		kept = append(kept, line)
	}
	if removedBoiler {
		report.Operations = append(report.Operations, OpRemoveBoilerplate)
	}
	if removedNumbers {
		report.Operations = append(report.Operations, OpRemovePageNumbers)
	}
	s = strings.Join(kept, "\n")

	s = op(OpNormalizeSpace, s, normalizeSpaces(s))
	s = op(OpCollapseBlank, s, blankLines.ReplaceAllString(s, "\n\n"))
	s = strings.TrimSpace(s)

	report.OutputChars = len([]rune(s))
	return s, report
}

func normalizeSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
	}
	return strings.Join(lines, "\n")
}

// isGarbageRune reports control characters (except whitespace), private use
// code points and the replacement character.
func isGarbageRune(r rune) bool {
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	if r == unicode.ReplacementChar {
		return true
	}
	if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
		return true
	}
	return r == 0x7F
}

// normalizeLine makes recurring headers comparable across pages by masking digits.
func normalizeLine(line string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return '#'
		}
		return unicode.ToLower(r)
	}, line)
}

// detectBoilerplate finds lines repeated in the first or last three lines of at
// least three pages and more than half of all pages.
func detectBoilerplate(texts []string) map[string]bool {
	const edge = 3
	counts := make(map[string]int)
	for _, text := range texts {
		var lines []string
		for _, l := range strings.Split(text, "\n") {
			if t := strings.TrimSpace(inlineSpace.ReplaceAllString(l, " ")); t != "" {
				lines = append(lines, t)
			}
		}
		seen := make(map[string]bool)
		for i, l := range lines {
			if i >= edge && i < len(lines)-edge {
				continue
			}
			key := normalizeLine(l)
			if !seen[key] {
				seen[key] = true
				counts[key]++
			}
		}
	}

	out := make(map[string]bool)
	for key, n := range counts {
		if n >= 3 && n*2 > len(texts) {
			out[key] = true
		}
	}
	return out
}

// ComponentText joins the content of parsed components in reading order. This
// is the text the cleaner receives when parsing produced components.
func ComponentText(components models.Components) string {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		if t := c.Content(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
