// Package extract turns an uploaded binary plus a declared type into a
// finite, page-tagged sequence of normalized text. It makes no external
// calls.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"ragengine/internal/errs"
)

// Page is one page of extracted, normalized text.
type Page struct {
	Number int
	Text   string
}

// DeclaredType enumerates the binary formats this extractor understands.
// Unknown types fail with errs.UnsupportedFormat.
type DeclaredType string

const (
	TypePlainText DeclaredType = "text/plain"
	TypeMarkdown  DeclaredType = "text/markdown"
	TypeHTML      DeclaredType = "text/html"
)

// formFeed is the page separator this extractor recognizes in plain-text
// and markdown uploads; a single form-feed byte (0x0C) between pages.
const formFeed = '\f'

// Extract decodes blob into a page-tagged text sequence. It fails with
// errs.UnsupportedFormat for a declared type it cannot decode, and
// errs.CorruptInput when decoding yields no usable text.
func Extract(tenantID string, blob []byte, declared DeclaredType) ([]Page, error) {
	var raw string
	switch declared {
	case TypePlainText, TypeMarkdown:
		raw = string(blob)
	case TypeHTML:
		raw = stripTags(string(blob))
	default:
		return nil, errs.New(errs.UnsupportedFormat, tenantID, fmt.Sprintf("unsupported declared type %q", declared))
	}

	rawPages := strings.Split(raw, string(formFeed))
	pages := make([]Page, 0, len(rawPages))
	for i, p := range rawPages {
		normalized := normalize(p)
		if normalized == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: normalized})
	}

	if len(pages) == 0 {
		return nil, errs.New(errs.CorruptInput, tenantID, "extraction produced no text")
	}
	return pages, nil
}

// normalize applies Unicode NFC, collapses whitespace runs, and strips
// control characters other than newline.
func normalize(s string) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	lastWasSpace := false
	for _, r := range s {
		if r == '\n' {
			b.WriteRune('\n')
			lastWasSpace = true
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}
	return strings.TrimSpace(b.String())
}

// stripTags is a minimal HTML-to-text pass: it drops tags and collapses the
// remaining text. It is not a general HTML parser; malformed markup degrades
// gracefully to whatever text remains rather than failing.
func stripTags(html string) string {
	var b bytes.Buffer
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
