package ingest

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/drjjw/docutrain-sub002/internal/apierr"
)

const extractionTimeout = 30 * time.Second

// pageMarker records where in the concatenated extracted text a new PDF
// page begins, so chunking can attribute a page_number to each chunk.
type pageMarker struct {
	offset int
	page   int
}

type extractResult struct {
	text    string
	markers []pageMarker
	err     error
}

// extractPDF reads every page of a PDF and concatenates its text, recording
// a page marker at each page boundary. It is hard-capped at
// extractionTimeout; a slower extraction is abandoned and reported as
// TimeoutDuringExtraction.
func extractPDF(ctx context.Context, data []byte) (string, []pageMarker, error) {
	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	resultCh := make(chan extractResult, 1)
	go func() {
		text, markers, err := extractPDFSync(data)
		resultCh <- extractResult{text: text, markers: markers, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", nil, apierr.Wrap(apierr.ValidationFailed, "TimeoutDuringExtraction", ctx.Err())
	case res := <-resultCh:
		return res.text, res.markers, res.err
	}
}

func extractPDFSync(data []byte) (string, []pageMarker, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	var markers []pageMarker
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := extractPageTextOrdered(page)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		markers = append(markers, pageMarker{offset: sb.Len(), page: i})
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "", nil, fmt.Errorf("no extractable text")
	}
	return sb.String(), markers, nil
}

// extractPageTextOrdered groups a page's text elements into visual lines by
// Y proximity and emits them top-to-bottom, falling back to the library's
// plain-text extraction when the content stream carries no positioned text.
func extractPageTextOrdered(page pdf.Page) (string, error) {
	content := page.Content()
	if len(content.Text) == 0 {
		return page.GetPlainText(nil)
	}

	const lineTolerance = 3.0
	type visualLine struct {
		y   float64
		buf strings.Builder
	}
	var lines []*visualLine
	var cur *visualLine
	for _, t := range content.Text {
		if cur == nil || math.Abs(t.Y-cur.y) > lineTolerance {
			lines = append(lines, &visualLine{y: t.Y})
			cur = lines[len(lines)-1]
		}
		cur.buf.WriteString(t.S)
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].y > lines[j].y })

	var parts []string
	for _, l := range lines {
		if text := strings.TrimSpace(l.buf.String()); text != "" {
			parts = append(parts, text)
		}
	}
	result := strings.Join(parts, "\n")
	if strings.TrimSpace(result) == "" {
		return page.GetPlainText(nil)
	}
	return result, nil
}

// pageForOffset returns the page number of the marker covering offset, the
// last marker whose offset does not exceed it.
func pageForOffset(markers []pageMarker, offset int) int {
	page := 0
	for _, m := range markers {
		if m.offset > offset {
			break
		}
		page = m.page
	}
	return page
}
