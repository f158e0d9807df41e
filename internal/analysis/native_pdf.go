package analysis

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// NativePDF extracts text directly from a born-digital PDF's content
// streams via pdfcpu, without rendering or OCR. It is the cheapest backend;
// text finalization ranks its output by quality score like any other
// backend's.
type NativePDF struct{}

// NewNativePDF constructs the structural PDF text-extraction backend.
func NewNativePDF() *NativePDF { return &NativePDF{} }

// Name identifies this backend in the (page, analysis_type, backend) key.
func (n *NativePDF) Name() string { return "native_pdf" }

// Process extracts pageNumber's text from a PDF body via pdfcpu's
// content-stream reader, falling back to an error for non-PDF content so
// the caller's other backends get a chance instead.
func (n *NativePDF) Process(_ context.Context, docBytes []byte, contentType string, pageNumber int) (Result, error) {
	if !strings.Contains(contentType, "pdf") {
		return Result{}, fmt.Errorf("native_pdf backend only handles application/pdf, got %q", contentType)
	}
	start := time.Now()

	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(docBytes), conf)
	if err != nil {
		return Result{}, fmt.Errorf("pdfcpu read: %w", err)
	}
	if pageNumber < 1 || pageNumber > ctx.PageCount {
		return Result{}, fmt.Errorf("page %d out of range (document has %d pages)", pageNumber, ctx.PageCount)
	}

	r, err := pdfcpu.ExtractPageContent(ctx, pageNumber)
	if err != nil {
		return Result{}, fmt.Errorf("extract page content: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return Result{}, fmt.Errorf("read page content stream: %w", err)
	}

	text := extractTextFromContentStream(buf.Bytes())
	confidence := 1.0
	return Result{
		Text:             text,
		Confidence:       &confidence,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// PageCount returns how many pages a PDF body has, used by the pipeline to
// decide how many DocumentPage rows to create for a paginated type.
func PageCount(docBytes []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(docBytes), conf)
	if err != nil {
		return 0, fmt.Errorf("pdfcpu read: %w", err)
	}
	return ctx.PageCount, nil
}

var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// extractTextFromContentStream walks a page's content-stream operators,
// pulling text out of Tj/TJ/'/Td/T* text-showing operators.
func extractTextFromContentStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return cleanText(sb.String())
}

func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for j := 0; j < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; j++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

func cleanText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		if unicode.IsPrint(r) {
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
