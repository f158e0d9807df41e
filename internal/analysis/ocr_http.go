package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpOCRBackend delegates OCR to an external HTTP service that accepts a
// raw image payload and returns {text, confidence}. No OCR engine ships as
// a pure-Go library in the dependency pack (no tesseract/PaddleOCR
// bindings), so both the classical and neural OCR backends are thin
// net/http clients against an operator-supplied service rather than an
// in-process engine — see DESIGN.md.
type httpOCRBackend struct {
	name     string
	endpoint string
	client   *http.Client
}

type ocrServiceResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// NewClassicalOCR builds a backend that calls out to a classical
// (binarization + glyph-matching, e.g. Tesseract-style) OCR service.
func NewClassicalOCR(endpoint string) Backend {
	return &httpOCRBackend{name: "classical_ocr", endpoint: endpoint, client: &http.Client{Timeout: 30 * time.Second}}
}

// NewNeuralOCR builds a backend that calls out to a neural (transformer-
// based document OCR) service.
func NewNeuralOCR(endpoint string) Backend {
	return &httpOCRBackend{name: "neural_ocr", endpoint: endpoint, client: &http.Client{Timeout: 60 * time.Second}}
}

func (b *httpOCRBackend) Name() string { return b.name }

func (b *httpOCRBackend) Process(ctx context.Context, docBytes []byte, contentType string, pageNumber int) (Result, error) {
	if b.endpoint == "" {
		return Result{}, fmt.Errorf("%s: no endpoint configured", b.name)
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(docBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%s: build request: %w", b.name, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Page-Number", fmt.Sprint(pageNumber))

	resp, err := b.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s: request: %w", b.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%s: read response: %w", b.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%s: http %d: %s", b.name, resp.StatusCode, string(body))
	}

	var parsed ocrServiceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("%s: decode response: %w", b.name, err)
	}
	if parsed.Error != "" {
		return Result{}, fmt.Errorf("%s: %s", b.name, parsed.Error)
	}

	return Result{
		Text:             parsed.Text,
		Confidence:       parsed.Confidence,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}
