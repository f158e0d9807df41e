package analysis

import (
	"context"
	"time"

	"github.com/pubrecords/acquire/internal/llmclient"
)

const visionPrompt = "Transcribe every word of text visible in this document page image exactly as written. Output only the transcription, no commentary."

// VisionAPI is the API-based vision backend: it hands the page image to a
// vision-capable OpenAI-compatible chat-completions endpoint and treats the
// reply as the page's transcribed text.
type VisionAPI struct {
	client *llmclient.Client
}

// NewVisionAPI builds a vision backend over an already-configured
// llmclient.Client.
func NewVisionAPI(client *llmclient.Client) *VisionAPI {
	return &VisionAPI{client: client}
}

func (v *VisionAPI) Name() string { return "vision_api" }

func (v *VisionAPI) Process(ctx context.Context, docBytes []byte, contentType string, _ int) (Result, error) {
	start := time.Now()
	text, err := v.client.CompleteVision(ctx, visionPrompt, docBytes, contentType)
	if err != nil {
		return Result{}, err
	}
	confidence := 0.75 // vision transcriptions carry no native confidence score
	return Result{
		Text:             text,
		Confidence:       &confidence,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}
