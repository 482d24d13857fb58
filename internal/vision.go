package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// VisionDetector identifies book spines and covers in shelf photographs via a
// multimodal model. It returns raw detections; enrichment against the catalogs
// happens downstream.
type VisionDetector struct {
	client  anthropic.Client
	model   anthropic.Model
	metrics *providerMetrics
}

var _ Detector = (*VisionDetector)(nil)

const _visionModel = anthropic.Model("claude-sonnet-4-20250514")

// _visionPrompt pins the response to a shape we can decode without a second
// round trip.
const _visionPrompt = `Identify every book visible in this image. Respond with only a JSON array, no prose and no markdown fences. Each element:
{"title": string, "author": string or "", "isbn": string or "", "confidence": number between 0 and 1, "boundingBox": {"x": number, "y": number, "width": number, "height": number}}
Bounding box coordinates are fractions of the image dimensions, each between 0 and 1.
Confidence reflects how certain you are of the title transcription. Include partially visible spines with lower confidence. If no books are visible, respond with [].`

// NewVisionDetector wires the detector.
func NewVisionDetector(apiKey string, metrics *providerMetrics) *VisionDetector {
	return &VisionDetector{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   _visionModel,
		metrics: metrics,
	}
}

// DetectBooksInImage sends the image for analysis and decodes the detections.
// Detections come back unenriched, ordered as the model listed them.
func (d *VisionDetector) DetectBooksInImage(ctx context.Context, image []byte, mediaType string) ([]DetectedBook, error) {
	ctx, cancel := context.WithTimeout(ctx, _batchTimeout)
	defer cancel()

	msg, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     d.model,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(image)),
				anthropic.NewTextBlock(_visionPrompt),
			),
		},
	})
	if err != nil {
		d.metrics.failureInc(ProviderVision)
		return nil, classifyFailure(ProviderVision, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	books, err := decodeDetections(text.String())
	if err != nil {
		d.metrics.failureInc(ProviderVision)
		return nil, &providerFailure{provider: ProviderVision, kind: FailMalformed, err: err}
	}
	d.metrics.successInc(ProviderVision)
	return books, nil
}

// decodeDetections parses the model's JSON array. Models occasionally wrap
// output in fences despite instructions, so we slice to the outermost array
// before decoding.
func decodeDetections(text string) ([]DetectedBook, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var wire []struct {
		Title       string       `json:"title"`
		Author      string       `json:"author"`
		ISBN        string       `json:"isbn"`
		Confidence  float64      `json:"confidence"`
		BoundingBox *BoundingBox `json:"boundingBox"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("decoding detections: %w", err)
	}

	books := make([]DetectedBook, 0, len(wire))
	for _, w := range wire {
		if w.Title == "" {
			continue
		}
		if w.Confidence < 0 {
			w.Confidence = 0
		}
		if w.Confidence > 1 {
			w.Confidence = 1
		}
		books = append(books, DetectedBook{
			Title:       w.Title,
			Author:      w.Author,
			ISBN:        NormalizeISBN(w.ISBN),
			Confidence:  w.Confidence,
			BoundingBox: w.BoundingBox,
		})
	}
	return books, nil
}
