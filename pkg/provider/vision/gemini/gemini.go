// Package gemini implements vision.Provider using Google's Gemini multimodal
// API to detect faces and hand gestures in a single JPEG frame.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/glyphoxa/pkg/provider/vision"
)

var _ vision.Provider = (*Provider)(nil)

const defaultModel = "gemini-2.0-flash"

const detectPrompt = `Analyze this image. Respond with only a JSON object of the form
{"faces":[{"bbox":[x,y,w,h],"embedding":[...]},...],"gestures":["..."]}
where bbox values are fractions of the image width/height, embedding is a
512-float feature vector for the face region, and gestures lists any hand
gestures you can identify (e.g. "wave", "thumbs_up", "peace_sign"). Use an
empty array for faces or gestures you do not find. Do not include any text
outside the JSON object.`

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel overrides the Gemini model used for detection.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// Provider implements vision.Provider backed by the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

// New creates a Provider using apiKey to authenticate against the Gemini API.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("vision/gemini: create client: %w", err)
	}
	p := &Provider{client: client, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Detect sends jpeg to Gemini with an instruction to report faces and
// gestures as structured JSON, then parses the response.
func (p *Provider) Detect(ctx context.Context, jpeg []byte) (*vision.Result, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(jpeg, "image/jpeg"),
			genai.NewPartFromText(detectPrompt),
		}, genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("vision/gemini: generate content: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var parsed struct {
		Faces []struct {
			BBox      [4]float64 `json:"bbox"`
			Embedding []float32  `json:"embedding"`
		} `json:"faces"`
		Gestures []string `json:"gestures"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("vision/gemini: parse detection response: %w", err)
	}

	result := &vision.Result{Gestures: parsed.Gestures}
	for _, f := range parsed.Faces {
		result.Faces = append(result.Faces, vision.DetectedFace{BBox: f.BBox, Embedding: f.Embedding})
	}
	return result, nil
}
