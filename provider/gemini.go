package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Fetcher loads the bytes behind an asset URL so they can be sent inline.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// GeminiProvider drives an image-capable Gemini model with inline image parts.
// It covers try-on, scene composition, refinement and text-to-image.
type GeminiProvider struct {
	client    *genai.Client
	model     string
	fetcher   Fetcher
	log       *zap.Logger
	RetryBase time.Duration
}

func NewGeminiProvider(ctx context.Context, apiKey, model string, fetcher Fetcher, log *zap.Logger) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiProvider{
		client:    client,
		model:     model,
		fetcher:   fetcher,
		log:       log.Named("provider.gemini"),
		RetryBase: defaultRetryBase,
	}, nil
}

func (g *GeminiProvider) TryOn(ctx context.Context, modelURL, garmentURL, clothingType string) (Output, error) {
	prompt := fmt.Sprintf("Dress the person in the first image in the %s garment shown in the second image. "+
		"Keep the person's face, body, pose and the other clothing unchanged. Photorealistic fashion photography.",
		displayType(clothingType))
	return g.generate(ctx, "try-on", prompt, modelURL, garmentURL)
}

func (g *GeminiProvider) ComposeScene(ctx context.Context, personURL, sceneURL, prompt string) (Output, error) {
	text := "Place the person from the first image into the scene from the second image. " +
		"Match lighting, shadows and perspective so the result looks like one photograph."
	if prompt != "" {
		text += " " + prompt
	}
	return g.generate(ctx, "compose", text, personURL, sceneURL)
}

func (g *GeminiProvider) Refine(ctx context.Context, imageURL string, params RefineParams) (Output, error) {
	text := fmt.Sprintf("Enhance this fashion photograph: sharpen fabric detail, improve skin and lighting. "+
		"Change strength %.2f on a 0 to 1 scale; stay faithful to the original composition.", params.Strength)
	if params.Prompt != "" {
		text += " " + params.Prompt
	}
	return g.generate(ctx, "refine", text, imageURL)
}

func (g *GeminiProvider) GenerateImage(ctx context.Context, prompt string, referenceURLs []string) (Output, error) {
	return g.generate(ctx, "image", prompt, referenceURLs...)
}

func (g *GeminiProvider) generate(ctx context.Context, op, prompt string, imageURLs ...string) (Output, error) {
	parts := make([]*genai.Part, 0, len(imageURLs)+1)
	for _, u := range imageURLs {
		data, mimeType, err := g.fetcher.Fetch(ctx, u)
		if err != nil {
			return Output{}, fmt.Errorf("failed to load input image for %s: %w", op, err)
		}
		parts = append(parts, genai.NewPartFromBytes(data, mimeType))
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	contents := []*genai.Content{{Role: "user", Parts: parts}}
	cfg := &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}

	return withRetry(ctx, g.log, op, g.RetryBase, func() (Output, error) {
		result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
		if err != nil {
			return Output{}, fmt.Errorf("gemini %s call failed: %w", op, err)
		}
		for _, candidate := range result.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					g.log.Debug("received image", zap.String("op", op), zap.Int("bytes", len(part.InlineData.Data)))
					return Output{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
				}
			}
		}
		return Output{}, fmt.Errorf("gemini %s: %w", op, ErrNoOutput)
	})
}

func displayType(clothingType string) string {
	if clothingType == "" {
		return "clothing"
	}
	return strings.ReplaceAll(clothingType, "_", " ")
}
