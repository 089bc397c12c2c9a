package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	capRemoveBackground = "remove-background"
	capTryOn            = "try-on"
	capCompose          = "compose"
	capRefine           = "refine"
	capVideo            = "video"
	capImage            = "image"

	taskStatusSucceeded = "succeeded"
	taskStatusFailed    = "failed"
)

// HTTPProvider talks to a generation gateway over JSON. Each capability is a
// POST to <base>/<capability>; long running work answers with a task id that
// is polled at <base>/tasks/<id>.
type HTTPProvider struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	log          *zap.Logger
	PollInterval time.Duration
	RetryBase    time.Duration
}

func NewHTTPProvider(baseURL, apiKey string, client *http.Client, log *zap.Logger) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		client:       client,
		log:          log.Named("provider.http"),
		PollInterval: 2 * time.Second,
		RetryBase:    defaultRetryBase,
	}
}

type taskResponse struct {
	OutputURL    string `json:"output_url"`
	OutputBase64 string `json:"output_base64"`
	MIMEType     string `json:"mime_type"`
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	Error        string `json:"error"`
}

func (p *HTTPProvider) RemoveBackground(ctx context.Context, imageURL string) (Output, error) {
	return p.run(ctx, capRemoveBackground, map[string]any{"image_url": imageURL})
}

func (p *HTTPProvider) TryOn(ctx context.Context, modelURL, garmentURL, clothingType string) (Output, error) {
	return p.run(ctx, capTryOn, map[string]any{
		"model_image_url":   modelURL,
		"garment_image_url": garmentURL,
		"category":          clothingType,
	})
}

func (p *HTTPProvider) ComposeScene(ctx context.Context, personURL, sceneURL, prompt string) (Output, error) {
	return p.run(ctx, capCompose, map[string]any{
		"subject_image_url":    personURL,
		"background_image_url": sceneURL,
		"prompt":               prompt,
	})
}

func (p *HTTPProvider) Refine(ctx context.Context, imageURL string, params RefineParams) (Output, error) {
	return p.run(ctx, capRefine, map[string]any{
		"image_url":           imageURL,
		"num_inference_steps": params.Steps,
		"strength":            params.Strength,
		"prompt":              params.Prompt,
	})
}

func (p *HTTPProvider) GenerateVideo(ctx context.Context, imageURL string, params VideoParams) (Output, error) {
	return p.run(ctx, capVideo, map[string]any{
		"image_url":  imageURL,
		"resolution": params.Resolution,
		"duration":   params.Duration,
		"prompt":     params.Prompt,
	})
}

func (p *HTTPProvider) GenerateImage(ctx context.Context, prompt string, referenceURLs []string) (Output, error) {
	return p.run(ctx, capImage, map[string]any{
		"prompt":         prompt,
		"reference_urls": referenceURLs,
	})
}

func (p *HTTPProvider) run(ctx context.Context, capability string, payload map[string]any) (Output, error) {
	return withRetry(ctx, p.log, capability, p.RetryBase, func() (Output, error) {
		var resp taskResponse
		if err := p.do(ctx, http.MethodPost, "/"+capability, payload, &resp); err != nil {
			return Output{}, err
		}
		if resp.TaskID != "" && resp.OutputURL == "" && resp.OutputBase64 == "" {
			return p.poll(ctx, capability, resp.TaskID)
		}
		return resp.output()
	})
}

func (p *HTTPProvider) poll(ctx context.Context, capability, taskID string) (Output, error) {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()
	for {
		var resp taskResponse
		if err := p.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, &resp); err != nil {
			return Output{}, err
		}
		switch resp.Status {
		case taskStatusSucceeded:
			return resp.output()
		case taskStatusFailed:
			return Output{}, fmt.Errorf("%w: %s task %s: %s", ErrTaskFailed, capability, taskID, resp.Error)
		}
		select {
		case <-ctx.Done():
			return Output{}, fmt.Errorf("%s task %s: %w", capability, taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r taskResponse) output() (Output, error) {
	out := Output{URL: r.OutputURL, MIMEType: r.MIMEType}
	if r.OutputBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(r.OutputBase64)
		if err != nil {
			return Output{}, fmt.Errorf("failed to decode provider output: %w", err)
		}
		out.Data = data
	}
	if out.Empty() {
		return Output{}, ErrNoOutput
	}
	return out, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, payload any, into any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s %s", ErrRateLimited, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider %s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
