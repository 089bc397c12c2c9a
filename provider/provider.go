package provider

import (
	"context"
	"errors"
)

// Output is what a provider hands back: either a URL to fetch or inline bytes.
type Output struct {
	URL      string
	Data     []byte
	MIMEType string
}

// Empty reports whether the provider returned nothing usable.
func (o Output) Empty() bool {
	return o.URL == "" && len(o.Data) == 0
}

type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, imageURL string) (Output, error)
}

type TryOnProvider interface {
	TryOn(ctx context.Context, modelURL, garmentURL, clothingType string) (Output, error)
}

type SceneComposer interface {
	ComposeScene(ctx context.Context, personURL, sceneURL, prompt string) (Output, error)
}

// RefineParams controls one refinement call.
type RefineParams struct {
	Steps    int
	Strength float64
	Prompt   string
}

type Refiner interface {
	Refine(ctx context.Context, imageURL string, params RefineParams) (Output, error)
}

// VideoParams controls one image-to-video call.
type VideoParams struct {
	Resolution string
	Duration   int
	Prompt     string
}

type VideoGenerator interface {
	GenerateVideo(ctx context.Context, imageURL string, params VideoParams) (Output, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, referenceURLs []string) (Output, error)
}

// Suite bundles every capability the orchestrator uses.
type Suite struct {
	Background BackgroundRemover
	TryOn      TryOnProvider
	Composer   SceneComposer
	Refiner    Refiner
	Video      VideoGenerator
	Image      ImageGenerator
}

var (
	ErrRateLimited  = errors.New("provider rate limited")
	ErrTaskFailed   = errors.New("provider task failed")
	ErrNoOutput     = errors.New("provider returned no output")
	ErrNotSupported = errors.New("capability not supported by provider")
)
