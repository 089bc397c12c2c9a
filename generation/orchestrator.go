package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/camden-git/campaignstudio/hosting"
	"github.com/camden-git/campaignstudio/media"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/provider"
	"go.uber.org/zap"
)

// Garment is one product applied during try-on.
type Garment struct {
	ProductID    uint
	URL          string
	ClothingType string
}

// GarmentFromProduct builds the try-on input for a product.
func GarmentFromProduct(p *models.Product) Garment {
	return Garment{ProductID: p.ID, URL: p.GarmentURL(), ClothingType: p.ClothingType}
}

// RefineTier holds the provider parameters for one quality level.
type RefineTier struct {
	Steps    int
	Strength float64
}

var refineTiers = map[string]RefineTier{
	models.QualityStandard: {Steps: 20, Strength: 0.35},
	models.QualityHigh:     {Steps: 40, Strength: 0.5},
}

// TierFor returns the refinement parameters for a campaign quality value.
func TierFor(quality string) RefineTier {
	if tier, ok := refineTiers[quality]; ok {
		return tier
	}
	return refineTiers[models.QualityStandard]
}

// VideoOptions controls GenerateVideo.
type VideoOptions struct {
	Resolution string
	Duration   int
	Prompt     string
}

// Orchestrator wraps each provider capability behind a call that never
// returns a Go error: provider failures become degraded or failed Results.
// Outputs are copied into local storage because provider links expire.
type Orchestrator struct {
	providers provider.Suite
	assets    *hosting.Resolver
	proc      *media.Processor
	client    *http.Client
	timeout   time.Duration
	log       *zap.Logger
}

func NewOrchestrator(providers provider.Suite, assets *hosting.Resolver, client *http.Client, timeout time.Duration, log *zap.Logger) *Orchestrator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Orchestrator{
		providers: providers,
		assets:    assets,
		proc:      assets.Processor(),
		client:    client,
		timeout:   timeout,
		log:       log.Named("orchestrator"),
	}
}

// RemoveBackground cuts the subject out of an image, trims the transparent
// border and sharpens it. On failure the original image is returned.
func (o *Orchestrator) RemoveBackground(ctx context.Context, imageURL string) Result {
	if o.providers.Background == nil {
		return o.fallback("remove_background", degraded(imageURL, provider.ErrNotSupported))
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	src, err := o.assets.Public(ctx, imageURL)
	if err != nil {
		return o.fallback("remove_background", degraded(imageURL, err))
	}
	out, err := o.providers.Background.RemoveBackground(ctx, src)
	if err != nil {
		return o.fallback("remove_background", degraded(imageURL, err))
	}
	data := out.Data
	if len(data) == 0 {
		if data, _, err = o.assets.Fetch(ctx, out.URL); err != nil {
			return o.fallback("remove_background", degraded(imageURL, err))
		}
	}
	rel, err := o.proc.SaveCutout(data, "")
	if err != nil {
		return o.fallback("remove_background", degraded(imageURL, err))
	}
	return success(media.URLForPath(rel))
}

// TryOn dresses the model in one garment. On failure the placeholder image
// is returned and the result is failed, so callers skip the combination.
func (o *Orchestrator) TryOn(ctx context.Context, modelURL string, garment Garment) Result {
	if o.providers.TryOn == nil {
		return o.fallback("try_on", failed(o.placeholderURL(), provider.ErrNotSupported))
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	modelSrc, err := o.assets.Public(ctx, modelURL)
	if err != nil {
		return o.fallback("try_on", failed(o.placeholderURL(), err))
	}
	garmentSrc, err := o.assets.Public(ctx, garment.URL)
	if err != nil {
		return o.fallback("try_on", failed(o.placeholderURL(), err))
	}
	out, err := o.providers.TryOn.TryOn(ctx, modelSrc, garmentSrc, garment.ClothingType)
	if err != nil {
		return o.fallback("try_on", failed(o.placeholderURL(), err))
	}
	url, err := o.keep(ctx, out)
	if err != nil {
		return o.fallback("try_on", failed(o.placeholderURL(), err))
	}
	return success(url)
}

// SortOutfit orders garments from the innermost layer outwards. Garments in
// the same layer keep their input order.
func SortOutfit(garments []Garment) []Garment {
	sorted := make([]Garment, len(garments))
	copy(sorted, garments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return models.ClothingLayer(sorted[i].ClothingType) < models.ClothingLayer(sorted[j].ClothingType)
	})
	return sorted
}

// TryOnOutfit applies several garments one after another, each call working
// on the previous output. A failed step keeps the previous image and marks
// the result degraded; if no step succeeds the result is failed.
func (o *Orchestrator) TryOnOutfit(ctx context.Context, modelURL string, garments []Garment) Result {
	if len(garments) == 0 {
		return failed(o.placeholderURL(), errors.New("outfit has no garments"))
	}
	current := modelURL
	applied := 0
	var errs []error
	for _, g := range SortOutfit(garments) {
		r := o.TryOn(ctx, current, g)
		if r.Failed() {
			errs = append(errs, fmt.Errorf("product %d: %w", g.ProductID, r.Err))
			continue
		}
		current = r.URL
		applied++
	}
	switch {
	case applied == 0:
		return failed(o.placeholderURL(), errors.Join(errs...))
	case len(errs) > 0:
		return degraded(current, errors.Join(errs...))
	}
	return success(current)
}

// ComposeScene places the dressed model into a background scene. On failure
// the person image is returned unchanged.
func (o *Orchestrator) ComposeScene(ctx context.Context, personURL, sceneURL, prompt string) Result {
	if o.providers.Composer == nil {
		return o.fallback("compose_scene", degraded(personURL, provider.ErrNotSupported))
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	personSrc, err := o.assets.Public(ctx, personURL)
	if err != nil {
		return o.fallback("compose_scene", degraded(personURL, err))
	}
	sceneSrc, err := o.assets.Public(ctx, sceneURL)
	if err != nil {
		return o.fallback("compose_scene", degraded(personURL, err))
	}
	out, err := o.providers.Composer.ComposeScene(ctx, personSrc, sceneSrc, prompt)
	if err != nil {
		return o.fallback("compose_scene", degraded(personURL, err))
	}
	url, err := o.keep(ctx, out)
	if err != nil {
		return o.fallback("compose_scene", degraded(personURL, err))
	}
	return success(url)
}

// Refine enhances an image at the given quality tier. A strength of zero
// uses the tier default. On failure the input image is returned.
func (o *Orchestrator) Refine(ctx context.Context, imageURL, quality string, strength float64) Result {
	if o.providers.Refiner == nil {
		return o.fallback("refine", degraded(imageURL, provider.ErrNotSupported))
	}
	tier := TierFor(quality)
	if strength <= 0 {
		strength = tier.Strength
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	src, err := o.assets.Public(ctx, imageURL)
	if err != nil {
		return o.fallback("refine", degraded(imageURL, err))
	}
	out, err := o.providers.Refiner.Refine(ctx, src, provider.RefineParams{Steps: tier.Steps, Strength: strength})
	if err != nil {
		return o.fallback("refine", degraded(imageURL, err))
	}
	url, err := o.keep(ctx, out)
	if err != nil {
		return o.fallback("refine", degraded(imageURL, err))
	}
	return success(url)
}

// GenerateVideo animates a still image. The source is probed first and
// re-hosted when it lives outside this service. On failure the URL is empty.
func (o *Orchestrator) GenerateVideo(ctx context.Context, imageURL string, opts VideoOptions) Result {
	if o.providers.Video == nil {
		return o.fallback("generate_video", failed("", provider.ErrNotSupported))
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	src, err := o.prepareVideoSource(ctx, imageURL)
	if err != nil {
		return o.fallback("generate_video", failed("", err))
	}
	out, err := o.providers.Video.GenerateVideo(ctx, src, provider.VideoParams{
		Resolution: opts.Resolution,
		Duration:   opts.Duration,
		Prompt:     opts.Prompt,
	})
	if err != nil {
		return o.fallback("generate_video", failed("", err))
	}
	url, err := o.keep(ctx, out)
	if err != nil {
		return o.fallback("generate_video", failed("", err))
	}
	return success(url)
}

// GenerateImage creates an image from text, optionally guided by reference
// images. On failure the placeholder is returned and the result is failed.
func (o *Orchestrator) GenerateImage(ctx context.Context, prompt string, referenceURLs ...string) Result {
	if o.providers.Image == nil {
		return o.fallback("generate_image", failed(o.placeholderURL(), provider.ErrNotSupported))
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	refs := make([]string, 0, len(referenceURLs))
	for _, u := range referenceURLs {
		src, err := o.assets.Public(ctx, u)
		if err != nil {
			return o.fallback("generate_image", failed(o.placeholderURL(), err))
		}
		refs = append(refs, src)
	}
	out, err := o.providers.Image.GenerateImage(ctx, prompt, refs)
	if err != nil {
		return o.fallback("generate_image", failed(o.placeholderURL(), err))
	}
	url, err := o.keep(ctx, out)
	if err != nil {
		return o.fallback("generate_image", failed(o.placeholderURL(), err))
	}
	return success(url)
}

// keep stores provider output locally and returns its /static URL.
func (o *Orchestrator) keep(ctx context.Context, out provider.Output) (string, error) {
	if len(out.Data) > 0 {
		return o.assets.Store(out.Data, out.MIMEType, "")
	}
	if out.URL == "" {
		return "", provider.ErrNoOutput
	}
	return o.assets.Rehost(ctx, out.URL, "")
}

func (o *Orchestrator) placeholderURL() string {
	rel, err := o.proc.EnsurePlaceholder()
	if err != nil {
		o.log.Error("failed to write placeholder image", zap.Error(err))
		return ""
	}
	return media.URLForPath(rel)
}

func (o *Orchestrator) fallback(op string, r Result) Result {
	o.log.Warn("provider call fell back",
		zap.String("op", op),
		zap.String("status", string(r.Status)),
		zap.String("fallback_url", r.URL),
		zap.Error(r.Err))
	return r
}
