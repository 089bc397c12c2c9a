package workers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/camden-git/campaignstudio/billing"
	"github.com/camden-git/campaignstudio/generation"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/pipeline"
	"github.com/camden-git/campaignstudio/repository"
	"go.uber.org/zap"
)

// Video resolutions accepted by video jobs.
const (
	ResolutionStandard = "720p"
	ResolutionHD       = "1080p"
)

const (
	DefaultPoseCount = 4
	MaxPoseCount     = 6
)

// PoseDirections are appended to the model description, one per generated pose.
var PoseDirections = []string{
	"standing, facing the camera, arms relaxed",
	"three-quarter turn to the left, one hand on hip",
	"walking toward the camera, mid stride",
	"side profile facing right, chin slightly raised",
	"looking over the shoulder, back toward the camera",
	"leaning against a wall, arms crossed",
}

type CampaignRunner interface {
	RunAttempt(ctx context.Context, campaignID uint, runKey string) error
}

type VideoGenerator interface {
	GenerateVideo(ctx context.Context, imageURL string, opts generation.VideoOptions) generation.Result
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, referenceURLs ...string) generation.Result
}

type Debiter interface {
	Debit(userID uint, amount int, reason, reference string) (int, error)
}

type PoseInvalidator interface {
	Invalidate(ctx context.Context, modelID uint)
}

// CampaignTask runs the campaign pipeline for job.TargetID. Every attempt
// of the job shares one run key, so a retried or resumed job does not pay
// twice for images an earlier attempt already charged.
func CampaignTask(runner CampaignRunner) Handler {
	return func(ctx context.Context, job *models.GenerationJob) (string, error) {
		err := runner.RunAttempt(ctx, job.TargetID, "job"+strconv.FormatUint(uint64(job.ID), 10))
		switch {
		case err == nil:
			return "campaign:" + strconv.FormatUint(uint64(job.TargetID), 10), nil
		case errors.Is(err, repository.ErrAlreadyRunning),
			errors.Is(err, repository.ErrNotFound),
			errors.Is(err, billing.ErrInsufficientCredits),
			errors.Is(err, pipeline.ErrEmptySelection),
			errors.Is(err, pipeline.ErrNothingToRun):
			return "", Permanent(err)
		default:
			return "", err
		}
	}
}

// VideoCost returns the credit price of a video at the given resolution.
func VideoCost(resolution string, standard, hd int) int {
	if resolution == ResolutionHD {
		return hd
	}
	return standard
}

// VideoTask animates an output image of a generation: the one named in the
// payload, or the latest. Images the generation did not produce are refused.
type VideoTask struct {
	Generations repository.GenerationRepository
	Videos      VideoGenerator
	Credits     Debiter
	CostSD      int
	CostHD      int
	Log         *zap.Logger
}

func (t *VideoTask) Handle(ctx context.Context, job *models.GenerationJob) (string, error) {
	gen, err := t.Generations.GetForUser(job.TargetID, job.UserID)
	if err != nil {
		return "", Permanent(fmt.Errorf("load generation %d: %w", job.TargetID, err))
	}
	source := payloadString(job, "image_url")
	switch {
	case source != "" && !containsURL(gen.OutputURLs, source):
		return "", Permanent(fmt.Errorf("image %q is not an output of generation %d", source, gen.ID))
	case source == "" && len(gen.OutputURLs) == 0:
		return "", Permanent(errors.New("generation has no output image"))
	case source == "":
		source = gen.OutputURLs[len(gen.OutputURLs)-1]
	}
	resolution := payloadString(job, "resolution")
	if resolution != ResolutionHD {
		resolution = ResolutionStandard
	}
	opts := generation.VideoOptions{
		Resolution: resolution,
		Duration:   payloadInt(job, "duration", 5),
		Prompt:     payloadString(job, "prompt"),
	}

	res := t.Videos.GenerateVideo(ctx, source, opts)
	if res.Failed() {
		if errors.Is(res.Err, generation.ErrSourceNotImage) {
			return "", Permanent(res.Err)
		}
		return "", fmt.Errorf("video generation: %w", res.Err)
	}

	cost := VideoCost(resolution, t.CostSD, t.CostHD)
	if cost > 0 {
		reference := fmt.Sprintf("video:%d", job.ID)
		if _, err := t.Credits.Debit(job.UserID, cost, "video generation", reference); err != nil {
			if errors.Is(err, billing.ErrInsufficientCredits) {
				return "", Permanent(err)
			}
			return "", fmt.Errorf("charge video: %w", err)
		}
	}
	if err := t.Generations.AppendVideoURL(gen.ID, res.URL); err != nil {
		return "", fmt.Errorf("store video url: %w", err)
	}
	t.Log.Info("video attached", zap.Uint("generation_id", gen.ID), zap.String("resolution", resolution), zap.Int("cost", cost))
	return res.URL, nil
}

// PoseTask generates additional pose images for a fashion model.
type PoseTask struct {
	Models      repository.ModelRepository
	Generations repository.GenerationRepository
	Images      ImageGenerator
	Credits     Debiter
	Cache       PoseInvalidator
	Cost        int
	Log         *zap.Logger
}

func (t *PoseTask) Handle(ctx context.Context, job *models.GenerationJob) (string, error) {
	model, err := t.Models.GetForUser(job.TargetID, job.UserID)
	if err != nil {
		return "", Permanent(fmt.Errorf("load model %d: %w", job.TargetID, err))
	}
	count := payloadInt(job, "count", DefaultPoseCount)
	if count > MaxPoseCount {
		count = MaxPoseCount
	}
	extra := payloadString(job, "prompt")

	modelID := model.ID
	history := &models.Generation{
		UserID:    job.UserID,
		ModelID:   &modelID,
		Mode:      models.GenerationModePoses,
		Prompt:    extra,
		InputURLs: []string{model.ImageURL},
		Status:    models.GenerationRowPending,
	}
	if err := t.Generations.Create(history); err != nil {
		return "", fmt.Errorf("create generation: %w", err)
	}

	var produced []string
	var chargeErr error
	for i := 0; i < count; i++ {
		prompt := PosePrompt(model, PoseDirections[i%len(PoseDirections)], extra)
		res := t.Images.GenerateImage(ctx, prompt, model.ImageURL)
		if res.Failed() {
			t.Log.Warn("pose generation failed", zap.Uint("model_id", model.ID), zap.Int("pose", i), zap.Error(res.Err))
			continue
		}
		if t.Cost > 0 {
			reference := fmt.Sprintf("pose:%d:%d", job.ID, i)
			if _, err := t.Credits.Debit(job.UserID, t.Cost, "pose generation", reference); err != nil {
				chargeErr = err
				break
			}
		}
		produced = append(produced, res.URL)
	}

	if len(produced) > 0 {
		if _, err := t.Models.AppendPoses(model.ID, produced); err != nil {
			return "", fmt.Errorf("store poses: %w", err)
		}
		t.Cache.Invalidate(ctx, model.ID)
	}

	history.OutputURLs = produced
	switch {
	case len(produced) == count:
		history.Status = models.GenerationRowCompleted
	case len(produced) > 0:
		history.Status = models.GenerationRowDegraded
	default:
		history.Status = models.GenerationRowFailed
	}
	if chargeErr != nil {
		history.Error = chargeErr.Error()
	}
	if err := t.Generations.Update(history); err != nil {
		t.Log.Error("failed to update pose generation", zap.Uint("generation_id", history.ID), zap.Error(err))
	}

	if chargeErr != nil {
		// poses already stored must not be appended twice by a retry
		if errors.Is(chargeErr, billing.ErrInsufficientCredits) || len(produced) > 0 {
			return "", Permanent(chargeErr)
		}
		return "", chargeErr
	}
	if len(produced) == 0 {
		return "", errors.New("no pose could be generated")
	}
	return fmt.Sprintf("generation:%d", history.ID), nil
}

// PosePrompt describes one pose of the given model.
func PosePrompt(model *models.FashionModel, direction, extra string) string {
	p := "Full body studio photograph of the same fashion model as the reference image"
	if model.Gender != "" {
		p += ", " + model.Gender
	}
	p += ", " + direction + ", plain light grey background, even soft lighting, identical face and outfit"
	if extra != "" {
		p += ". " + extra
	}
	return p
}

func payloadString(job *models.GenerationJob, key string) string {
	if v, ok := job.Payload[key].(string); ok {
		return v
	}
	return ""
}

// payloadInt reads a positive integer; JSON numbers decode as float64.
func payloadInt(job *models.GenerationJob, key string, def int) int {
	switch v := job.Payload[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}

func containsURL(urls []string, url string) bool {
	for _, u := range urls {
		if u == url {
			return true
		}
	}
	return false
}
