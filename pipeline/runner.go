package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camden-git/campaignstudio/billing"
	"github.com/camden-git/campaignstudio/generation"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/notify"
	"github.com/camden-git/campaignstudio/realtime"
	"github.com/camden-git/campaignstudio/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrEmptySelection = errors.New("campaign needs at least one product, model and scene")
	ErrNothingToRun   = errors.New("none of the selected products, models or scenes are available")
	ErrNoImages       = errors.New("no image could be generated")
)

// Generator is the part of the orchestrator a run uses.
type Generator interface {
	TryOn(ctx context.Context, modelURL string, garment generation.Garment) generation.Result
	TryOnOutfit(ctx context.Context, modelURL string, garments []generation.Garment) generation.Result
	ComposeScene(ctx context.Context, personURL, sceneURL, prompt string) generation.Result
	Refine(ctx context.Context, imageURL, quality string, strength float64) generation.Result
}

type Credits interface {
	Balance(userID uint) (int, error)
	Debit(userID uint, amount int, reason, reference string) (int, error)
}

type PoseSource interface {
	Poses(ctx context.Context, modelID uint) ([]string, error)
}

type Publisher interface {
	Publish(userID uint, event realtime.Event)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Campaigns   repository.CampaignRepository
	Products    repository.ProductRepository
	Models      repository.ModelRepository
	Scenes      repository.SceneRepository
	Generations repository.GenerationRepository
	Users       repository.UserRepository
	Generator   Generator
	Credits     Credits
	Poses       PoseSource
	Events      Publisher
	Mailer      notify.Mailer
}

// Runner executes campaign generation runs.
type Runner struct {
	Deps
	costPerImage int
	log          *zap.Logger
}

func NewRunner(deps Deps, costPerImage int, log *zap.Logger) *Runner {
	return &Runner{Deps: deps, costPerImage: costPerImage, log: log.Named("pipeline")}
}

// run carries the state of one campaign run.
type run struct {
	campaign *models.Campaign
	key      string
	settings models.CampaignSettings
	total    int
	progress int
	produced int
	log      *zap.Logger
}

// Run generates every image of a campaign as a fresh attempt.
func (r *Runner) Run(ctx context.Context, campaignID uint) error {
	return r.RunAttempt(ctx, campaignID, uuid.NewString())
}

// RunAttempt generates every image of a campaign. Failures of single
// combinations are logged and skipped. The campaign ends completed when at
// least one image was produced, failed otherwise or when credits run out.
// Charges are keyed on runKey and the combination, so repeating an attempt
// with the same key never charges an image twice.
func (r *Runner) RunAttempt(ctx context.Context, campaignID uint, runKey string) error {
	campaign, err := r.Campaigns.GetByID(campaignID)
	if err != nil {
		return fmt.Errorf("load campaign %d: %w", campaignID, err)
	}
	settings := campaign.Settings
	settings.Normalize()
	state := &run{
		campaign: campaign,
		key:      runKey,
		settings: settings,
		log:      r.log.With(zap.Uint("campaign_id", campaign.ID), zap.Uint("user_id", campaign.UserID)),
	}
	if !settings.HasSelection() {
		r.reject(state, ErrEmptySelection)
		return ErrEmptySelection
	}

	combos, err := r.plan(ctx, campaign.UserID, settings)
	if err == nil {
		state.total = len(combos) * imagesPerCombo(settings)
		err = r.checkCredits(campaign.UserID, state.total)
	}
	if err != nil {
		r.reject(state, err)
		return err
	}
	if err := r.Campaigns.BeginRun(campaign.ID, state.total); err != nil {
		return err
	}

	state.log.Info("campaign run started",
		zap.String("run", runKey),
		zap.String("strategy", settings.Strategy),
		zap.String("mode", settings.Mode),
		zap.Int("combinations", len(combos)),
		zap.Int("total", state.total))

	if err := r.Campaigns.ClearResults(campaign.ID); err != nil {
		r.finish(state, err)
		return err
	}
	r.publish(state, realtime.EventCampaignProgress, "")

	runErr := r.execute(ctx, state, combos)
	if runErr == nil && state.produced == 0 {
		runErr = ErrNoImages
	}
	r.finish(state, runErr)
	return runErr
}

// reject marks a campaign failed when its run cannot start.
func (r *Runner) reject(state *run, cause error) {
	state.log.Warn("campaign run rejected", zap.Error(cause))
	changed, err := r.Campaigns.Reject(state.campaign.ID, cause.Error())
	if err != nil {
		state.log.Error("failed to reject campaign", zap.Error(err))
		return
	}
	if changed {
		r.publish(state, realtime.EventCampaignFailed, "")
	}
}

func (r *Runner) execute(ctx context.Context, state *run, combos []combo) error {
	for i := range combos {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if state.settings.Strategy == models.StrategyBaseVariations {
			err = r.runVariations(ctx, state, &combos[i])
		} else {
			err = r.runComposite(ctx, state, &combos[i])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// checkCredits rejects a run the current balance cannot pay for in full.
func (r *Runner) checkCredits(userID uint, images int) error {
	if r.costPerImage <= 0 || r.Credits == nil {
		return nil
	}
	balance, err := r.Credits.Balance(userID)
	if err != nil {
		return err
	}
	if need := images * r.costPerImage; balance < need {
		return fmt.Errorf("%w: need %d, have %d", billing.ErrInsufficientCredits, need, balance)
	}
	return nil
}

// plan loads the selected inputs, in selection order, and expands them
// into combinations.
func (r *Runner) plan(ctx context.Context, userID uint, settings models.CampaignSettings) ([]combo, error) {
	products, err := r.Products.ListByIDs(userID, settings.ProductIDs)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	fashionModels, err := r.Models.ListByIDs(userID, settings.ModelIDs)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	scenes, err := r.Scenes.ListByIDs(userID, settings.SceneIDs)
	if err != nil {
		return nil, fmt.Errorf("load scenes: %w", err)
	}
	products = orderByIDs(settings.ProductIDs, products, func(p *models.Product) uint { return p.ID })
	fashionModels = orderByIDs(settings.ModelIDs, fashionModels, func(m *models.FashionModel) uint { return m.ID })
	scenes = orderByIDs(settings.SceneIDs, scenes, func(s *models.Scene) uint { return s.ID })

	views, err := r.views(ctx, fashionModels, settings.SelectedPoses)
	if err != nil {
		return nil, err
	}
	combos := buildCombos(buildLooks(settings.Mode, products), views, scenes)
	if len(combos) == 0 {
		return nil, ErrNothingToRun
	}
	return combos, nil
}

// views expands models into their base image or their selected poses.
// Pose indexes that no longer exist are dropped.
func (r *Runner) views(ctx context.Context, fashionModels []models.FashionModel, selected map[uint][]int) ([]view, error) {
	var out []view
	for i := range fashionModels {
		m := &fashionModels[i]
		indexes := selected[m.ID]
		if len(indexes) == 0 {
			out = append(out, view{model: m, imageURL: m.ImageURL, poseIndex: -1})
			continue
		}
		poses, err := r.Poses.Poses(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("load poses of model %d: %w", m.ID, err)
		}
		for _, idx := range indexes {
			if idx < 0 || idx >= len(poses) || poses[idx] == "" {
				r.log.Warn("skipping unknown pose", zap.Uint("model_id", m.ID), zap.Int("index", idx))
				continue
			}
			out = append(out, view{model: m, imageURL: poses[idx], poseIndex: idx})
		}
	}
	return out, nil
}

// runComposite produces one image: try-on, scene composition, refinement.
func (r *Runner) runComposite(ctx context.Context, state *run, c *combo) error {
	gen, url, status, ok := r.composite(ctx, state, c, models.GenerationModeCampaign)
	if !ok {
		r.advance(state, "")
		return nil
	}
	if err := r.record(state, c, 0, gen, url, models.ResultKindComposite, status); err != nil {
		return err
	}
	r.advance(state, url)
	return nil
}

// runVariations produces a base composite and refinements of it at
// increasing strengths.
func (r *Runner) runVariations(ctx context.Context, state *run, c *combo) error {
	variations := state.settings.Variations
	gen, baseURL, status, ok := r.composite(ctx, state, c, models.GenerationModeCampaign)
	if !ok {
		// the variations have nothing to derive from
		state.progress += variations
		r.advance(state, "")
		return nil
	}
	if err := r.record(state, c, 0, gen, baseURL, models.ResultKindBase, status); err != nil {
		return err
	}
	r.advance(state, baseURL)

	for i, strength := range VariationStrengths(variations) {
		if err := ctx.Err(); err != nil {
			return err
		}
		vgen := r.newGeneration(state, c, models.GenerationModeVariation, []string{baseURL})
		vgen.Settings["strength"] = strength
		vgen.Settings["variation"] = i + 1
		if err := r.Generations.Create(vgen); err != nil {
			return fmt.Errorf("create generation: %w", err)
		}

		refined := r.Generator.Refine(ctx, baseURL, state.settings.Quality, strength)
		if refined.Status != generation.StatusSuccess {
			// a fallback here would only repeat the base image
			r.markFailed(vgen, refined.Err)
			state.log.Warn("variation skipped", zap.Int("variation", i+1), zap.Error(refined.Err))
			r.advance(state, "")
			continue
		}
		r.markDone(vgen, refined.URL, models.GenerationRowCompleted)
		if err := r.record(state, c, i+1, vgen, refined.URL, models.ResultKindVariation, models.ResultStatusSuccess); err != nil {
			return err
		}
		r.advance(state, refined.URL)
	}
	return nil
}

// composite runs the try-on, compose, refine chain for one combination and
// records the Generation row. ok is false when try-on produced nothing.
func (r *Runner) composite(ctx context.Context, state *run, c *combo, mode string) (*models.Generation, string, string, bool) {
	inputs := []string{c.view.imageURL}
	for _, g := range c.look.garments {
		inputs = append(inputs, g.URL)
	}
	inputs = append(inputs, c.scene.ImageURL)

	gen := r.newGeneration(state, c, mode, inputs)
	if err := r.Generations.Create(gen); err != nil {
		state.log.Error("failed to record generation", zap.Error(err))
		return nil, "", "", false
	}

	var dressed generation.Result
	if state.settings.Mode == models.ModeLabel {
		dressed = r.Generator.TryOnOutfit(ctx, c.view.imageURL, c.look.garments)
	} else {
		dressed = r.Generator.TryOn(ctx, c.view.imageURL, c.look.garments[0])
	}
	if dressed.Failed() {
		r.markFailed(gen, dressed.Err)
		state.log.Warn("combination skipped",
			zap.Uints("product_ids", c.look.productIDs),
			zap.Uint("model_id", c.view.model.ID),
			zap.Uint("scene_id", c.scene.ID),
			zap.Error(dressed.Err))
		return nil, "", "", false
	}

	composed := r.Generator.ComposeScene(ctx, dressed.URL, c.scene.ImageURL, state.settings.Prompt)
	refined := r.Generator.Refine(ctx, composed.URL, state.settings.Quality, 0)

	resultStatus := models.ResultStatusSuccess
	rowStatus := models.GenerationRowCompleted
	var errs []error
	for _, step := range []generation.Result{dressed, composed, refined} {
		if step.Degraded() {
			resultStatus = models.ResultStatusDegraded
			rowStatus = models.GenerationRowDegraded
			errs = append(errs, step.Err)
		}
	}
	if len(errs) > 0 {
		gen.Error = errors.Join(errs...).Error()
	}
	r.markDone(gen, refined.URL, rowStatus)
	return gen, refined.URL, resultStatus, true
}

func (r *Runner) newGeneration(state *run, c *combo, mode string, inputs []string) *models.Generation {
	campaignID, modelID, sceneID := state.campaign.ID, c.view.model.ID, c.scene.ID
	gen := &models.Generation{
		UserID:     state.campaign.UserID,
		CampaignID: &campaignID,
		ModelID:    &modelID,
		SceneID:    &sceneID,
		Mode:       mode,
		Prompt:     state.settings.Prompt,
		Settings: datatypes.JSONMap{
			"quality":     state.settings.Quality,
			"strategy":    state.settings.Strategy,
			"mode":        state.settings.Mode,
			"product_ids": c.look.productIDs,
			"pose_index":  c.view.poseIndex,
		},
		InputURLs: inputs,
		Status:    models.GenerationRowPending,
	}
	if len(c.look.productIDs) > 0 {
		productID := c.look.productIDs[0]
		gen.ProductID = &productID
		gen.ProductIDs = append([]uint(nil), c.look.productIDs...)
	}
	return gen
}

func (r *Runner) markDone(gen *models.Generation, url, status string) {
	gen.OutputURLs = []string{url}
	gen.Status = status
	if err := r.Generations.Update(gen); err != nil {
		r.log.Error("failed to update generation", zap.Uint("generation_id", gen.ID), zap.Error(err))
	}
}

func (r *Runner) markFailed(gen *models.Generation, cause error) {
	gen.Status = models.GenerationRowFailed
	if cause != nil {
		gen.Error = cause.Error()
	}
	if err := r.Generations.Update(gen); err != nil {
		r.log.Error("failed to update generation", zap.Uint("generation_id", gen.ID), zap.Error(err))
	}
}

// record stores a produced image and charges for it. slot is 0 for the
// composite or base image and n for the nth variation. Running out of
// credits stops the run.
func (r *Runner) record(state *run, c *combo, slot int, gen *models.Generation, url, kind, status string) error {
	result := &models.GenerationResult{
		CampaignID:   state.campaign.ID,
		GenerationID: gen.ID,
		ProductIDs:   c.look.productIDs,
		ModelID:      c.view.model.ID,
		SceneID:      c.scene.ID,
		ImageURL:     url,
		Kind:         kind,
		Status:       status,
	}
	if err := r.Campaigns.AddResult(result); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	state.produced++

	if r.costPerImage > 0 && r.Credits != nil {
		reference := fmt.Sprintf("campaign:%d:run:%s:%s:%d", state.campaign.ID, state.key, c.key(), slot)
		if _, err := r.Credits.Debit(state.campaign.UserID, r.costPerImage, "campaign image", reference); err != nil {
			return fmt.Errorf("charge for result %d: %w", result.ID, err)
		}
	}
	return nil
}

// advance counts one processed image and reports progress.
func (r *Runner) advance(state *run, imageURL string) {
	state.progress++
	if state.progress > state.total {
		state.progress = state.total
	}
	if err := r.Campaigns.UpdateProgress(state.campaign.ID, state.progress); err != nil {
		state.log.Warn("failed to update progress", zap.Error(err))
	}
	r.publish(state, realtime.EventCampaignProgress, imageURL)
}

func (r *Runner) finish(state *run, runErr error) {
	status, genStatus, lastError := models.CampaignStatusCompleted, models.GenerationStatusCompleted, ""
	event := realtime.EventCampaignCompleted
	if runErr != nil {
		status, genStatus, lastError = models.CampaignStatusFailed, models.GenerationStatusFailed, runErr.Error()
		event = realtime.EventCampaignFailed
	}
	if err := r.Campaigns.Finish(state.campaign.ID, status, genStatus, lastError); err != nil {
		state.log.Error("failed to finish campaign", zap.Error(err))
	}

	if runErr != nil {
		state.log.Warn("campaign run failed", zap.Int("produced", state.produced), zap.Error(runErr))
	} else {
		state.log.Info("campaign run completed", zap.Int("produced", state.produced), zap.Int("total", state.total))
	}
	r.publish(state, event, "")
	r.notify(state, runErr != nil)
}

func (r *Runner) publish(state *run, eventType, imageURL string) {
	if r.Events == nil {
		return
	}
	ev := realtime.Event{
		Type:       eventType,
		CampaignID: state.campaign.ID,
		Progress:   state.progress,
		Total:      state.total,
		ImageURL:   imageURL,
		Timestamp:  time.Now().Unix(),
	}
	r.Events.Publish(state.campaign.UserID, ev)
}

func (r *Runner) notify(state *run, failed bool) {
	if r.Mailer == nil || r.Users == nil {
		return
	}
	user, err := r.Users.GetByID(state.campaign.UserID)
	if err != nil {
		state.log.Warn("cannot load user for notification", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	msg := notify.CampaignFinishedMessage(user.Name, user.Email, state.campaign.Name, state.produced, failed)
	if err := r.Mailer.Send(ctx, msg); err != nil {
		state.log.Warn("failed to send campaign email", zap.Error(err))
	}
}
