package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/camden-git/campaignstudio/media"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/pipeline"
	"github.com/camden-git/campaignstudio/repository"
	"go.uber.org/zap"
)

type CampaignRunner interface {
	Run(ctx context.Context, campaignID uint) error
}

// AssetFetcher downloads assets that are not stored locally.
type AssetFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type CampaignHandler struct {
	Campaigns repository.CampaignRepository
	Runner    CampaignRunner
	Jobs      JobEnqueuer
	Credits   CreditAccount
	Processor *media.Processor
	Fetcher   AssetFetcher
	CostImage int
	Log       *zap.Logger
}

type campaignPayload struct {
	Name        *string                  `json:"name"`
	Description *string                  `json:"description"`
	Settings    *models.CampaignSettings `json:"settings"`
}

type generatePayload struct {
	Async *bool `json:"async"`
}

type campaignResponse struct {
	models.Campaign
	GeneratedImages []models.GeneratedImage `json:"generated_images"`
}

func toCampaignResponse(c *models.Campaign) campaignResponse {
	return campaignResponse{Campaign: *c, GeneratedImages: c.GeneratedImages()}
}

// Create stores a campaign in preview status; nothing is generated yet.
func (h *CampaignHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload campaignPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}
	if payload.Name == nil || strings.TrimSpace(*payload.Name) == "" {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "name is required")
		return
	}
	campaign := &models.Campaign{
		UserID:           currentUser(r).ID,
		Name:             strings.TrimSpace(*payload.Name),
		Status:           models.CampaignStatusPreview,
		GenerationStatus: models.GenerationStatusIdle,
	}
	if payload.Description != nil {
		campaign.Description = strings.TrimSpace(*payload.Description)
	}
	if payload.Settings != nil {
		campaign.Settings = *payload.Settings
	}
	campaign.Settings.Normalize()

	if err := h.Campaigns.Create(campaign); err != nil {
		writeServiceError(w, h.Log, err, "campaign")
		return
	}
	writeJSON(w, http.StatusCreated, toCampaignResponse(campaign))
}

func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Campaigns.ListByUser(currentUser(r).ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "campaigns")
		return
	}
	out := make([]campaignResponse, 0, len(list))
	for i := range list {
		out = append(out, toCampaignResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(campaign))
}

// Update edits name, description and settings. A running campaign is left alone.
func (h *CampaignHandler) Update(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.load(w, r)
	if !ok {
		return
	}
	if campaign.Status == models.CampaignStatusProcessing {
		WriteAPIError(w, http.StatusConflict, CodeConflict, "campaign is being generated")
		return
	}
	var payload campaignPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}
	if payload.Name != nil && strings.TrimSpace(*payload.Name) != "" {
		campaign.Name = strings.TrimSpace(*payload.Name)
	}
	if payload.Description != nil {
		campaign.Description = strings.TrimSpace(*payload.Description)
	}
	if payload.Settings != nil {
		campaign.Settings = *payload.Settings
		campaign.Settings.Normalize()
	}
	if err := h.Campaigns.Update(campaign); err != nil {
		writeServiceError(w, h.Log, err, "campaign")
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(campaign))
}

func (h *CampaignHandler) Delete(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.load(w, r)
	if !ok {
		return
	}
	if campaign.Status == models.CampaignStatusProcessing {
		WriteAPIError(w, http.StatusConflict, CodeConflict, "campaign is being generated")
		return
	}
	if err := h.Campaigns.Delete(campaign.ID, campaign.UserID); err != nil {
		writeServiceError(w, h.Log, err, "campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status is the lightweight polling view of a run.
func (h *CampaignHandler) Status(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                campaign.ID,
		"status":            campaign.Status,
		"generation_status": campaign.GenerationStatus,
		"progress":          campaign.Progress,
		"total":             campaign.Total,
		"images":            len(campaign.Results),
		"last_error":        campaign.LastError,
		"started_at":        campaign.StartedAt,
		"completed_at":      campaign.CompletedAt,
	})
}

// Generate checks the selection and the credit balance, then either queues
// a job (202) or runs the pipeline inline when {"async": false}.
func (h *CampaignHandler) Generate(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.load(w, r)
	if !ok {
		return
	}
	var payload generatePayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}
	if campaign.Status == models.CampaignStatusProcessing {
		WriteAPIError(w, http.StatusConflict, CodeConflict, "campaign is already being generated")
		return
	}
	settings := campaign.Settings
	settings.Normalize()
	if !settings.HasSelection() {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, pipeline.ErrEmptySelection.Error())
		return
	}

	estimated := pipeline.Estimate(settings)
	need := estimated * h.CostImage
	balance, err := h.Credits.Balance(campaign.UserID)
	if err != nil {
		writeServiceError(w, h.Log, err, "credits")
		return
	}
	if balance < need {
		WriteAPIError(w, http.StatusBadRequest, CodeInsufficientCredits, fmt.Sprintf("need %d credits, have %d", need, balance))
		return
	}

	if payload.Async == nil || *payload.Async {
		job, err := h.Jobs.Enqueue(r.Context(), campaign.UserID, models.JobKindCampaign, campaign.ID, map[string]interface{}{
			"estimated_images": estimated,
		})
		if err != nil {
			writeJobError(w, h.Log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job":              job,
			"estimated_images": estimated,
			"estimated_cost":   need,
		})
		return
	}

	if err := h.Runner.Run(r.Context(), campaign.ID); err != nil {
		h.Log.Warn("synchronous campaign run failed", zap.Uint("campaign_id", campaign.ID), zap.Error(err))
		// ErrNoImages is already recorded on the campaign row
		if !errors.Is(err, pipeline.ErrNoImages) {
			writeServiceError(w, h.Log, err, "campaign")
			return
		}
	}
	updated, err := h.Campaigns.GetForUser(campaign.ID, campaign.UserID)
	if err != nil {
		writeServiceError(w, h.Log, err, "campaign")
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(updated))
}

// Export zips every result image of the campaign and streams the archive.
func (h *CampaignHandler) Export(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.load(w, r)
	if !ok {
		return
	}
	if len(campaign.Results) == 0 {
		WriteAPIError(w, http.StatusNotFound, CodeNotFound, "campaign has no generated images")
		return
	}

	store := h.Processor.Store()
	entries := make([]media.ArchiveEntry, 0, len(campaign.Results))
	for i, res := range campaign.Results {
		imageURL := res.ImageURL
		ext := path.Ext(strings.SplitN(imageURL, "?", 2)[0])
		if ext == "" || len(ext) > 5 {
			ext = ".webp"
		}
		name := fmt.Sprintf("%03d_%s_model%d_scene%d%s", i+1, res.Kind, res.ModelID, res.SceneID, ext)
		entries = append(entries, media.ArchiveEntry{
			Name: name,
			Open: func() (io.ReadCloser, error) {
				if rel, ok := media.PathForURL(imageURL); ok {
					rc, _, err := store.Get(rel)
					return rc, err
				}
				data, _, err := h.Fetcher.Fetch(r.Context(), imageURL)
				if err != nil {
					return nil, err
				}
				return io.NopCloser(bytes.NewReader(data)), nil
			},
		})
	}

	rel, size, err := h.Processor.CreateArchive(fmt.Sprintf("campaign_%d", campaign.ID), entries)
	if err != nil {
		writeServiceError(w, h.Log, err, "archive")
		return
	}
	fullPath, err := store.GetFullPath(rel)
	if err != nil {
		writeServiceError(w, h.Log, err, "archive")
		return
	}
	h.Log.Info("campaign exported", zap.Uint("campaign_id", campaign.ID), zap.Int64("bytes", size))

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", slugify(campaign.Name)+".zip"))
	http.ServeFile(w, r, fullPath)
}

func (h *CampaignHandler) load(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return nil, false
	}
	campaign, err := h.Campaigns.GetForUser(id, currentUser(r).ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "campaign")
		return nil, false
	}
	return campaign, true
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "campaign"
	}
	return out
}
