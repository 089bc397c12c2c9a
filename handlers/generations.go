package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camden-git/campaignstudio/database"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/repository"
	"github.com/camden-git/campaignstudio/workers"
	"go.uber.org/zap"
)

type GenerationHandler struct {
	Generations repository.GenerationRepository
	Jobs        JobEnqueuer
	Credits     CreditAccount
	CostVideoSD int
	CostVideoHD int
	Log         *zap.Logger
}

type videoPayload struct {
	Resolution string `json:"resolution"`
	Duration   int    `json:"duration"`
	Prompt     string `json:"prompt"`
	ImageURL   string `json:"image_url"`
}

// List supports campaign_id, model_id, mode, status, since (RFC 3339),
// sort (newest|oldest), limit and offset query parameters.
func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if sort := q.Get("sort"); sort != "" && !database.IsValidSortOrder(sort) {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("sort must be %s or %s", database.SortNewest, database.SortOldest))
		return
	}
	filter := database.GenerationFilter{
		UserID: currentUser(r).ID,
		Mode:   q.Get("mode"),
		Status: q.Get("status"),
		Sort:   q.Get("sort"),
		Limit:  queryInt(r, "limit", database.DefaultHistoryLimit),
		Offset: queryInt(r, "offset", 0),
	}
	for name, dst := range map[string]**uint{"campaign_id": &filter.CampaignID, "model_id": &filter.ModelID} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("invalid %s", name))
			return
		}
		v := uint(id)
		*dst = &v
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}

	list, err := h.Generations.List(filter)
	if err != nil {
		writeServiceError(w, h.Log, err, "generations")
		return
	}
	if list == nil {
		list = []models.Generation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *GenerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	gen, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

// GenerateVideo queues a video job for a produced image. image_url picks
// one of the generation's outputs and defaults to the latest. The price
// depends on the requested resolution.
func (h *GenerationHandler) GenerateVideo(w http.ResponseWriter, r *http.Request) {
	gen, ok := h.load(w, r)
	if !ok {
		return
	}
	var payload videoPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}
	payload.ImageURL = strings.TrimSpace(payload.ImageURL)
	if payload.ImageURL == "" && len(gen.OutputURLs) == 0 {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "generation has no output image")
		return
	}
	if payload.ImageURL != "" && !isOutputOf(gen, payload.ImageURL) {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "image_url must be an output of this generation")
		return
	}
	resolution := strings.ToLower(strings.TrimSpace(payload.Resolution))
	if resolution != workers.ResolutionHD {
		resolution = workers.ResolutionStandard
	}
	if payload.Duration <= 0 || payload.Duration > 10 {
		payload.Duration = 5
	}

	cost := workers.VideoCost(resolution, h.CostVideoSD, h.CostVideoHD)
	balance, err := h.Credits.Balance(gen.UserID)
	if err != nil {
		writeServiceError(w, h.Log, err, "credits")
		return
	}
	if balance < cost {
		WriteAPIError(w, http.StatusBadRequest, CodeInsufficientCredits, fmt.Sprintf("need %d credits, have %d", cost, balance))
		return
	}

	job, err := h.Jobs.Enqueue(r.Context(), gen.UserID, models.JobKindVideo, gen.ID, map[string]interface{}{
		"resolution": resolution,
		"duration":   payload.Duration,
		"prompt":     strings.TrimSpace(payload.Prompt),
		"image_url":  payload.ImageURL,
	})
	if err != nil {
		writeJobError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job": job, "cost": cost})
}

func (h *GenerationHandler) load(w http.ResponseWriter, r *http.Request) (*models.Generation, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return nil, false
	}
	gen, err := h.Generations.GetForUser(id, currentUser(r).ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "generation")
		return nil, false
	}
	return gen, true
}

type JobHandler struct {
	Jobs repository.JobRepository
	Log  *zap.Logger
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	job, err := h.Jobs.GetForUser(id, currentUser(r).ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func isOutputOf(gen *models.Generation, url string) bool {
	for _, u := range gen.OutputURLs {
		if u == url {
			return true
		}
	}
	return false
}
