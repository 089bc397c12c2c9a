package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/camden-git/campaignstudio/media"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/repository"
	"github.com/camden-git/campaignstudio/workers"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobEnqueuer starts durable background jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, userID uint, kind string, targetID uint, payload map[string]interface{}) (*models.GenerationJob, error)
}

// PoseLister reads and invalidates cached pose lists.
type PoseLister interface {
	Poses(ctx context.Context, modelID uint) ([]string, error)
	Invalidate(ctx context.Context, modelID uint)
}

type ModelHandler struct {
	Models      repository.ModelRepository
	Generations repository.GenerationRepository
	Processor   *media.Processor
	Generator   PackshotGenerator
	Poses       PoseLister
	Jobs        JobEnqueuer
	Credits     CreditAccount
	CostPose    int
	CostAIModel int
	Log         *zap.Logger
}

type modelPayload struct {
	Name   *string `json:"name"`
	Gender *string `json:"gender"`
}

type generatePosesPayload struct {
	Count  int    `json:"count"`
	Prompt string `json:"prompt"`
}

type aiModelPayload struct {
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	Description string `json:"description"`
}

func (h *ModelHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Models.ListByUser(currentUser(r).ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "models")
		return
	}
	if list == nil {
		list = []models.FashionModel{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ModelHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "multipart form expected")
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "name is required")
		return
	}
	imageURL, err := saveUpload(r, h.Processor, "image", userDir(user.ID))
	if err != nil {
		writeUploadError(w, h.Log, err)
		return
	}
	model := &models.FashionModel{
		UserID:   user.ID,
		Name:     name,
		Gender:   strings.ToLower(strings.TrimSpace(r.FormValue("gender"))),
		ImageURL: imageURL,
	}
	if err := h.Models.Create(model); err != nil {
		writeServiceError(w, h.Log, err, "model")
		return
	}
	writeJSON(w, http.StatusCreated, model)
}

func (h *ModelHandler) Get(w http.ResponseWriter, r *http.Request) {
	model, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (h *ModelHandler) Update(w http.ResponseWriter, r *http.Request) {
	model, ok := h.load(w, r)
	if !ok {
		return
	}
	if isMultipart(r) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid multipart form")
			return
		}
		if v := strings.TrimSpace(r.FormValue("name")); v != "" {
			model.Name = v
		}
		if v := strings.TrimSpace(r.FormValue("gender")); v != "" {
			model.Gender = strings.ToLower(v)
		}
		imageURL, err := saveUpload(r, h.Processor, "image", userDir(model.UserID))
		if err == nil {
			model.ImageURL = imageURL
		} else if !errors.Is(err, errNoImage) {
			writeUploadError(w, h.Log, err)
			return
		}
	} else {
		var payload modelPayload
		if err := decodeJSON(r, &payload); err != nil {
			WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
			return
		}
		if payload.Name != nil && strings.TrimSpace(*payload.Name) != "" {
			model.Name = strings.TrimSpace(*payload.Name)
		}
		if payload.Gender != nil {
			model.Gender = strings.ToLower(strings.TrimSpace(*payload.Gender))
		}
	}
	if err := h.Models.Update(model); err != nil {
		writeServiceError(w, h.Log, err, "model")
		return
	}
	h.Poses.Invalidate(r.Context(), model.ID)
	writeJSON(w, http.StatusOK, model)
}

func (h *ModelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err := h.Models.Delete(id, currentUser(r).ID); err != nil {
		writeServiceError(w, h.Log, err, "model")
		return
	}
	h.Poses.Invalidate(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

type poseEntry struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// ListPoses returns the model's poses in index order. Expired poses are
// left out but the others keep their original index.
func (h *ModelHandler) ListPoses(w http.ResponseWriter, r *http.Request) {
	model, ok := h.load(w, r)
	if !ok {
		return
	}
	poses, err := h.Poses.Poses(r.Context(), model.ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "poses")
		return
	}
	out := make([]poseEntry, 0, len(poses))
	for i, u := range poses {
		if u == "" {
			continue
		}
		out = append(out, poseEntry{Index: i, URL: u})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"model_id": model.ID, "poses": out})
}

func (h *ModelHandler) DeletePose(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid pose index")
		return
	}
	poses, err := h.Models.RemovePose(id, currentUser(r).ID, index)
	if err != nil {
		writeServiceError(w, h.Log, err, "model")
		return
	}
	h.Poses.Invalidate(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"model_id": id, "poses": poses})
}

// GeneratePoses queues a pose job after checking the user can pay for it.
func (h *ModelHandler) GeneratePoses(w http.ResponseWriter, r *http.Request) {
	model, ok := h.load(w, r)
	if !ok {
		return
	}
	var payload generatePosesPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}
	if payload.Count <= 0 {
		payload.Count = workers.DefaultPoseCount
	}
	if payload.Count > workers.MaxPoseCount {
		payload.Count = workers.MaxPoseCount
	}

	need := payload.Count * h.CostPose
	balance, err := h.Credits.Balance(model.UserID)
	if err != nil {
		writeServiceError(w, h.Log, err, "credits")
		return
	}
	if balance < need {
		WriteAPIError(w, http.StatusBadRequest, CodeInsufficientCredits, fmt.Sprintf("need %d credits, have %d", need, balance))
		return
	}

	job, err := h.Jobs.Enqueue(r.Context(), model.UserID, models.JobKindPoses, model.ID, map[string]interface{}{
		"count":  payload.Count,
		"prompt": strings.TrimSpace(payload.Prompt),
	})
	if err != nil {
		writeJobError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// AIGenerate creates a model from a text description.
func (h *ModelHandler) AIGenerate(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var payload aiModelPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}
	payload.Description = strings.TrimSpace(payload.Description)
	if payload.Description == "" {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "description is required")
		return
	}
	balance, err := h.Credits.Balance(user.ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "credits")
		return
	}
	if balance < h.CostAIModel {
		WriteAPIError(w, http.StatusBadRequest, CodeInsufficientCredits, fmt.Sprintf("need %d credits, have %d", h.CostAIModel, balance))
		return
	}

	prompt := aiModelPrompt(payload)
	res := h.Generator.GenerateImage(r.Context(), prompt)
	history := &models.Generation{
		UserID: user.ID,
		Mode:   models.GenerationModeAIModel,
		Prompt: prompt,
		Status: models.GenerationRowCompleted,
	}
	if res.Failed() {
		history.Status = models.GenerationRowFailed
		history.Error = res.Err.Error()
		if err := h.Generations.Create(history); err != nil {
			h.Log.Error("failed to record ai model generation", zap.Error(err))
		}
		WriteAPIError(w, http.StatusBadGateway, CodeUnavailable, "model image could not be generated, no credits were charged")
		return
	}

	name := strings.TrimSpace(payload.Name)
	if name == "" {
		name = "AI model"
	}
	model := &models.FashionModel{
		UserID:    user.ID,
		Name:      name,
		Gender:    strings.ToLower(strings.TrimSpace(payload.Gender)),
		ImageURL:  res.URL,
		Generated: true,
	}
	if err := h.Models.Create(model); err != nil {
		writeServiceError(w, h.Log, err, "model")
		return
	}
	if h.CostAIModel > 0 {
		if _, err := h.Credits.Debit(user.ID, h.CostAIModel, "ai model", "ai-model:"+uuid.NewString()); err != nil {
			_ = h.Models.Delete(model.ID, user.ID)
			writeServiceError(w, h.Log, err, "credits")
			return
		}
	}

	modelID := model.ID
	history.ModelID = &modelID
	history.OutputURLs = []string{res.URL}
	if err := h.Generations.Create(history); err != nil {
		h.Log.Error("failed to record ai model generation", zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, model)
}

func aiModelPrompt(p aiModelPayload) string {
	var b strings.Builder
	b.WriteString("Full body studio photograph of a professional fashion model")
	if g := strings.TrimSpace(p.Gender); g != "" {
		b.WriteString(", ")
		b.WriteString(g)
	}
	b.WriteString(", ")
	b.WriteString(p.Description)
	b.WriteString(". Standing straight facing the camera, neutral fitted basic clothing, plain light grey background, soft even lighting, photorealistic")
	return b.String()
}

func (h *ModelHandler) load(w http.ResponseWriter, r *http.Request) (*models.FashionModel, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return nil, false
	}
	model, err := h.Models.GetForUser(id, currentUser(r).ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "model")
		return nil, false
	}
	return model, true
}

func writeJobError(w http.ResponseWriter, log *zap.Logger, err error) {
	if errors.Is(err, workers.ErrQueueFull) {
		WriteAPIError(w, http.StatusServiceUnavailable, CodeUnavailable, "too many jobs queued, try again shortly")
		return
	}
	writeServiceError(w, log, err, "job")
}
