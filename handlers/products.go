package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/camden-git/campaignstudio/generation"
	"github.com/camden-git/campaignstudio/media"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const packshotBackPrompt = "Studio packshot of the back side of this exact garment, laid flat, centered, on a plain white background, no model, no mannequin"

// PackshotGenerator is the part of the orchestrator used for packshots and
// AI-generated models.
type PackshotGenerator interface {
	RemoveBackground(ctx context.Context, imageURL string) generation.Result
	GenerateImage(ctx context.Context, prompt string, referenceURLs ...string) generation.Result
}

// CreditAccount reads and debits a user's balance.
type CreditAccount interface {
	Balance(userID uint) (int, error)
	Debit(userID uint, amount int, reason, reference string) (int, error)
}

type ProductHandler struct {
	Products    repository.ProductRepository
	Generations repository.GenerationRepository
	Processor   *media.Processor
	Generator   PackshotGenerator
	Credits     CreditAccount
	CostImage   int
	Log         *zap.Logger
}

type productPayload struct {
	Name         *string  `json:"name"`
	Description  *string  `json:"description"`
	ClothingType *string  `json:"clothing_type"`
	Tags         []string `json:"tags"`
}

func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Products.ListByUser(currentUser(r).ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "products")
		return
	}
	if list == nil {
		list = []models.Product{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Create expects a multipart form with an "image" file and name,
// description, clothing_type and comma separated tags fields.
func (h *ProductHandler) Create(w http.ResponseWriter, r *http.Request) {
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

	product := &models.Product{
		UserID:       user.ID,
		Name:         name,
		Description:  strings.TrimSpace(r.FormValue("description")),
		ImageURL:     imageURL,
		ClothingType: strings.ToLower(strings.TrimSpace(r.FormValue("clothing_type"))),
		Tags:         splitTags(r.FormValue("tags")),
	}
	if err := h.Products.Create(product); err != nil {
		writeServiceError(w, h.Log, err, "product")
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	product, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// Update accepts JSON fields or a multipart form that may replace the image.
func (h *ProductHandler) Update(w http.ResponseWriter, r *http.Request) {
	product, ok := h.load(w, r)
	if !ok {
		return
	}

	if isMultipart(r) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid multipart form")
			return
		}
		if v := strings.TrimSpace(r.FormValue("name")); v != "" {
			product.Name = v
		}
		if _, ok := r.MultipartForm.Value["description"]; ok {
			product.Description = strings.TrimSpace(r.FormValue("description"))
		}
		if v := r.FormValue("clothing_type"); v != "" {
			product.ClothingType = strings.ToLower(strings.TrimSpace(v))
		}
		if _, ok := r.MultipartForm.Value["tags"]; ok {
			product.Tags = splitTags(r.FormValue("tags"))
		}
		imageURL, err := saveUpload(r, h.Processor, "image", userDir(product.UserID))
		switch {
		case err == nil:
			product.ImageURL = imageURL
			// packshots belong to the old image
			product.PackshotFrontURL = ""
			product.PackshotBackURL = ""
		case err != errNoImage:
			writeUploadError(w, h.Log, err)
			return
		}
	} else {
		var payload productPayload
		if err := decodeJSON(r, &payload); err != nil {
			WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
			return
		}
		if payload.Name != nil && strings.TrimSpace(*payload.Name) != "" {
			product.Name = strings.TrimSpace(*payload.Name)
		}
		if payload.Description != nil {
			product.Description = strings.TrimSpace(*payload.Description)
		}
		if payload.ClothingType != nil {
			product.ClothingType = strings.ToLower(strings.TrimSpace(*payload.ClothingType))
		}
		if payload.Tags != nil {
			product.Tags = payload.Tags
		}
	}

	if err := h.Products.Update(product); err != nil {
		writeServiceError(w, h.Log, err, "product")
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (h *ProductHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err := h.Products.Delete(id, currentUser(r).ID); err != nil {
		writeServiceError(w, h.Log, err, "product")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RerollPackshots regenerates the front and back packshots of a product.
// One image credit is charged when at least one packshot succeeds.
func (h *ProductHandler) RerollPackshots(w http.ResponseWriter, r *http.Request) {
	product, ok := h.load(w, r)
	if !ok {
		return
	}
	balance, err := h.Credits.Balance(product.UserID)
	if err != nil {
		writeServiceError(w, h.Log, err, "credits")
		return
	}
	if balance < h.CostImage {
		WriteAPIError(w, http.StatusBadRequest, CodeInsufficientCredits, "not enough credits for a packshot")
		return
	}

	productID := product.ID
	history := &models.Generation{
		UserID:    product.UserID,
		ProductID: &productID,
		Mode:      models.GenerationModePackshot,
		InputURLs: []string{product.ImageURL},
		Status:    models.GenerationRowPending,
	}
	if err := h.Generations.Create(history); err != nil {
		writeServiceError(w, h.Log, err, "generation")
		return
	}

	front := h.Generator.RemoveBackground(r.Context(), product.ImageURL)
	back := h.Generator.GenerateImage(r.Context(), packshotBackPrompt, front.URL)

	var outputs []string
	if front.Status == generation.StatusSuccess {
		product.PackshotFrontURL = front.URL
		outputs = append(outputs, front.URL)
	}
	if !back.Failed() {
		product.PackshotBackURL = back.URL
		outputs = append(outputs, back.URL)
	}
	history.OutputURLs = outputs

	switch len(outputs) {
	case 0:
		history.Status = models.GenerationRowFailed
		history.Error = "packshot generation failed"
	case 2:
		history.Status = models.GenerationRowCompleted
	default:
		history.Status = models.GenerationRowDegraded
	}

	if len(outputs) > 0 {
		if h.CostImage > 0 {
			if _, err := h.Credits.Debit(product.UserID, h.CostImage, "packshot reroll", "packshot:"+uuid.NewString()); err != nil {
				history.Status = models.GenerationRowFailed
				history.Error = err.Error()
				_ = h.Generations.Update(history)
				writeServiceError(w, h.Log, err, "credits")
				return
			}
		}
		if err := h.Products.Update(product); err != nil {
			writeServiceError(w, h.Log, err, "product")
			return
		}
	}
	if err := h.Generations.Update(history); err != nil {
		h.Log.Error("failed to update packshot generation", zap.Uint("generation_id", history.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"product":       product,
		"generation_id": history.ID,
		"status":        history.Status,
	})
}

func (h *ProductHandler) load(w http.ResponseWriter, r *http.Request) (*models.Product, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return nil, false
	}
	product, err := h.Products.GetForUser(id, currentUser(r).ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "product")
		return nil, false
	}
	return product, true
}

func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
