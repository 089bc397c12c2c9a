package handlers

import (
	"net/http"
	"strings"

	"github.com/camden-git/campaignstudio/media"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/repository"
	"go.uber.org/zap"
)

type SceneHandler struct {
	Scenes    repository.SceneRepository
	Processor *media.Processor
	Log       *zap.Logger
}

// List returns the standard scenes followed by the user's own.
func (h *SceneHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Scenes.ListAccessible(currentUser(r).ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "scenes")
		return
	}
	if list == nil {
		list = []models.Scene{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *SceneHandler) Create(w http.ResponseWriter, r *http.Request) {
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
	userID := user.ID
	scene := &models.Scene{
		UserID:      &userID,
		Owner:       "user",
		Name:        name,
		Description: strings.TrimSpace(r.FormValue("description")),
		ImageURL:    imageURL,
	}
	if err := h.Scenes.Create(scene); err != nil {
		writeServiceError(w, h.Log, err, "scene")
		return
	}
	writeJSON(w, http.StatusCreated, scene)
}

// Delete answers 403 for standard scenes.
func (h *SceneHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err := h.Scenes.Delete(id, currentUser(r).ID); err != nil {
		writeServiceError(w, h.Log, err, "scene")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
