package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/camden-git/campaignstudio/media"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxUploadBytes = 32 << 20

var errNoImage = errors.New("an image file is required")

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// decodeJSON reads a JSON body, rejecting unknown trailing data. An empty
// body leaves dst untouched.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func pathID(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return uint(id), nil
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// saveUpload normalizes the multipart file in field and returns its public
// /static URL. errNoImage is returned when the field is absent.
func saveUpload(r *http.Request, proc *media.Processor, field, dirHint string) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", errNoImage
		}
		return "", err
	}
	defer file.Close()
	if !media.IsRasterImage(header.Filename) {
		return "", fmt.Errorf("unsupported image type %q", header.Filename)
	}
	rel, err := proc.NormalizeUpload(file, dirHint)
	if err != nil {
		return "", err
	}
	return media.URLForPath(rel), nil
}

func writeUploadError(w http.ResponseWriter, log *zap.Logger, err error) {
	log.Warn("upload rejected", zap.Error(err))
	WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
}

func userDir(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}
