package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/camden-git/campaignstudio/media"
	"github.com/camden-git/campaignstudio/realtime"
	"go.uber.org/zap"
)

// AssetServer creates a handler to serve stored files from one asset
// subdirectory. Mounted as /static/<subDir>/*, the request path carries the
// file's location within that directory.
func AssetServer(baseStoragePath, subDir string, log *zap.Logger) http.HandlerFunc {
	fullAssetDirPath := filepath.Clean(filepath.Join(baseStoragePath, subDir))
	log.Info("serving assets", zap.String("route", media.StaticPrefix+subDir+"/*"), zap.String("dir", fullAssetDirPath))

	return func(w http.ResponseWriter, r *http.Request) {
		routePrefix := media.StaticPrefix + subDir + "/"
		relativePath := strings.TrimPrefix(r.URL.Path, routePrefix)

		if relativePath == "" || relativePath == r.URL.Path || strings.Contains(relativePath, "..") {
			WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid asset path")
			return
		}

		cleanedAssetPath := filepath.Clean(filepath.Join(fullAssetDirPath, relativePath))
		if !strings.HasPrefix(cleanedAssetPath, fullAssetDirPath+string(filepath.Separator)) {
			log.Warn("asset access outside directory", zap.String("path", r.URL.Path), zap.String("resolved", cleanedAssetPath))
			WriteAPIError(w, http.StatusForbidden, CodeForbidden, "forbidden")
			return
		}

		info, err := os.Stat(cleanedAssetPath)
		if os.IsNotExist(err) || (err == nil && info.IsDir()) {
			http.NotFound(w, r)
			return
		} else if err != nil {
			log.Error("failed to stat asset", zap.String("path", cleanedAssetPath), zap.Error(err))
			WriteAPIError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
			return
		}

		// stored names are unique, so assets never change
		cacheDuration := 24 * time.Hour
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(cacheDuration.Seconds())))
		w.Header().Set("Expires", time.Now().Add(cacheDuration).Format(http.TimeFormat))

		http.ServeFile(w, r, cleanedAssetPath)
	}
}

// RealtimeHandler upgrades /ws connections for the authenticated user.
type RealtimeHandler struct {
	Hub *realtime.Hub
}

func (h *RealtimeHandler) Serve(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServeWS(w, r, currentUser(r).ID)
}
