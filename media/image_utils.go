package media

import (
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"
)

var supportedImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// IsRasterImage checks if the filename has a supported upload extension
func IsRasterImage(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return supportedImageExtensions[ext]
}

var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"application/zip": ".zip",
}

// ExtensionForMIME returns a file extension for a content type, or ".bin".
func ExtensionForMIME(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	if ext, ok := mimeExtensions[mimeType]; ok {
		return ext
	}
	return ".bin"
}

// URLForPath turns a store-relative path into the public static URL.
func URLForPath(relativePath string) string {
	return StaticPrefix + strings.TrimPrefix(filepath.ToSlash(relativePath), "/")
}

// PathForURL reverses URLForPath. ok is false for URLs not served locally.
func PathForURL(url string) (string, bool) {
	if !strings.HasPrefix(url, StaticPrefix) {
		return "", false
	}
	rel := strings.TrimPrefix(url, StaticPrefix)
	if rel == "" {
		return "", false
	}
	return rel, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
