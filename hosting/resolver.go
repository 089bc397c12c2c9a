package hosting

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/camden-git/campaignstudio/media"
	"go.uber.org/zap"
)

// maxFetchSize caps downloads of provider outputs and re-hosted assets.
const maxFetchSize = 64 << 20

var ErrUnsupportedURL = errors.New("unsupported asset URL")

// Resolver converts between the URLs the API stores (/static/... paths) and
// URLs that external providers can reach, and pulls provider outputs back in.
type Resolver struct {
	proc          *media.Processor
	uploader      Uploader
	publicBaseURL string
	client        *http.Client
	log           *zap.Logger
}

// Processor exposes the media processor backing the resolver.
func (r *Resolver) Processor() *media.Processor {
	return r.proc
}

func NewResolver(proc *media.Processor, uploader Uploader, publicBaseURL string, client *http.Client, log *zap.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		proc:          proc,
		uploader:      uploader,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		client:        client,
		log:           log.Named("hosting.resolver"),
	}
}

// IsLocal reports whether url points at an asset served by this instance.
func IsLocal(url string) bool {
	return strings.HasPrefix(url, media.StaticPrefix)
}

// Public returns a URL an external provider can fetch. Remote and data URLs
// pass through. Local assets are exposed via the public base URL, uploaded
// to the hosting backend, or inlined as a base64 data URI as a last resort.
func (r *Resolver) Public(ctx context.Context, url string) (string, error) {
	if !IsLocal(url) {
		return url, nil
	}

	if _, local := r.uploader.(*LocalUploader); local || r.uploader == nil {
		if r.publicBaseURL != "" {
			return r.publicBaseURL + url, nil
		}
		data, mimeType, err := r.Fetch(ctx, url)
		if err != nil {
			return "", err
		}
		return DataURI(data, mimeType), nil
	}

	rel, _ := media.PathForURL(url)
	rc, _, err := r.proc.Store().Get(rel)
	if err != nil {
		return "", fmt.Errorf("failed to open local asset %s: %w", rel, err)
	}
	defer rc.Close()

	contentType := mimeForExt(path.Ext(rel))
	hosted, err := r.uploader.Upload(ctx, "inputs/"+rel, contentType, rc)
	if err != nil {
		return "", fmt.Errorf("failed to host %s: %w", rel, err)
	}
	return hosted, nil
}

// Rehost copies an external or inline asset into local storage and returns
// its /static URL. Provider links expire, so anything kept in the database
// goes through here first. Local URLs are returned unchanged.
func (r *Resolver) Rehost(ctx context.Context, url string, dirHint string) (string, error) {
	if IsLocal(url) {
		return url, nil
	}
	data, mimeType, err := r.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	return r.Store(data, mimeType, dirHint)
}

// Store persists raw provider output and returns its /static URL.
func (r *Resolver) Store(data []byte, mimeType string, dirHint string) (string, error) {
	rel, err := r.proc.SaveGenerated(data, sniff(data, mimeType), dirHint)
	if err != nil {
		return "", err
	}
	return media.URLForPath(rel), nil
}

// Fetch returns the bytes and content type behind a local path, a data URI
// or an http(s) URL.
func (r *Resolver) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	switch {
	case IsLocal(url):
		rel, _ := media.PathForURL(url)
		rc, _, err := r.proc.Store().Get(rel)
		if err != nil {
			return nil, "", err
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, maxFetchSize))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", rel, err)
		}
		return data, sniff(data, mimeForExt(path.Ext(rel))), nil

	case strings.HasPrefix(url, "data:"):
		return ParseDataURI(url)

	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("failed to download %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("download %s returned status %d", url, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", url, err)
		}
		return data, sniff(data, resp.Header.Get("Content-Type")), nil
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
}

// DataURI encodes data as a base64 data URI.
func DataURI(data []byte, mimeType string) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURI decodes a base64 data URI.
func ParseDataURI(uri string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, "", fmt.Errorf("%w: malformed data URI", ErrUnsupportedURL)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data URI: %w", err)
	}
	mimeType := strings.TrimSuffix(header, ";base64")
	return data, sniff(data, mimeType), nil
}

// sniff keeps a declared media type and falls back to content detection
// for empty or generic ones.
func sniff(data []byte, declared string) string {
	declared = strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	if declared != "" && declared != "application/octet-stream" && declared != "binary/octet-stream" {
		return declared
	}
	return http.DetectContentType(data[:min(len(data), 512)])
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	}
	return "application/octet-stream"
}

