package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/camden-git/campaignstudio/hosting"
)

var ErrSourceNotImage = errors.New("video source is not an image")

const sniffLen = 512

// prepareVideoSource validates the still image a video is made from and
// returns a URL the video provider can fetch. External images are copied
// into local storage first so an expiring link cannot break the job.
func (o *Orchestrator) prepareVideoSource(ctx context.Context, imageURL string) (string, error) {
	switch {
	case hosting.IsLocal(imageURL):
		if _, mimeType, err := o.assets.Fetch(ctx, imageURL); err != nil {
			return "", err
		} else if !isImage(mimeType) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotImage, mimeType)
		}
		return o.assets.Public(ctx, imageURL)

	case strings.HasPrefix(imageURL, "data:"):
		data, mimeType, err := hosting.ParseDataURI(imageURL)
		if err != nil {
			return "", err
		}
		if !isImage(mimeType) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotImage, mimeType)
		}
		local, err := o.assets.Store(data, mimeType, "")
		if err != nil {
			return "", err
		}
		return o.assets.Public(ctx, local)
	}

	contentType, err := o.probe(ctx, imageURL)
	if err != nil {
		return "", err
	}
	if !isImage(contentType) {
		return "", fmt.Errorf("%w: %s", ErrSourceNotImage, contentType)
	}
	local, err := o.assets.Rehost(ctx, imageURL, "")
	if err != nil {
		return "", fmt.Errorf("failed to re-host video source: %w", err)
	}
	return o.assets.Public(ctx, local)
}

// probe checks that url is reachable and returns its content type. HEAD is
// tried first; servers that reject it or omit the type get a ranged GET
// whose first bytes are sniffed.
func (o *Orchestrator) probe(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	if resp, err := o.client.Do(req); err == nil {
		resp.Body.Close()
		if ct := mediaType(resp.Header.Get("Content-Type")); isSuccess(resp.StatusCode) && isImage(ct) {
			return ct, nil
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffLen-1))
	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("video source unreachable: %w", err)
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return "", fmt.Errorf("video source returned status %d", resp.StatusCode)
	}
	if ct := mediaType(resp.Header.Get("Content-Type")); isImage(ct) {
		return ct, nil
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, sniffLen))
	if err != nil {
		return "", fmt.Errorf("failed to read video source: %w", err)
	}
	return mediaType(http.DetectContentType(head)), nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func isImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

func mediaType(contentType string) string {
	return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
}
