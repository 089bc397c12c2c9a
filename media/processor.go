package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	"go.uber.org/zap"
)

const (
	UploadFileExtension    = ".jpg"
	CutoutFileExtension    = ".png"
	GeneratedFileExtension = ".webp"
	PlaceholderFilename    = "placeholder.png"

	cutoutAlphaThreshold = 8
	cutoutSharpenSigma   = 0.6
)

// placeholderPNGBase64 is a 1x1 transparent pixel returned where a
// generation produced nothing usable.
const placeholderPNGBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/x8AAwMB/6X+ZQAAAABJRU5ErkJggg=="

var placeholderPNG []byte

func init() {
	data, err := base64.StdEncoding.DecodeString(placeholderPNGBase64)
	if err != nil {
		panic(fmt.Sprintf("media: invalid placeholder image: %v", err))
	}
	placeholderPNG = data
}

// Processor handles media transformations on uploads and provider outputs.
// it relies on a Store implementation for saving the results.
type Processor struct {
	store Store
	opts  ImageProcessingOptions
	log   *zap.Logger
}

func NewProcessor(store Store, opts ImageProcessingOptions, log *zap.Logger) *Processor {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultImageOptions.MaxSize
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = DefaultImageOptions.JPEGQuality
	}
	if opts.WebPQuality <= 0 {
		opts.WebPQuality = DefaultImageOptions.WebPQuality
	}
	return &Processor{store: store, opts: opts, log: log.Named("media.processor")}
}

// Store exposes the underlying asset store.
func (p *Processor) Store() Store {
	return p.store
}

// NormalizeUpload decodes an uploaded image, applies its EXIF orientation,
// fits it within the configured size and saves it. Images with transparency
// are kept as PNG, everything else becomes JPEG. Returns the relative path.
func (p *Processor) NormalizeUpload(data io.Reader, relativeDirHint string) (string, error) {
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to decode uploaded image: %w", err)
	}

	img = applyOrientation(img, readOrientation(raw))
	b := img.Bounds()
	if b.Dx() > p.opts.MaxSize || b.Dy() > p.opts.MaxSize {
		img = imaging.Fit(img, p.opts.MaxSize, p.opts.MaxSize, imaging.Lanczos)
	}

	imgFormat, ext := imaging.JPEG, UploadFileExtension
	if format == "png" && hasTransparency(img) {
		imgFormat, ext = imaging.PNG, CutoutFileExtension
	}

	reader, writer := io.Pipe()
	go func() {
		defer writer.Close()
		if err := imaging.Encode(writer, img, imgFormat, imaging.JPEGQuality(p.opts.JPEGQuality)); err != nil {
			writer.CloseWithError(fmt.Errorf("upload encoding failed: %w", err))
		}
	}()

	savedRelPath, err := p.store.Save(AssetTypeUpload, relativeDirHint, ext, reader)
	if err != nil {
		reader.Close()
		return "", fmt.Errorf("failed to save upload via store: %w", err)
	}
	p.log.Debug("normalized upload", zap.String("format", format), zap.String("path", savedRelPath))
	return savedRelPath, nil
}

// SaveGenerated persists provider output. Images are re-encoded to WebP
// (WebP input is stored as is) and videos go to the video directory.
func (p *Processor) SaveGenerated(data []byte, mimeType string, relativeDirHint string) (string, error) {
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))

	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return p.store.Save(AssetTypeVideo, relativeDirHint, ExtensionForMIME(mimeType), bytes.NewReader(data))
	case mimeType == "image/webp":
		return p.store.Save(AssetTypeGenerated, relativeDirHint, GeneratedFileExtension, bytes.NewReader(data))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode generated image: %w", err)
	}
	encoded, err := p.EncodeWebP(img)
	if err != nil {
		return "", err
	}
	return p.store.Save(AssetTypeGenerated, relativeDirHint, GeneratedFileExtension, bytes.NewReader(encoded))
}

// EncodeWebP encodes img as lossy WebP at the configured quality.
func (p *Processor) EncodeWebP(img image.Image) ([]byte, error) {
	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, p.opts.WebPQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebP encoder options: %w", err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, options); err != nil {
		return nil, fmt.Errorf("failed to encode WebP: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveCutout finishes a background-removed image and stores it as PNG so
// the alpha channel survives.
func (p *Processor) SaveCutout(data []byte, relativeDirHint string) (string, error) {
	finished, err := FinishCutout(data)
	if err != nil {
		return "", err
	}
	return p.store.Save(AssetTypeGenerated, relativeDirHint, CutoutFileExtension, bytes.NewReader(finished))
}

// EnsurePlaceholder writes the placeholder image once and returns its
// relative path. The path is stable across calls.
func (p *Processor) EnsurePlaceholder() (string, error) {
	rel := p.store.SubDir(AssetTypeGenerated) + "/" + PlaceholderFilename
	if rc, _, err := p.store.Get(rel); err == nil {
		rc.Close()
		return rel, nil
	}
	return p.store.Save(AssetTypeGenerated, "", PlaceholderFilename, bytes.NewReader(placeholderPNG))
}

// FinishCutout trims the fully transparent border of a background-removed
// image and sharpens the remaining subject. Returns PNG bytes.
func FinishCutout(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode cutout: %w", err)
	}

	nrgba := imaging.Clone(img)
	bounds := opaqueBounds(nrgba)
	if !bounds.Empty() && bounds != nrgba.Bounds() {
		nrgba = imaging.Crop(nrgba, bounds)
	}
	sharpened := imaging.Sharpen(nrgba, cutoutSharpenSigma)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, sharpened, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode cutout: %w", err)
	}
	return buf.Bytes(), nil
}

// opaqueBounds returns the smallest rectangle holding every pixel whose
// alpha exceeds the cutout threshold.
func opaqueBounds(img *image.NRGBA) image.Rectangle {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.NRGBAAt(x, y).A <= cutoutAlphaThreshold {
				continue
			}
			if x < minX {
				minX = x
			}
			if y < minY {
				minY = y
			}
			if x > maxX {
				maxX = x
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < minX || maxY < minY {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxInt(maxX+1, minX+1), maxInt(maxY+1, minY+1))
}

func hasTransparency(img image.Image) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a < 0xffff {
				return true
			}
		}
	}
	return false
}

// Placeholder returns a copy of the placeholder PNG bytes.
func Placeholder() []byte {
	out := make([]byte, len(placeholderPNG))
	copy(out, placeholderPNG)
	return out
}
