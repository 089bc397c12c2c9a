package media

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *LocalStorage {
	t.Helper()
	store, err := NewLocalStorage(t.TempDir(), map[AssetType]string{
		AssetTypeUpload:    "uploads",
		AssetTypeGenerated: "generated",
		AssetTypeVideo:     "videos",
		AssetTypeArchive:   "archives",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	return store
}

func TestLocalStorageSaveAndGet(t *testing.T) {
	store := newTestStore(t)

	rel, err := store.Save(AssetTypeUpload, "7", ".txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(rel, "uploads/7/") || !strings.HasSuffix(rel, ".txt") {
		t.Fatalf("relative path = %q", rel)
	}

	rc, info, err := store.Get(rel)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "hello" || info.Size() != 5 {
		t.Fatalf("got %q (%d bytes)", body, info.Size())
	}
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Save(AssetTypeUpload, "../../etc", "x.txt", strings.NewReader("x")); err == nil {
		t.Error("Save accepted a traversing directory hint")
	}
	if _, err := store.GetFullPath("../outside.txt"); err == nil {
		t.Error("GetFullPath accepted a traversing path")
	}
	rel, err := store.Save(AssetTypeUpload, "", "../../escape.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rel != "uploads/escape.txt" {
		t.Errorf("filename hint not reduced to base name: %q", rel)
	}
}

func TestURLRoundTrip(t *testing.T) {
	url := URLForPath("uploads/a/b.jpg")
	if url != "/static/uploads/a/b.jpg" {
		t.Fatalf("URLForPath = %q", url)
	}
	rel, ok := PathForURL(url)
	if !ok || rel != "uploads/a/b.jpg" {
		t.Fatalf("PathForURL = %q, %v", rel, ok)
	}
	if _, ok := PathForURL("https://cdn.example.com/a.jpg"); ok {
		t.Error("external URL treated as local")
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFinishCutoutTrimsTransparentBorder(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 10; y < 20; y++ {
		for x := 5; x < 25; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}

	out, err := FinishCutout(encodePNG(t, img))
	if err != nil {
		t.Fatalf("FinishCutout: %v", err)
	}
	trimmed, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if b := trimmed.Bounds(); b.Dx() != 20 || b.Dy() != 10 {
		t.Fatalf("trimmed size = %dx%d, want 20x10", b.Dx(), b.Dy())
	}
}

func TestNormalizeUploadKeepsTransparency(t *testing.T) {
	store := newTestStore(t)
	proc := NewProcessor(store, ImageProcessingOptions{MaxSize: 16}, zap.NewNop())

	img := image.NewNRGBA(image.Rect(0, 0, 64, 32))
	img.SetNRGBA(1, 1, color.NRGBA{A: 255})

	rel, err := proc.NormalizeUpload(bytes.NewReader(encodePNG(t, img)), "")
	if err != nil {
		t.Fatalf("NormalizeUpload: %v", err)
	}
	if !strings.HasSuffix(rel, CutoutFileExtension) {
		t.Fatalf("transparent upload saved as %q", rel)
	}
	rc, _, err := store.Get(rel)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 16 || cfg.Height != 8 {
		t.Fatalf("normalized size = %dx%d, want 16x8", cfg.Width, cfg.Height)
	}
}

func TestEnsurePlaceholderIsStable(t *testing.T) {
	proc := NewProcessor(newTestStore(t), ImageProcessingOptions{}, zap.NewNop())
	first, err := proc.EnsurePlaceholder()
	if err != nil {
		t.Fatal(err)
	}
	second, err := proc.EnsurePlaceholder()
	if err != nil {
		t.Fatal(err)
	}
	if first != second || first != "generated/"+PlaceholderFilename {
		t.Fatalf("placeholder paths %q, %q", first, second)
	}
}

func TestCreateArchiveNaturalOrder(t *testing.T) {
	store := newTestStore(t)
	proc := NewProcessor(store, ImageProcessingOptions{}, zap.NewNop())

	entry := func(name string) ArchiveEntry {
		return ArchiveEntry{Name: name, Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(name)), nil
		}}
	}
	rel, size, err := proc.CreateArchive("campaign_1", []ArchiveEntry{entry("image_10.webp"), entry("image_2.webp"), entry("image_1.webp")})
	if err != nil {
		t.Fatalf("CreateArchive: %v", err)
	}
	if size <= 0 {
		t.Fatalf("size = %d", size)
	}
	full, _ := store.GetFullPath(rel)
	zr, err := zip.OpenReader(full)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	want := "image_1.webp,image_2.webp,image_10.webp"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("entries = %s, want %s", got, want)
	}
}
