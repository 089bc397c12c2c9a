package generation

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/camden-git/campaignstudio/hosting"
	"github.com/camden-git/campaignstudio/media"
	"github.com/camden-git/campaignstudio/provider"
	"go.uber.org/zap"
)

const testBaseURL = "https://api.test"

var errProvider = errors.New("provider exploded")

func testPNG() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		img.SetNRGBA(i, i, color.NRGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

// fakeProvider implements every capability. fail decides per call whether
// to return an error.
type fakeProvider struct {
	mu       sync.Mutex
	fail     func(op, arg string) bool
	tryOns   []tryOnCall
	videoSrc []string
}

type tryOnCall struct {
	model, garment, clothingType string
}

func (f *fakeProvider) out(op, arg string) (provider.Output, error) {
	if f.fail != nil && f.fail(op, arg) {
		return provider.Output{}, errProvider
	}
	return provider.Output{Data: testPNG(), MIMEType: "image/png"}, nil
}

func (f *fakeProvider) RemoveBackground(_ context.Context, u string) (provider.Output, error) {
	return f.out("bg", u)
}

func (f *fakeProvider) TryOn(_ context.Context, model, garment, clothingType string) (provider.Output, error) {
	f.mu.Lock()
	f.tryOns = append(f.tryOns, tryOnCall{model, garment, clothingType})
	f.mu.Unlock()
	return f.out("tryon", clothingType)
}

func (f *fakeProvider) ComposeScene(_ context.Context, person, scene, _ string) (provider.Output, error) {
	return f.out("compose", scene)
}

func (f *fakeProvider) Refine(_ context.Context, u string, _ provider.RefineParams) (provider.Output, error) {
	return f.out("refine", u)
}

func (f *fakeProvider) GenerateVideo(_ context.Context, u string, _ provider.VideoParams) (provider.Output, error) {
	f.mu.Lock()
	f.videoSrc = append(f.videoSrc, u)
	f.mu.Unlock()
	if f.fail != nil && f.fail("video", u) {
		return provider.Output{}, errProvider
	}
	return provider.Output{Data: []byte("\x00\x00\x00\x18ftypmp42"), MIMEType: "video/mp4"}, nil
}

func (f *fakeProvider) GenerateImage(_ context.Context, prompt string, _ []string) (provider.Output, error) {
	return f.out("image", prompt)
}

func suiteOf(f *fakeProvider) provider.Suite {
	return provider.Suite{Background: f, TryOn: f, Composer: f, Refiner: f, Video: f, Image: f}
}

func newTestOrchestrator(t *testing.T, f *fakeProvider) (*Orchestrator, *media.Processor) {
	t.Helper()
	store, err := media.NewLocalStorage(t.TempDir(), map[media.AssetType]string{
		media.AssetTypeUpload:    "uploads",
		media.AssetTypeGenerated: "generated",
		media.AssetTypeVideo:     "videos",
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	proc := media.NewProcessor(store, media.ImageProcessingOptions{}, zap.NewNop())
	resolver := hosting.NewResolver(proc, hosting.NewLocalUploader(store, testBaseURL), testBaseURL, nil, zap.NewNop())
	return NewOrchestrator(suiteOf(f), resolver, nil, 0, zap.NewNop()), proc
}

func uploadPNG(t *testing.T, proc *media.Processor) string {
	t.Helper()
	rel, err := proc.Store().Save(media.AssetTypeUpload, "", ".png", bytes.NewReader(testPNG()))
	if err != nil {
		t.Fatal(err)
	}
	return media.URLForPath(rel)
}

func TestProviderFailuresFallBack(t *testing.T) {
	f := &fakeProvider{fail: func(string, string) bool { return true }}
	o, proc := newTestOrchestrator(t, f)
	ctx := context.Background()
	input := uploadPNG(t, proc)
	placeholder := "/static/generated/" + media.PlaceholderFilename

	tests := []struct {
		name       string
		run        func() Result
		wantURL    string
		wantStatus Status
	}{
		{"remove background keeps original", func() Result { return o.RemoveBackground(ctx, input) }, input, StatusDegraded},
		{"try-on returns placeholder", func() Result { return o.TryOn(ctx, input, Garment{URL: input}) }, placeholder, StatusFailed},
		{"compose keeps person", func() Result { return o.ComposeScene(ctx, input, input, "") }, input, StatusDegraded},
		{"refine keeps input", func() Result { return o.Refine(ctx, input, "high", 0) }, input, StatusDegraded},
		{"video has no output", func() Result { return o.GenerateVideo(ctx, input, VideoOptions{}) }, "", StatusFailed},
		{"text to image returns placeholder", func() Result { return o.GenerateImage(ctx, "a model") }, placeholder, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.run()
			if r.URL != tt.wantURL || r.Status != tt.wantStatus {
				t.Fatalf("got (%q, %s), want (%q, %s)", r.URL, r.Status, tt.wantURL, tt.wantStatus)
			}
			if !errors.Is(r.Err, errProvider) {
				t.Fatalf("Err = %v, want provider error", r.Err)
			}
		})
	}
}

func TestSuccessfulCallsStoreOutputs(t *testing.T) {
	o, proc := newTestOrchestrator(t, &fakeProvider{})
	ctx := context.Background()
	input := uploadPNG(t, proc)

	cut := o.RemoveBackground(ctx, input)
	if cut.Status != StatusSuccess || !strings.HasSuffix(cut.URL, ".png") {
		t.Fatalf("cutout = %+v", cut)
	}
	refined := o.Refine(ctx, input, "standard", 0)
	if refined.Status != StatusSuccess || refined.URL == input || !hosting.IsLocal(refined.URL) {
		t.Fatalf("refined = %+v", refined)
	}
}

func TestMissingCapabilityIsNotSupported(t *testing.T) {
	o, proc := newTestOrchestrator(t, &fakeProvider{})
	o.providers.Video = nil
	r := o.GenerateVideo(context.Background(), uploadPNG(t, proc), VideoOptions{})
	if !r.Failed() || !errors.Is(r.Err, provider.ErrNotSupported) {
		t.Fatalf("result = %+v", r)
	}
}

func TestSortOutfitLayers(t *testing.T) {
	in := []Garment{
		{ProductID: 1, ClothingType: "jacket"},
		{ProductID: 2, ClothingType: "bra"},
		{ProductID: 3, ClothingType: "mystery"},
		{ProductID: 4, ClothingType: "shirt"},
		{ProductID: 5, ClothingType: "hat"},
		{ProductID: 6, ClothingType: "socks"},
	}
	var got []uint
	for _, g := range SortOutfit(in) {
		got = append(got, g.ProductID)
	}
	want := []uint{2, 6, 3, 4, 1, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if in[0].ProductID != 1 {
		t.Fatal("SortOutfit modified its input")
	}
}

func TestTryOnOutfitChainsOutputs(t *testing.T) {
	f := &fakeProvider{}
	o, proc := newTestOrchestrator(t, f)
	model := uploadPNG(t, proc)
	garment := uploadPNG(t, proc)

	r := o.TryOnOutfit(context.Background(), model, []Garment{
		{ProductID: 1, URL: garment, ClothingType: "coat"},
		{ProductID: 2, URL: garment, ClothingType: "underwear"},
		{ProductID: 3, URL: garment, ClothingType: "jeans"},
	})
	if r.Status != StatusSuccess {
		t.Fatalf("status = %s (%v)", r.Status, r.Err)
	}
	if len(f.tryOns) != 3 {
		t.Fatalf("try-on calls = %d", len(f.tryOns))
	}
	wantTypes := []string{"underwear", "jeans", "coat"}
	for i, call := range f.tryOns {
		if call.clothingType != wantTypes[i] {
			t.Errorf("call %d applied %q, want %q", i, call.clothingType, wantTypes[i])
		}
	}
	if f.tryOns[0].model != testBaseURL+model {
		t.Errorf("first call used model %q", f.tryOns[0].model)
	}
	for i := 1; i < len(f.tryOns); i++ {
		if f.tryOns[i].model == f.tryOns[i-1].model {
			t.Errorf("call %d did not build on the previous output", i)
		}
	}
	if testBaseURL+r.URL == f.tryOns[2].model {
		t.Error("final result is not the last try-on output")
	}
}

func TestTryOnOutfitPartialAndTotalFailure(t *testing.T) {
	f := &fakeProvider{fail: func(op, arg string) bool { return op == "tryon" && arg == "hat" }}
	o, proc := newTestOrchestrator(t, f)
	model := uploadPNG(t, proc)

	r := o.TryOnOutfit(context.Background(), model, []Garment{
		{ProductID: 1, URL: model, ClothingType: "shirt"},
		{ProductID: 2, URL: model, ClothingType: "hat"},
	})
	if r.Status != StatusDegraded || r.URL == model || strings.Contains(r.URL, media.PlaceholderFilename) {
		t.Fatalf("partial outfit = %+v", r)
	}

	f.fail = func(string, string) bool { return true }
	r = o.TryOnOutfit(context.Background(), model, []Garment{{ProductID: 1, URL: model, ClothingType: "shirt"}})
	if !r.Failed() || !strings.HasSuffix(r.URL, media.PlaceholderFilename) {
		t.Fatalf("failed outfit = %+v", r)
	}
}

func TestVideoPreflight(t *testing.T) {
	img := testPNG()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/still.png":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(img)
		case "/page.html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html><body>expired</body></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	t.Run("external image is sniffed and re-hosted", func(t *testing.T) {
		f := &fakeProvider{}
		o, _ := newTestOrchestrator(t, f)
		r := o.GenerateVideo(context.Background(), srv.URL+"/still.png", VideoOptions{Resolution: "720p"})
		if r.Status != StatusSuccess || !strings.HasPrefix(r.URL, "/static/videos/") {
			t.Fatalf("result = %+v", r)
		}
		if len(f.videoSrc) != 1 || !strings.HasPrefix(f.videoSrc[0], testBaseURL+"/static/generated/") {
			t.Fatalf("provider source = %v", f.videoSrc)
		}
	})

	tests := []struct {
		name string
		path string
	}{
		{"non-image content", "/page.html"},
		{"dead link", "/missing.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeProvider{}
			o, _ := newTestOrchestrator(t, f)
			r := o.GenerateVideo(context.Background(), srv.URL+tt.path, VideoOptions{})
			if !r.Failed() || r.URL != "" {
				t.Fatalf("result = %+v", r)
			}
			if len(f.videoSrc) != 0 {
				t.Fatal("provider called despite failed preflight")
			}
		})
	}
}
