package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/camden-git/campaignstudio/billing"
	"github.com/camden-git/campaignstudio/database"
	"github.com/camden-git/campaignstudio/media"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/notify"
	"github.com/camden-git/campaignstudio/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeJobs struct {
	enqueued []models.GenerationJob
}

func (f *fakeJobs) Enqueue(_ context.Context, userID uint, kind string, targetID uint, payload map[string]interface{}) (*models.GenerationJob, error) {
	job := models.GenerationJob{ID: uint(len(f.enqueued) + 1), UserID: userID, Kind: kind, TargetID: targetID, Payload: payload, Status: models.JobStatusQueued}
	f.enqueued = append(f.enqueued, job)
	return &job, nil
}

type testServer struct {
	*httptest.Server
	db   *gorm.DB
	jobs *fakeJobs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zap.NewNop()
	db, err := database.OpenSQLiteMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	base := t.TempDir()
	store, err := media.NewLocalStorage(base, map[media.AssetType]string{
		media.AssetTypeUpload:    "uploads",
		media.AssetTypeGenerated: "generated",
		media.AssetTypeVideo:     "videos",
		media.AssetTypeArchive:   "archives",
	}, log)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	proc := media.NewProcessor(store, media.ImageProcessingOptions{}, log)

	users := repository.NewGormUserRepository(db)
	credits := billing.NewCreditService(db, log)
	tokens := NewTokens("test-secret", time.Hour)
	jobs := &fakeJobs{}

	api := &API{
		Auth: &AuthHandler{UserRepo: users, Credits: credits, Mailer: notify.NewLogMailer(log), Tokens: tokens, SignupCredits: 20, Log: log},
		Scenes: &SceneHandler{Scenes: repository.NewGormSceneRepository(db), Processor: proc, Log: log},
		Campaigns: &CampaignHandler{
			Campaigns: repository.NewGormCampaignRepository(db), Jobs: jobs, Credits: credits,
			Processor: proc, CostImage: 1, Log: log,
		},
		Generations: &GenerationHandler{
			Generations: repository.NewGormGenerationRepository(db), Jobs: jobs, Credits: credits,
			CostVideoSD: 5, CostVideoHD: 10, Log: log,
		},
		Billing:        &BillingHandler{Credits: credits, Log: log},
		Tokens:         tokens,
		Users:          users,
		StoragePath:    base,
		StaticSubDirs:  []string{"uploads", "generated", "videos", "archives"},
		AllowedOrigins: []string{"http://localhost:5173"},
		Log:            log,
	}
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, db: db, jobs: jobs}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, _ := http.NewRequest(method, s.URL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) register(t *testing.T, email string) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/auth/register", "", RegisterPayload{Email: email, Password: "correct horse", Name: "Test"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var out LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out.Token
}

func decodeError(t *testing.T, resp *http.Response) APIErrorDetail {
	t.Helper()
	var out APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Errors) == 0 {
		t.Fatalf("decode error body: %v", err)
	}
	return out.Errors[0]
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "ana@example.com")

	resp := s.do(t, http.MethodPost, "/api/auth/register", "", RegisterPayload{Email: "ANA@example.com ", Password: "another pass"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != CodeConflict {
		t.Errorf("code = %q", e.Code)
	}

	var count int64
	s.db.Model(&models.User{}).Count(&count)
	if count != 1 {
		t.Errorf("users = %d, want 1", count)
	}
}

func TestRegisterGrantsSignupCreditsAndLogin(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "bo@example.com")

	resp := s.do(t, http.MethodGet, "/api/credits", token, nil)
	var credits struct {
		Balance      int                        `json:"balance"`
		Transactions []models.CreditTransaction `json:"transactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&credits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if credits.Balance != 20 || len(credits.Transactions) != 1 {
		t.Errorf("credits = %+v", credits)
	}

	bad := s.do(t, http.MethodPost, "/api/auth/login", "", LoginPayload{Email: "bo@example.com", Password: "wrong"})
	if bad.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d", bad.StatusCode)
	}
	good := s.do(t, http.MethodPost, "/api/auth/login", "", LoginPayload{Email: "bo@example.com", Password: "correct horse"})
	if good.StatusCode != http.StatusOK {
		t.Errorf("login status = %d", good.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodGet, "/api/scenes", tt.token, nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 12, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.NRGBA{R: 30, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

func TestSceneUploadRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "cy@example.com")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("name", "Rooftop")
	fw, _ := mw.CreateFormFile("image", "rooftop.png")
	fw.Write(pngBytes(t))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/api/scenes", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}

	list := s.do(t, http.MethodGet, "/api/scenes", token, nil)
	var scenes []models.Scene
	if err := json.NewDecoder(list.Body).Decode(&scenes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(scenes) != 1 || scenes[0].Name != "Rooftop" {
		t.Fatalf("scenes = %+v", scenes)
	}
	if !strings.HasPrefix(scenes[0].ImageURL, "/static/uploads/") {
		t.Fatalf("image_url = %q", scenes[0].ImageURL)
	}

	img, err := http.Get(s.URL + scenes[0].ImageURL)
	if err != nil {
		t.Fatalf("fetch image: %v", err)
	}
	defer img.Body.Close()
	if img.StatusCode != http.StatusOK {
		t.Fatalf("image status = %d", img.StatusCode)
	}
	if _, _, err := image.Decode(img.Body); err != nil {
		t.Errorf("served file is not an image: %v", err)
	}
}

func TestStandardSceneCannotBeDeleted(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "di@example.com")
	std := &models.Scene{Owner: models.SystemOwner, Name: "Studio", ImageURL: "/static/uploads/studio.jpg", IsStandard: true}
	if err := s.db.Create(std).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := s.do(t, http.MethodDelete, "/api/scenes/"+itoa(std.ID), token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestCampaignGenerateChecksCredits(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "ed@example.com")

	create := func(products, models_, scenes []uint) uint {
		resp := s.do(t, http.MethodPost, "/api/campaigns/create", token, map[string]interface{}{
			"name":     "Spring",
			"settings": map[string]interface{}{"product_ids": products, "model_ids": models_, "scene_ids": scenes},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create status = %d", resp.StatusCode)
		}
		var c campaignResponse
		json.NewDecoder(resp.Body).Decode(&c)
		if c.Status != models.CampaignStatusPreview {
			t.Fatalf("status = %q, want preview", c.Status)
		}
		return c.ID
	}

	// 3x3x3 = 27 images against 20 signup credits
	big := create([]uint{1, 2, 3}, []uint{1, 2, 3}, []uint{1, 2, 3})
	resp := s.do(t, http.MethodPost, "/api/campaigns/"+itoa(big)+"/generate", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != CodeInsufficientCredits {
		t.Errorf("code = %q", e.Code)
	}

	small := create([]uint{1}, []uint{1}, []uint{1, 2})
	resp = s.do(t, http.MethodPost, "/api/campaigns/"+itoa(small)+"/generate", token, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(s.jobs.enqueued) != 1 || s.jobs.enqueued[0].TargetID != small || s.jobs.enqueued[0].Kind != models.JobKindCampaign {
		t.Errorf("jobs = %+v", s.jobs.enqueued)
	}

	empty := create(nil, []uint{1}, []uint{1})
	resp = s.do(t, http.MethodPost, "/api/campaigns/"+itoa(empty)+"/generate", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty selection status = %d", resp.StatusCode)
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func TestGenerationListRejectsUnknownSort(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "sol@example.com")

	resp := s.do(t, http.MethodGet, "/api/generations?sort=filename_asc", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != CodeInvalidRequest {
		t.Errorf("code = %s", e.Code)
	}
	if resp := s.do(t, http.MethodGet, "/api/generations?sort=oldest", token, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("valid sort status = %d", resp.StatusCode)
	}
}

func TestGenerateVideoOnlyAnimatesOwnOutputs(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "ines@example.com")
	user, err := repository.NewGormUserRepository(s.db).GetByEmail("ines@example.com")
	if err != nil {
		t.Fatal(err)
	}
	gen := &models.Generation{UserID: user.ID, Mode: models.GenerationModeCampaign,
		OutputURLs: []string{"/static/generated/a.png", "/static/generated/b.png"}, Status: models.GenerationRowCompleted}
	if err := repository.NewGormGenerationRepository(s.db).Create(gen); err != nil {
		t.Fatal(err)
	}
	path := "/api/generations/" + strconv.Itoa(int(gen.ID)) + "/generate-video"

	resp := s.do(t, http.MethodPost, path, token, map[string]string{"image_url": "http://169.254.169.254/latest/meta-data"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("foreign image status = %d, want 400", resp.StatusCode)
	}
	if len(s.jobs.enqueued) != 0 {
		t.Fatalf("jobs = %+v", s.jobs.enqueued)
	}

	resp = s.do(t, http.MethodPost, path, token, map[string]string{"image_url": "/static/generated/a.png"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("own output status = %d, want 202", resp.StatusCode)
	}
	if len(s.jobs.enqueued) != 1 || s.jobs.enqueued[0].Payload["image_url"] != "/static/generated/a.png" {
		t.Fatalf("jobs = %+v", s.jobs.enqueued)
	}
}
