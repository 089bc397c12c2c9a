package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/camden-git/campaignstudio/billing"
	"github.com/camden-git/campaignstudio/cache"
	"github.com/camden-git/campaignstudio/database"
	"github.com/camden-git/campaignstudio/generation"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/realtime"
	"github.com/camden-git/campaignstudio/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeGenerator struct {
	mu        sync.Mutex
	failURLs  map[string]bool
	outfits   [][]generation.Garment
	strengths []float64
}

func (g *fakeGenerator) TryOn(_ context.Context, modelURL string, garment generation.Garment) generation.Result {
	if g.failURLs[garment.URL] {
		return generation.Result{URL: "/static/generated/placeholder.png", Status: generation.StatusFailed, Err: errors.New("try-on failed")}
	}
	return generation.Result{URL: modelURL + "+" + garment.URL, Status: generation.StatusSuccess}
}

func (g *fakeGenerator) TryOnOutfit(_ context.Context, modelURL string, garments []generation.Garment) generation.Result {
	g.mu.Lock()
	g.outfits = append(g.outfits, garments)
	g.mu.Unlock()
	return generation.Result{URL: modelURL + "+outfit", Status: generation.StatusSuccess}
}

func (g *fakeGenerator) ComposeScene(_ context.Context, personURL, sceneURL, _ string) generation.Result {
	return generation.Result{URL: personURL + "@" + sceneURL, Status: generation.StatusSuccess}
}

func (g *fakeGenerator) Refine(_ context.Context, imageURL, quality string, strength float64) generation.Result {
	g.mu.Lock()
	g.strengths = append(g.strengths, strength)
	g.mu.Unlock()
	return generation.Result{URL: fmt.Sprintf("%s~%s~%.1f", imageURL, quality, strength), Status: generation.StatusSuccess}
}

type statusRecorder struct {
	campaigns repository.CampaignRepository
	mu        sync.Mutex
	statuses  []string
	events    []realtime.Event
}

func (s *statusRecorder) Publish(_ uint, ev realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if c, err := s.campaigns.GetByID(ev.CampaignID); err == nil {
		if len(s.statuses) == 0 || s.statuses[len(s.statuses)-1] != c.Status {
			s.statuses = append(s.statuses, c.Status)
		}
	}
}

type fixture struct {
	db        *gorm.DB
	runner    *Runner
	gen       *fakeGenerator
	events    *statusRecorder
	credits   *billing.CreditService
	campaigns repository.CampaignRepository
	user      *models.User
	products  []uint
	models    []uint
	scenes    []uint
}

func newFixture(t *testing.T, nProducts, nModels, nScenes, credits int) *fixture {
	t.Helper()
	db, err := database.OpenSQLiteMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	users := repository.NewGormUserRepository(db)
	products := repository.NewGormProductRepository(db)
	fashionModels := repository.NewGormModelRepository(db)
	scenes := repository.NewGormSceneRepository(db)
	campaigns := repository.NewGormCampaignRepository(db)

	f := &fixture{db: db, gen: &fakeGenerator{failURLs: map[string]bool{}}, campaigns: campaigns}
	f.user = &models.User{Email: "owner@example.com", PasswordHash: "x", Credits: credits}
	if err := users.Create(f.user); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < nProducts; i++ {
		p := &models.Product{UserID: f.user.ID, Name: fmt.Sprintf("p%d", i), ImageURL: fmt.Sprintf("/static/uploads/p%d.jpg", i), ClothingType: "shirt"}
		if err := products.Create(p); err != nil {
			t.Fatal(err)
		}
		f.products = append(f.products, p.ID)
	}
	for i := 0; i < nModels; i++ {
		m := &models.FashionModel{UserID: f.user.ID, Name: fmt.Sprintf("m%d", i), ImageURL: fmt.Sprintf("/static/uploads/m%d.jpg", i),
			Poses: []string{fmt.Sprintf("/static/uploads/m%d-pose0.jpg", i)}}
		if err := fashionModels.Create(m); err != nil {
			t.Fatal(err)
		}
		f.models = append(f.models, m.ID)
	}
	for i := 0; i < nScenes; i++ {
		uid := f.user.ID
		s := &models.Scene{UserID: &uid, Owner: "user", Name: fmt.Sprintf("s%d", i), ImageURL: fmt.Sprintf("/static/uploads/s%d.jpg", i)}
		if err := scenes.Create(s); err != nil {
			t.Fatal(err)
		}
		f.scenes = append(f.scenes, s.ID)
	}

	f.credits = billing.NewCreditService(db, zap.NewNop())
	f.events = &statusRecorder{campaigns: campaigns}
	f.runner = NewRunner(Deps{
		Campaigns:   campaigns,
		Products:    products,
		Models:      fashionModels,
		Scenes:      scenes,
		Generations: repository.NewGormGenerationRepository(db),
		Users:       users,
		Generator:   f.gen,
		Credits:     f.credits,
		Poses:       cache.NewPoseCache(cache.NewMemoryBackend(), fashionModels, 0, zap.NewNop()),
		Events:      f.events,
	}, 1, zap.NewNop())
	return f
}

func (f *fixture) campaign(t *testing.T, settings models.CampaignSettings) *models.Campaign {
	t.Helper()
	if settings.ProductIDs == nil {
		settings.ProductIDs = f.products
	}
	if settings.ModelIDs == nil {
		settings.ModelIDs = f.models
	}
	if settings.SceneIDs == nil {
		settings.SceneIDs = f.scenes
	}
	c := &models.Campaign{UserID: f.user.ID, Name: "Spring", Status: models.CampaignStatusPreview, Settings: settings}
	if err := f.campaigns.Create(c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) count(t *testing.T, model interface{}, where string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(model).Where(where, args...).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func TestCrossProductProducesEveryCombination(t *testing.T) {
	tests := []struct {
		name                 string
		products, mods, scns int
		failFirstProduct     bool
		want                 int
	}{
		{"1x1x1", 1, 1, 1, false, 1},
		{"2x2x3", 2, 2, 3, false, 12},
		{"failed product is skipped", 2, 2, 3, true, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.products, tt.mods, tt.scns, 100)
			if tt.failFirstProduct {
				f.gen.failURLs["/static/uploads/p0.jpg"] = true
			}
			c := f.campaign(t, models.CampaignSettings{})
			if err := f.runner.Run(context.Background(), c.ID); err != nil {
				t.Fatalf("Run: %v", err)
			}

			got, _ := f.campaigns.GetByID(c.ID)
			if n := len(got.GeneratedImages()); n != tt.want {
				t.Fatalf("generated_images = %d, want %d", n, tt.want)
			}
			if limit := tt.products * tt.mods * tt.scns; len(got.Results) > limit {
				t.Fatalf("results exceed combinations: %d > %d", len(got.Results), limit)
			}
			if got.Status != models.CampaignStatusCompleted || got.Progress != got.Total {
				t.Fatalf("status = %s, progress %d/%d", got.Status, got.Progress, got.Total)
			}
			balance, _ := f.credits.Balance(f.user.ID)
			if balance != 100-tt.want {
				t.Fatalf("balance = %d, want %d", balance, 100-tt.want)
			}
		})
	}
}

func TestHighQualityTwoSceneCampaign(t *testing.T) {
	f := newFixture(t, 1, 1, 2, 10)
	c := f.campaign(t, models.CampaignSettings{Quality: models.QualityHigh})

	if err := f.runner.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := f.count(t, &models.Generation{}, "campaign_id = ?", c.ID); n != 2 {
		t.Fatalf("generation rows = %d, want 2", n)
	}
	got, _ := f.campaigns.GetByID(c.ID)
	images := got.GeneratedImages()
	if len(images) != 2 {
		t.Fatalf("generated_images = %d, want 2", len(images))
	}
	for i, img := range images {
		if !strings.Contains(img.ImageURL, "~high~") {
			t.Errorf("image %d not refined at high quality: %s", i, img.ImageURL)
		}
		if img.SceneID != f.scenes[i] {
			t.Errorf("image %d scene = %d, want %d", i, img.SceneID, f.scenes[i])
		}
	}

	want := []string{models.CampaignStatusProcessing, models.CampaignStatusCompleted}
	if strings.Join(f.events.statuses, ",") != strings.Join(want, ",") {
		t.Fatalf("observed statuses %v, want %v", f.events.statuses, want)
	}
	if c.Status != models.CampaignStatusPreview {
		t.Fatalf("campaign did not start in preview: %s", c.Status)
	}
}

func TestBaseVariations(t *testing.T) {
	f := newFixture(t, 1, 1, 1, 10)
	c := f.campaign(t, models.CampaignSettings{Strategy: models.StrategyBaseVariations, Variations: 3})

	if err := f.runner.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.campaigns.GetByID(c.ID)
	if len(got.Results) != 4 || got.Total != 4 {
		t.Fatalf("results = %d, total = %d, want 4", len(got.Results), got.Total)
	}
	if got.Results[0].Kind != models.ResultKindBase {
		t.Fatalf("first result kind = %s", got.Results[0].Kind)
	}
	for _, r := range got.Results[1:] {
		if r.Kind != models.ResultKindVariation {
			t.Fatalf("result kind = %s", r.Kind)
		}
	}
	// first refine call belongs to the base composite
	wantStrengths := []float64{0, 0.3, 0.5, 0.7}
	for i, s := range f.gen.strengths {
		if diff := s - wantStrengths[i]; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("strengths = %v, want %v", f.gen.strengths, wantStrengths)
		}
	}
	if n := f.count(t, &models.Generation{}, "mode = ?", models.GenerationModeVariation); n != 3 {
		t.Fatalf("variation generations = %d", n)
	}
}

func TestLabelModeWearsAllProducts(t *testing.T) {
	f := newFixture(t, 3, 1, 2, 10)
	c := f.campaign(t, models.CampaignSettings{Mode: models.ModeLabel})

	if err := f.runner.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.campaigns.GetByID(c.ID)
	if len(got.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(got.Results))
	}
	if len(f.gen.outfits) != 2 || len(f.gen.outfits[0]) != 3 {
		t.Fatalf("outfit calls = %v", f.gen.outfits)
	}
	if len(got.Results[0].ProductIDs) != 3 {
		t.Fatalf("result product ids = %v", got.Results[0].ProductIDs)
	}
}

func TestLabelGenerationsGoWithAnyProduct(t *testing.T) {
	f := newFixture(t, 3, 1, 1, 10)
	c := f.campaign(t, models.CampaignSettings{Mode: models.ModeLabel})
	if err := f.runner.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := f.count(t, &models.GenerationProduct{}, "product_id = ?", f.products[2]); n != 1 {
		t.Fatalf("links to last product = %d", n)
	}

	products := repository.NewGormProductRepository(f.db)
	if err := products.Delete(f.products[2], f.user.ID); err != nil {
		t.Fatal(err)
	}
	if n := f.count(t, &models.Generation{}, "campaign_id = ?", c.ID); n != 0 {
		t.Errorf("generations left = %d", n)
	}
	if n := f.count(t, &models.GenerationResult{}, "campaign_id = ?", c.ID); n != 0 {
		t.Errorf("results left = %d", n)
	}
	if n := f.count(t, &models.GenerationProduct{}, "1 = 1"); n != 0 {
		t.Errorf("links left = %d", n)
	}
}

func TestSelectedPoses(t *testing.T) {
	f := newFixture(t, 1, 1, 1, 10)
	c := f.campaign(t, models.CampaignSettings{SelectedPoses: map[uint][]int{f.models[0]: {0, 7}}})

	if err := f.runner.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.campaigns.GetByID(c.ID)
	if len(got.Results) != 1 || !strings.HasPrefix(got.Results[0].ImageURL, "/static/uploads/m0-pose0.jpg") {
		t.Fatalf("results = %+v", got.Results)
	}
}

func TestRunRejectsWithoutEnoughCredits(t *testing.T) {
	f := newFixture(t, 2, 1, 2, 3)
	c := f.campaign(t, models.CampaignSettings{})

	err := f.runner.Run(context.Background(), c.ID)
	if !errors.Is(err, billing.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	got, _ := f.campaigns.GetByID(c.ID)
	if got.Status != models.CampaignStatusFailed || got.GenerationStatus != models.GenerationStatusFailed {
		t.Fatalf("status = %s/%s", got.Status, got.GenerationStatus)
	}
	if !strings.Contains(got.LastError, "need 4, have 3") || len(got.Results) != 0 {
		t.Fatalf("last error %q, %d results", got.LastError, len(got.Results))
	}
	if balance, _ := f.credits.Balance(f.user.ID); balance != 3 {
		t.Fatalf("balance = %d", balance)
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != realtime.EventCampaignFailed {
		t.Fatalf("events = %+v", f.events.events)
	}
}

func TestRunFailsCampaignWhenSelectionIsGone(t *testing.T) {
	f := newFixture(t, 1, 1, 1, 10)
	c := f.campaign(t, models.CampaignSettings{ProductIDs: []uint{9999}})

	if err := f.runner.Run(context.Background(), c.ID); !errors.Is(err, ErrNothingToRun) {
		t.Fatalf("err = %v, want ErrNothingToRun", err)
	}
	got, _ := f.campaigns.GetByID(c.ID)
	if got.Status != models.CampaignStatusFailed || got.LastError == "" {
		t.Fatalf("status = %s, last error %q", got.Status, got.LastError)
	}
}

func TestRejectedRunLeavesActiveRunAlone(t *testing.T) {
	f := newFixture(t, 2, 1, 2, 3)
	c := f.campaign(t, models.CampaignSettings{})
	if err := f.campaigns.BeginRun(c.ID, 4); err != nil {
		t.Fatal(err)
	}

	if err := f.runner.Run(context.Background(), c.ID); !errors.Is(err, billing.ErrInsufficientCredits) {
		t.Fatalf("err = %v", err)
	}
	got, _ := f.campaigns.GetByID(c.ID)
	if got.Status != models.CampaignStatusProcessing || got.LastError != "" {
		t.Fatalf("status = %s, last error %q", got.Status, got.LastError)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("events = %+v", f.events.events)
	}
}

func TestRepeatedAttemptChargesOnce(t *testing.T) {
	f := newFixture(t, 1, 1, 1, 10)
	c := f.campaign(t, models.CampaignSettings{Strategy: models.StrategyBaseVariations, Variations: 2})

	for i := 0; i < 2; i++ {
		if err := f.runner.RunAttempt(context.Background(), c.ID, "job7"); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if balance, _ := f.credits.Balance(f.user.ID); balance != 7 {
			t.Fatalf("attempt %d: balance = %d, want 7", i, balance)
		}
	}
	got, _ := f.campaigns.GetByID(c.ID)
	if len(got.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(got.Results))
	}

	if err := f.runner.RunAttempt(context.Background(), c.ID, "job8"); err != nil {
		t.Fatal(err)
	}
	if balance, _ := f.credits.Balance(f.user.ID); balance != 4 {
		t.Fatalf("new attempt balance = %d, want 4", balance)
	}
}

func TestRunFailsWhenNothingProduced(t *testing.T) {
	f := newFixture(t, 1, 1, 1, 10)
	f.gen.failURLs["/static/uploads/p0.jpg"] = true
	c := f.campaign(t, models.CampaignSettings{})

	if err := f.runner.Run(context.Background(), c.ID); !errors.Is(err, ErrNoImages) {
		t.Fatalf("err = %v", err)
	}
	got, _ := f.campaigns.GetByID(c.ID)
	if got.Status != models.CampaignStatusFailed || got.GenerationStatus != models.GenerationStatusFailed {
		t.Fatalf("status = %s/%s", got.Status, got.GenerationStatus)
	}
	if n := f.count(t, &models.Generation{}, "status = ?", models.GenerationRowFailed); n != 1 {
		t.Fatalf("failed generation rows = %d", n)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, 1, 1, 1, 10)
	c := f.campaign(t, models.CampaignSettings{})
	if err := f.campaigns.BeginRun(c.ID, 1); err != nil {
		t.Fatal(err)
	}
	if err := f.runner.Run(context.Background(), c.ID); !errors.Is(err, repository.ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		name     string
		settings models.CampaignSettings
		want     int
	}{
		{"empty", models.CampaignSettings{}, 0},
		{"cross product", models.CampaignSettings{ProductIDs: []uint{1, 2}, ModelIDs: []uint{1}, SceneIDs: []uint{1, 2, 3}}, 6},
		{"label mode", models.CampaignSettings{ProductIDs: []uint{1, 2}, ModelIDs: []uint{1}, SceneIDs: []uint{1, 2, 3}, Mode: models.ModeLabel}, 3},
		{"poses", models.CampaignSettings{ProductIDs: []uint{1}, ModelIDs: []uint{1, 2}, SceneIDs: []uint{1}, SelectedPoses: map[uint][]int{1: {0, 1, 2}}}, 4},
		{"variations", models.CampaignSettings{ProductIDs: []uint{1}, ModelIDs: []uint{1}, SceneIDs: []uint{1, 2}, Strategy: models.StrategyBaseVariations}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.settings); got != tt.want {
				t.Fatalf("Estimate = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestVariationStrengths(t *testing.T) {
	if got := VariationStrengths(1); len(got) != 1 || got[0] < 0.5-1e-9 || got[0] > 0.5+1e-9 {
		t.Fatalf("VariationStrengths(1) = %v", got)
	}
	got := VariationStrengths(5)
	if len(got) != 5 || got[0] != 0.3 || got[4] < 0.7-1e-9 || got[4] > 0.7+1e-9 {
		t.Fatalf("VariationStrengths(5) = %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("strengths not increasing: %v", got)
		}
	}
}
