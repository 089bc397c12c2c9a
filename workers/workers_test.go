package workers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/camden-git/campaignstudio/billing"
	"github.com/camden-git/campaignstudio/database"
	"github.com/camden-git/campaignstudio/generation"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLiteMemory(name)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func waitForJob(t *testing.T, jobs repository.JobRepository, id uint) *models.GenerationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.GetByID(id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Finished() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %d did not finish", id)
	return nil
}

func newRunner(t *testing.T, jobs repository.JobRepository, queue Queue, maxAttempts int) *JobRunner {
	t.Helper()
	r := NewJobRunner(jobs, queue, nil, Options{Workers: 2, MaxAttempts: maxAttempts, Backoff: 5 * time.Millisecond}, zap.NewNop())
	return r
}

func TestJobRunnerRetries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		permanent    bool
		maxAttempts  int
		wantStatus   string
		wantAttempts int
	}{
		{"first attempt succeeds", 0, false, 3, models.JobStatusSucceeded, 1},
		{"recovers after two failures", 2, false, 3, models.JobStatusSucceeded, 3},
		{"gives up at max attempts", 5, false, 2, models.JobStatusFailed, 2},
		{"permanent error is not retried", 5, true, 3, models.JobStatusFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := repository.NewGormJobRepository(openDB(t))
			r := newRunner(t, jobs, NewChanQueue(10), tt.maxAttempts)

			var calls int32
			r.Register(models.JobKindCampaign, func(_ context.Context, job *models.GenerationJob) (string, error) {
				n := atomic.AddInt32(&calls, 1)
				if int(n) <= tt.failures {
					err := fmt.Errorf("attempt %d failed", n)
					if tt.permanent {
						return "", Permanent(err)
					}
					return "", err
				}
				return "campaign:7", nil
			})
			if err := r.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer r.Stop()

			job, err := r.Enqueue(context.Background(), 1, models.JobKindCampaign, 7, nil)
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			done := waitForJob(t, jobs, job.ID)
			if done.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q (last error %q)", done.Status, tt.wantStatus, done.LastError)
			}
			if done.Attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", done.Attempts, tt.wantAttempts)
			}
			if tt.wantStatus == models.JobStatusSucceeded && done.ResultRef != "campaign:7" {
				t.Errorf("result ref = %q", done.ResultRef)
			}
		})
	}
}

func TestJobRunnerResumesUnfinished(t *testing.T) {
	jobs := repository.NewGormJobRepository(openDB(t))
	stale := &models.GenerationJob{UserID: 1, Kind: models.JobKindVideo, TargetID: 3, Status: models.JobStatusRunning, MaxAttempts: 3}
	if err := jobs.Create(stale); err != nil {
		t.Fatalf("create: %v", err)
	}

	r := newRunner(t, jobs, NewChanQueue(10), 3)
	seen := make(chan uint, 1)
	r.Register(models.JobKindVideo, func(_ context.Context, job *models.GenerationJob) (string, error) {
		seen <- job.TargetID
		return "ok", nil
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	done := waitForJob(t, jobs, stale.ID)
	if done.Status != models.JobStatusSucceeded {
		t.Fatalf("status = %q", done.Status)
	}
	if got := <-seen; got != 3 {
		t.Errorf("target = %d, want 3", got)
	}
}

func TestEnqueueErrors(t *testing.T) {
	jobs := repository.NewGormJobRepository(openDB(t))
	r := newRunner(t, jobs, NewChanQueue(1), 3)
	r.Register(models.JobKindPoses, func(context.Context, *models.GenerationJob) (string, error) { return "", nil })

	if _, err := r.Enqueue(context.Background(), 1, "mystery", 1, nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind err = %v", err)
	}

	// workers are not started, so the second job cannot fit
	if _, err := r.Enqueue(context.Background(), 1, models.JobKindPoses, 1, nil); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	job, err := r.Enqueue(context.Background(), 1, models.JobKindPoses, 2, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	stored, _ := jobs.GetByID(job.ID)
	if stored.Status != models.JobStatusFailed {
		t.Errorf("status = %q, want failed", stored.Status)
	}
}

func TestQueueJobDedupesPending(t *testing.T) {
	q := NewChanQueue(10)
	r := newRunner(t, repository.NewGormJobRepository(openDB(t)), q, 3)
	for i := 0; i < 3; i++ {
		if err := r.QueueJob(context.Background(), 42); err != nil {
			t.Fatalf("QueueJob: %v", err)
		}
	}
	if n := len(q.ch); n != 1 {
		t.Errorf("queued %d copies, want 1", n)
	}
}

type invalidations struct {
	mu  sync.Mutex
	ids []uint
}

func (i *invalidations) Invalidate(_ context.Context, modelID uint) {
	i.mu.Lock()
	i.ids = append(i.ids, modelID)
	i.mu.Unlock()
}

func poseServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone":
			w.WriteHeader(http.StatusGone)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Header().Set("Content-Type", "image/png")
		}
	}))
}

func TestPoseSweeperBlanksExpired(t *testing.T) {
	srv := poseServer()
	defer srv.Close()

	db := openDB(t)
	modelsRepo := repository.NewGormModelRepository(db)
	m := &models.FashionModel{UserID: 1, Name: "Ava", ImageURL: "/static/uploads/ava.png", Poses: []string{
		srv.URL + "/ok",
		srv.URL + "/gone",
		"/static/generated/local.png",
		srv.URL + "/forbidden",
		srv.URL + "/flaky",
	}}
	if err := modelsRepo.Create(m); err != nil {
		t.Fatalf("create model: %v", err)
	}

	inv := &invalidations{}
	sweeper := NewPoseSweeper(modelsRepo, inv, srv.Client(), time.Hour, zap.NewNop())
	if blanked := sweeper.Sweep(context.Background()); blanked != 2 {
		t.Fatalf("blanked = %d, want 2", blanked)
	}

	got, _ := modelsRepo.GetByID(m.ID)
	want := []string{srv.URL + "/ok", "", "/static/generated/local.png", "", srv.URL + "/flaky"}
	if strings.Join(got.Poses, ",") != strings.Join(want, ",") {
		t.Errorf("poses = %v, want %v", got.Poses, want)
	}
	if len(inv.ids) != 1 || inv.ids[0] != m.ID {
		t.Errorf("invalidations = %v", inv.ids)
	}

	if blanked := sweeper.Sweep(context.Background()); blanked != 0 {
		t.Errorf("second sweep blanked %d", blanked)
	}
}

// appendingStore adds a pose right after the sweeper has listed models,
// like an upload landing mid-sweep.
type appendingStore struct {
	*repository.GormModelRepository
	modelID uint
	url     string
}

func (s *appendingStore) ListWithPoses() ([]models.FashionModel, error) {
	list, err := s.GormModelRepository.ListWithPoses()
	if err != nil {
		return nil, err
	}
	_, err = s.AppendPoses(s.modelID, []string{s.url})
	return list, err
}

func TestPoseSweeperKeepsConcurrentAppends(t *testing.T) {
	srv := poseServer()
	defer srv.Close()

	db := openDB(t)
	modelsRepo := repository.NewGormModelRepository(db)
	m := &models.FashionModel{UserID: 1, Name: "Ava", ImageURL: "/static/uploads/ava.png", Poses: []string{
		srv.URL + "/gone",
		srv.URL + "/ok",
	}}
	if err := modelsRepo.Create(m); err != nil {
		t.Fatalf("create model: %v", err)
	}

	store := &appendingStore{GormModelRepository: modelsRepo.(*repository.GormModelRepository), modelID: m.ID, url: "/static/generated/new.png"}
	sweeper := NewPoseSweeper(store, &invalidations{}, srv.Client(), time.Hour, zap.NewNop())
	if blanked := sweeper.Sweep(context.Background()); blanked != 1 {
		t.Fatalf("blanked = %d, want 1", blanked)
	}

	got, _ := modelsRepo.GetByID(m.ID)
	want := []string{"", srv.URL + "/ok", "/static/generated/new.png"}
	if strings.Join(got.Poses, ",") != strings.Join(want, ",") {
		t.Errorf("poses = %v, want %v", got.Poses, want)
	}
}

type fakeImages struct {
	failEvery int
	calls     int
}

func (f *fakeImages) GenerateImage(_ context.Context, prompt string, _ ...string) generation.Result {
	f.calls++
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		return generation.Result{URL: "/static/generated/placeholder.png", Status: generation.StatusFailed, Err: errors.New("busy")}
	}
	return generation.Result{URL: fmt.Sprintf("/static/generated/pose-%d.png", f.calls), Status: generation.StatusSuccess}
}

type fakeDebiter struct {
	balance int
	refs    []string
}

func (d *fakeDebiter) Debit(_ uint, amount int, _, reference string) (int, error) {
	if d.balance < amount {
		return d.balance, billing.ErrInsufficientCredits
	}
	d.balance -= amount
	d.refs = append(d.refs, reference)
	return d.balance, nil
}

func TestPoseTask(t *testing.T) {
	tests := []struct {
		name       string
		count      float64
		failEvery  int
		balance    int
		cost       int
		wantPoses  int
		wantErr    bool
		permanent  bool
		wantStatus string
	}{
		{"all poses", 3, 0, 10, 1, 3, false, false, models.GenerationRowCompleted},
		{"one provider failure", 4, 2, 10, 1, 2, false, false, models.GenerationRowDegraded},
		{"credits run out", 4, 0, 2, 1, 2, true, true, models.GenerationRowDegraded},
		{"count is capped", 50, 0, 50, 1, MaxPoseCount, false, false, models.GenerationRowCompleted},
		{"free poses", 2, 0, 0, 0, 2, false, false, models.GenerationRowCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openDB(t)
			modelsRepo := repository.NewGormModelRepository(db)
			gens := repository.NewGormGenerationRepository(db)
			m := &models.FashionModel{UserID: 9, Name: "Noor", Gender: "female", ImageURL: "/static/uploads/noor.png"}
			if err := modelsRepo.Create(m); err != nil {
				t.Fatalf("create model: %v", err)
			}
			inv := &invalidations{}
			debits := &fakeDebiter{balance: tt.balance}
			task := &PoseTask{
				Models: modelsRepo, Generations: gens, Images: &fakeImages{failEvery: tt.failEvery},
				Credits: debits, Cache: inv, Cost: tt.cost, Log: zap.NewNop(),
			}
			job := &models.GenerationJob{ID: 5, UserID: 9, Kind: models.JobKindPoses, TargetID: m.ID,
				Payload: map[string]interface{}{"count": tt.count}}

			ref, err := task.Handle(context.Background(), job)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v", IsPermanent(err), tt.permanent)
			}
			if err == nil && !strings.HasPrefix(ref, "generation:") {
				t.Errorf("ref = %q", ref)
			}

			stored, _ := modelsRepo.GetByID(m.ID)
			if len(stored.Poses) != tt.wantPoses {
				t.Errorf("poses = %d, want %d", len(stored.Poses), tt.wantPoses)
			}
			wantDebits := tt.wantPoses
			if tt.cost == 0 {
				wantDebits = 0
			}
			if len(debits.refs) != wantDebits {
				t.Errorf("debits = %v, want %d", debits.refs, wantDebits)
			}
			if tt.wantPoses > 0 && len(inv.ids) != 1 {
				t.Errorf("invalidations = %v", inv.ids)
			}

			list, _ := gens.List(database.GenerationFilter{UserID: 9})
			if len(list) != 1 || list[0].Status != tt.wantStatus {
				t.Errorf("history = %+v", list)
			}
		})
	}
}

type stubRunner struct {
	err  error
	keys []string
}

func (s *stubRunner) RunAttempt(_ context.Context, _ uint, runKey string) error {
	s.keys = append(s.keys, runKey)
	return s.err
}

func TestCampaignTaskClassifiesErrors(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
	}{
		{repository.ErrAlreadyRunning, true},
		{fmt.Errorf("%w: need 4, have 1", billing.ErrInsufficientCredits), true},
		{errors.New("provider outage"), false},
	}
	for _, tt := range tests {
		_, err := CampaignTask(&stubRunner{err: tt.err})(context.Background(), &models.GenerationJob{TargetID: 1})
		if IsPermanent(err) != tt.permanent {
			t.Errorf("%v: permanent = %v, want %v", tt.err, IsPermanent(err), tt.permanent)
		}
	}
	ref, err := CampaignTask(&stubRunner{})(context.Background(), &models.GenerationJob{TargetID: 12})
	if err != nil || ref != "campaign:12" {
		t.Errorf("ref = %q, err = %v", ref, err)
	}
}

func TestCampaignTaskReusesRunKeyAcrossAttempts(t *testing.T) {
	runner := &stubRunner{err: errors.New("provider outage")}
	task := CampaignTask(runner)
	job := &models.GenerationJob{ID: 7, TargetID: 3}
	task(context.Background(), job)
	job.Attempts++
	task(context.Background(), job)
	other := &models.GenerationJob{ID: 8, TargetID: 3}
	task(context.Background(), other)

	if len(runner.keys) != 3 || runner.keys[0] != runner.keys[1] || runner.keys[0] == runner.keys[2] {
		t.Fatalf("run keys = %v", runner.keys)
	}
}

type fakeVideos struct {
	result  generation.Result
	sources []string
}

func (f *fakeVideos) GenerateVideo(_ context.Context, imageURL string, _ generation.VideoOptions) generation.Result {
	f.sources = append(f.sources, imageURL)
	return f.result
}

func TestVideoTask(t *testing.T) {
	const (
		first  = "/static/generated/look-1.png"
		latest = "/static/generated/look-2.png"
		clip   = "/static/generated/clip.mp4"
	)
	ok := generation.Result{URL: clip, Status: generation.StatusSuccess}
	tests := []struct {
		name       string
		payload    map[string]interface{}
		result     generation.Result
		costSD     int
		wantSource string
		wantCharge int
		wantErr    bool
		permanent  bool
	}{
		{"standard resolution", nil, ok, 5, latest, 5, false, false},
		{"hd resolution", map[string]interface{}{"resolution": "1080p"}, ok, 5, latest, 10, false, false},
		{"chosen output", map[string]interface{}{"image_url": first}, ok, 5, first, 5, false, false},
		{"foreign image", map[string]interface{}{"image_url": "http://169.254.169.254/latest"}, ok, 5, "", 0, true, true},
		{"source is not an image", nil, generation.Result{Status: generation.StatusFailed, Err: generation.ErrSourceNotImage}, 5, latest, 0, true, true},
		{"provider failure", nil, generation.Result{Status: generation.StatusFailed, Err: errors.New("quota exceeded")}, 5, latest, 0, true, false},
		{"free video", nil, ok, 0, latest, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openDB(t)
			gens := repository.NewGormGenerationRepository(db)
			gen := &models.Generation{UserID: 9, Mode: models.GenerationModeCampaign,
				OutputURLs: []string{first, latest}, Status: models.GenerationRowCompleted}
			if err := gens.Create(gen); err != nil {
				t.Fatalf("create generation: %v", err)
			}
			videos := &fakeVideos{result: tt.result}
			debits := &fakeDebiter{balance: 100}
			task := &VideoTask{Generations: gens, Videos: videos, Credits: debits,
				CostSD: tt.costSD, CostHD: 10, Log: zap.NewNop()}
			job := &models.GenerationJob{ID: 31, UserID: 9, Kind: models.JobKindVideo, TargetID: gen.ID, Payload: tt.payload}

			ref, err := task.Handle(context.Background(), job)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v", IsPermanent(err), tt.permanent)
			}

			if tt.wantSource == "" {
				if len(videos.sources) != 0 {
					t.Errorf("provider called with %v", videos.sources)
				}
			} else if len(videos.sources) != 1 || videos.sources[0] != tt.wantSource {
				t.Errorf("sources = %v, want %s", videos.sources, tt.wantSource)
			}

			if spent := 100 - debits.balance; spent != tt.wantCharge {
				t.Errorf("charged %d, want %d", spent, tt.wantCharge)
			}
			if tt.wantCharge > 0 && (len(debits.refs) != 1 || debits.refs[0] != "video:31") {
				t.Errorf("debit refs = %v", debits.refs)
			}

			stored, _ := gens.GetByID(gen.ID)
			if tt.wantErr {
				if len(stored.VideoURLs) != 0 {
					t.Errorf("video urls = %v", stored.VideoURLs)
				}
				return
			}
			if ref != clip || len(stored.VideoURLs) != 1 || stored.VideoURLs[0] != clip {
				t.Errorf("ref = %q, video urls = %v", ref, stored.VideoURLs)
			}
		})
	}
}

func TestVideoCost(t *testing.T) {
	if got := VideoCost(ResolutionHD, 5, 10); got != 10 {
		t.Errorf("hd cost = %d", got)
	}
	if got := VideoCost("480p", 5, 10); got != 5 {
		t.Errorf("fallback cost = %d", got)
	}
}
