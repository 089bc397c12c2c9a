package workers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/camden-git/campaignstudio/models"
	"go.uber.org/zap"
)

type PoseStore interface {
	ListWithPoses() ([]models.FashionModel, error)
	ExpirePoses(id uint, urls []string) (int, error)
}

// PoseSweeper periodically blanks pose URLs whose provider links have
// expired. Blanked entries keep their slot so pose indexes stay stable.
// Locally stored poses are never checked.
type PoseSweeper struct {
	store    PoseStore
	cache    PoseInvalidator
	client   *http.Client
	interval time.Duration
	log      *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func NewPoseSweeper(store PoseStore, cache PoseInvalidator, client *http.Client, interval time.Duration, log *zap.Logger) *PoseSweeper {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &PoseSweeper{
		store:    store,
		cache:    cache,
		client:   client,
		interval: interval,
		log:      log.Named("pose_sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *PoseSweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *PoseSweeper) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Sweep checks every external pose once and returns how many were blanked.
func (s *PoseSweeper) Sweep(ctx context.Context) int {
	list, err := s.store.ListWithPoses()
	if err != nil {
		s.log.Error("failed to list models with poses", zap.Error(err))
		return 0
	}

	blanked := 0
	for _, m := range list {
		var gone []string
		for _, u := range m.Poses {
			if ctx.Err() != nil {
				return blanked
			}
			if u == "" || !s.expired(ctx, u) {
				continue
			}
			s.log.Info("expiring pose", zap.Uint("model_id", m.ID), zap.String("url", u))
			gone = append(gone, u)
		}
		if len(gone) == 0 {
			continue
		}
		n, err := s.store.ExpirePoses(m.ID, gone)
		if err != nil {
			s.log.Error("failed to store swept poses", zap.Uint("model_id", m.ID), zap.Error(err))
			continue
		}
		s.cache.Invalidate(ctx, m.ID)
		blanked += n
	}
	if blanked > 0 {
		s.log.Info("pose sweep finished", zap.Int("blanked", blanked))
	}
	return blanked
}

// expired is true only for answers that mean the link is gone for good.
// Network errors and 5xx keep the pose.
func (s *PoseSweeper) expired(ctx context.Context, url string) bool {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debug("pose check failed", zap.String("url", url), zap.Error(err))
		return false
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}
