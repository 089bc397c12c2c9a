package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/camden-git/campaignstudio/models"
	"go.uber.org/zap"
)

const DefaultPoseTTL = 10 * time.Minute

// ModelLoader is the persistent source of pose lists.
type ModelLoader interface {
	GetByID(id uint) (*models.FashionModel, error)
}

// PoseCache is a read-through cache of each model's pose URLs. Writers call
// Invalidate after changing a pose list.
type PoseCache struct {
	backend Backend
	loader  ModelLoader
	ttl     time.Duration
	log     *zap.Logger
}

func NewPoseCache(backend Backend, loader ModelLoader, ttl time.Duration, log *zap.Logger) *PoseCache {
	if ttl <= 0 {
		ttl = DefaultPoseTTL
	}
	return &PoseCache{backend: backend, loader: loader, ttl: ttl, log: log.Named("cache.poses")}
}

func poseKey(modelID uint) string {
	return "poses:" + strconv.FormatUint(uint64(modelID), 10)
}

// Poses returns the pose URLs of a model. Backend errors fall through to the
// loader so a cache outage only costs latency.
func (c *PoseCache) Poses(ctx context.Context, modelID uint) ([]string, error) {
	key := poseKey(modelID)
	if poses, ok, err := c.backend.Get(ctx, key); err != nil {
		c.log.Warn("pose cache read failed", zap.Uint("model_id", modelID), zap.Error(err))
	} else if ok {
		return poses, nil
	}

	model, err := c.loader.GetByID(modelID)
	if err != nil {
		return nil, err
	}
	poses := model.Poses
	if poses == nil {
		poses = []string{}
	}
	if err := c.backend.Set(ctx, key, poses, c.ttl); err != nil {
		c.log.Warn("pose cache write failed", zap.Uint("model_id", modelID), zap.Error(err))
	}
	return poses, nil
}

// Invalidate drops the cached pose list of a model.
func (c *PoseCache) Invalidate(ctx context.Context, modelID uint) {
	if err := c.backend.Delete(ctx, poseKey(modelID)); err != nil {
		c.log.Warn("pose cache invalidation failed", zap.Uint("model_id", modelID), zap.Error(err))
	}
}
