package repository

import (
	"errors"
	"time"

	"github.com/camden-git/campaignstudio/database"
	"github.com/camden-git/campaignstudio/models"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrAlreadyRunning = errors.New("campaign generation already running")
	ErrStandardScene  = errors.New("standard scenes cannot be modified")
	ErrPoseIndex      = errors.New("pose index out of range")
)

// UserRepository defines the methods for user data operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	Update(user *models.User) error
	UpdatePassword(id uint, passwordHash string) error
}

// ProductRepository defines the methods for product data operations
type ProductRepository interface {
	Create(product *models.Product) error
	GetForUser(id, userID uint) (*models.Product, error)
	ListByUser(userID uint) ([]models.Product, error)
	ListByIDs(userID uint, ids []uint) ([]models.Product, error)
	Update(product *models.Product) error
	Delete(id, userID uint) error
}

// ModelRepository defines the methods for fashion model data operations
type ModelRepository interface {
	Create(model *models.FashionModel) error
	GetByID(id uint) (*models.FashionModel, error)
	GetForUser(id, userID uint) (*models.FashionModel, error)
	ListByUser(userID uint) ([]models.FashionModel, error)
	ListByIDs(userID uint, ids []uint) ([]models.FashionModel, error)
	ListWithPoses() ([]models.FashionModel, error)
	Update(model *models.FashionModel) error
	Delete(id, userID uint) error

	// pose list management
	AppendPoses(id uint, urls []string) ([]string, error)
	RemovePose(id, userID uint, index int) ([]string, error)
	ExpirePoses(id uint, urls []string) (int, error)
}

// SceneRepository defines the methods for scene data operations. Standard
// scenes are visible to every user.
type SceneRepository interface {
	Create(scene *models.Scene) error
	GetAccessible(id, userID uint) (*models.Scene, error)
	ListAccessible(userID uint) ([]models.Scene, error)
	ListByIDs(userID uint, ids []uint) ([]models.Scene, error)
	Delete(id, userID uint) error
}

// CampaignRepository defines the methods for campaign data operations
type CampaignRepository interface {
	Create(campaign *models.Campaign) error
	GetByID(id uint) (*models.Campaign, error)
	GetForUser(id, userID uint) (*models.Campaign, error)
	ListByUser(userID uint) ([]models.Campaign, error)
	Update(campaign *models.Campaign) error
	Delete(id, userID uint) error

	// run state
	BeginRun(id uint, total int) error
	UpdateProgress(id uint, progress int) error
	Finish(id uint, status, generationStatus, lastError string) error
	Reject(id uint, lastError string) (bool, error)
	ResetInterrupted() (int64, error)

	// results
	AddResult(result *models.GenerationResult) error
	ClearResults(campaignID uint) error
}

// GenerationRepository defines the methods for generation history operations
type GenerationRepository interface {
	Create(generation *models.Generation) error
	Update(generation *models.Generation) error
	GetByID(id uint) (*models.Generation, error)
	GetForUser(id, userID uint) (*models.Generation, error)
	List(filter database.GenerationFilter) ([]models.Generation, error)
	AppendVideoURL(id uint, url string) error
}

// JobRepository defines the methods for durable job records
type JobRepository interface {
	Create(job *models.GenerationJob) error
	GetByID(id uint) (*models.GenerationJob, error)
	GetForUser(id, userID uint) (*models.GenerationJob, error)
	MarkRunning(id uint) (*models.GenerationJob, error)
	MarkSucceeded(id uint, resultRef string) error
	MarkRetrying(id uint, lastError string, nextRunAt time.Time) error
	MarkFailed(id uint, lastError string) error
	ListUnfinished() ([]models.GenerationJob, error)
}
