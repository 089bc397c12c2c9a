package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/camden-git/campaignstudio/config"
	"github.com/camden-git/campaignstudio/models"
)

// InitGormDB opens the configured database and returns a GORM instance.
func InitGormDB(cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	logLevel := logger.Warn
	if cfg.IsDevelopment() {
		logLevel = logger.Info
	}
	gormLogger := logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseDSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database using GORM: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}

	if cfg.DatabaseDriver == "sqlite" {
		// sqlite serializes writers; a single connection avoids "database is locked"
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			log.Warn("failed to enable sqlite foreign keys", zap.Error(err))
		}
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("GORM database initialized", zap.String("driver", cfg.DatabaseDriver))
	return db, nil
}

// AutoMigrateModels migrates every table the service owns.
func AutoMigrateModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.User{},
		&models.Product{},
		&models.FashionModel{},
		&models.Scene{},
		&models.Campaign{},
		&models.Generation{},
		&models.GenerationProduct{},
		&models.GenerationResult{},
		&models.GenerationJob{},
		&models.CreditTransaction{},
		&models.Payment{},
	)
	if err != nil {
		return fmt.Errorf("GORM AutoMigrate failed: %w", err)
	}
	return nil
}

// StandardScene describes a shared background seeded at startup.
type StandardScene struct {
	Name        string
	Description string
	ImageURL    string
}

// DefaultStandardScenes are available to every user and cannot be deleted.
var DefaultStandardScenes = []StandardScene{
	{Name: "Studio White", Description: "Seamless white cyclorama with soft key light", ImageURL: "/static/uploads/standard/studio-white.jpg"},
	{Name: "Urban Street", Description: "Daylight city sidewalk with shallow depth of field", ImageURL: "/static/uploads/standard/urban-street.jpg"},
	{Name: "Beach Sunset", Description: "Golden hour shoreline", ImageURL: "/static/uploads/standard/beach-sunset.jpg"},
	{Name: "Minimal Loft", Description: "Concrete loft interior with large windows", ImageURL: "/static/uploads/standard/minimal-loft.jpg"},
}

// SeedStandardScenes inserts missing standard scenes, matched by name.
func SeedStandardScenes(db *gorm.DB, scenes []StandardScene) (int, error) {
	created := 0
	for _, s := range scenes {
		var count int64
		if err := db.Model(&models.Scene{}).Where("is_standard = ? AND name = ?", true, s.Name).Count(&count).Error; err != nil {
			return created, fmt.Errorf("failed to check standard scene %q: %w", s.Name, err)
		}
		if count > 0 {
			continue
		}
		scene := models.Scene{
			Owner:       models.SystemOwner,
			Name:        s.Name,
			Description: s.Description,
			ImageURL:    s.ImageURL,
			IsStandard:  true,
		}
		if err := db.Create(&scene).Error; err != nil {
			return created, fmt.Errorf("failed to seed standard scene %q: %w", s.Name, err)
		}
		created++
	}
	return created, nil
}

// OpenSQLiteMemory opens a migrated, shared-cache in-memory database. name
// isolates databases from each other within one process.
func OpenSQLiteMemory(name string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrateModels(db); err != nil {
		return nil, err
	}
	return db, nil
}
