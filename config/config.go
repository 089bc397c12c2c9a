package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultUploadsSubDir   = "uploads"
	DefaultGeneratedSubDir = "generated"
	DefaultVideosSubDir    = "videos"
	DefaultArchivesSubDir  = "archives"
)

const (
	defaultJobQueueSize      = 200
	defaultNumJobWorkers     = 2
	defaultJobMaxAttempts    = 3
	defaultJobRetryBackoff   = 10
	defaultUploadMaxSize     = 2048
	defaultJWTExpiryHours    = 720
	defaultSignupCredits     = 20
	defaultProviderTimeout   = 180
	defaultPoseSweepInterval = 360
)

type Config struct {
	// server
	Port           string
	Env            string
	AllowedOrigins []string
	PublicBaseURL  string // externally reachable origin used when handing local assets to providers

	// database
	DatabaseDriver string // sqlite or postgres
	DatabaseDSN    string

	// media storage configuration
	MediaStoragePath string // primary root for uploaded and generated assets
	UploadsPath      string
	GeneratedPath    string
	VideosPath       string
	ArchivesPath     string
	UploadMaxSize    int // longest side in px after normalization

	// auth
	JWTSecret     string
	JWTExpiration time.Duration
	SignupCredits int

	// worker settings
	JobQueueSize      int
	NumJobWorkers     int
	JobMaxAttempts    int
	JobRetryBackoff   time.Duration
	PoseSweepInterval time.Duration

	// redis, optional: enables the shared job queue and pose cache
	RedisAddr     string
	RedisPassword string
	RedisUseTLS   bool

	// generation providers
	ProviderBackend      string // http or gemini
	ProviderBaseURL      string
	ProviderAPIKey       string
	GeminiAPIKey         string
	GeminiModel          string
	VideoProviderBaseURL string
	VideoProviderAPIKey  string
	ProviderTimeout      time.Duration

	// hosting of stable asset URLs
	HostingBackend     string // local, s3 or gcs
	S3Bucket           string
	S3Region           string
	GCSBucket          string
	GCSCredentialsFile string

	// credit costs
	CostImage         int
	CostVideoStandard int
	CostVideoHD       int
	CostPose          int
	CostAIModel       int

	// billing
	StripeSecretKey string
	StripeCurrency  string

	// mail
	SendGridAPIKey  string
	MailFromAddress string
	MailFromName    string

	// logging
	LogLevel  string
	LogFormat string
}

// IsDevelopment reports whether the service runs with development defaults.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvBoolOrDefault(envVar string, defaultVal bool) bool {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		log.Printf("Warning: Invalid %s '%s'. Using default %t.", envVar, valStr, defaultVal)
		return defaultVal
	}
	return val
}

func getEnvListOrDefault(envVar string, defaultVal []string) []string {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(valStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func LoadConfig() (Config, error) {
	env := getEnvOrDefault("APP_ENV", "development")

	mediaStorage := getEnvOrDefault("MEDIA_STORAGE_PATH", filepath.Join(".", "media_storage"))
	absMediaStorage, err := filepath.Abs(mediaStorage)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for media storage '%s': %w", mediaStorage, err)
	}

	cfg := Config{
		Port:           getEnvOrDefault("PORT", "8080"),
		Env:            env,
		AllowedOrigins: getEnvListOrDefault("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		PublicBaseURL:  strings.TrimRight(getEnvOrDefault("PUBLIC_BASE_URL", ""), "/"),

		DatabaseDriver: strings.ToLower(getEnvOrDefault("DB_DRIVER", "sqlite")),
		DatabaseDSN:    getEnvOrDefault("DATABASE_DSN", "campaignstudio.db"),

		MediaStoragePath: absMediaStorage,
		UploadsPath:      filepath.Join(absMediaStorage, getEnvOrDefault("UPLOADS_SUBDIR", DefaultUploadsSubDir)),
		GeneratedPath:    filepath.Join(absMediaStorage, getEnvOrDefault("GENERATED_SUBDIR", DefaultGeneratedSubDir)),
		VideosPath:       filepath.Join(absMediaStorage, getEnvOrDefault("VIDEOS_SUBDIR", DefaultVideosSubDir)),
		ArchivesPath:     filepath.Join(absMediaStorage, getEnvOrDefault("ARCHIVES_SUBDIR", DefaultArchivesSubDir)),
		UploadMaxSize:    getEnvIntOrDefault("UPLOAD_MAX_SIZE", defaultUploadMaxSize),

		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTExpiration: time.Duration(getEnvIntOrDefault("JWT_EXPIRATION_HOURS", defaultJWTExpiryHours)) * time.Hour,
		SignupCredits: getEnvIntOrDefault("SIGNUP_CREDITS", defaultSignupCredits),

		JobQueueSize:      getEnvIntOrDefault("JOB_QUEUE_SIZE", defaultJobQueueSize),
		NumJobWorkers:     getEnvIntOrDefault("NUM_JOB_WORKERS", defaultNumJobWorkers),
		JobMaxAttempts:    getEnvIntOrDefault("JOB_MAX_ATTEMPTS", defaultJobMaxAttempts),
		JobRetryBackoff:   time.Duration(getEnvIntOrDefault("JOB_RETRY_BACKOFF_SECONDS", defaultJobRetryBackoff)) * time.Second,
		PoseSweepInterval: time.Duration(getEnvIntOrDefault("POSE_SWEEP_INTERVAL_MINUTES", defaultPoseSweepInterval)) * time.Minute,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisUseTLS:   getEnvBoolOrDefault("REDIS_USE_TLS", false),

		ProviderBackend:      strings.ToLower(getEnvOrDefault("PROVIDER_BACKEND", "http")),
		ProviderBaseURL:      strings.TrimRight(getEnvOrDefault("PROVIDER_BASE_URL", "http://localhost:9000"), "/"),
		ProviderAPIKey:       os.Getenv("PROVIDER_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		GeminiModel:          getEnvOrDefault("GEMINI_MODEL", "gemini-2.5-flash-image"),
		VideoProviderBaseURL: strings.TrimRight(getEnvOrDefault("VIDEO_PROVIDER_BASE_URL", ""), "/"),
		VideoProviderAPIKey:  os.Getenv("VIDEO_PROVIDER_API_KEY"),
		ProviderTimeout:      time.Duration(getEnvIntOrDefault("PROVIDER_TIMEOUT_SECONDS", defaultProviderTimeout)) * time.Second,

		HostingBackend:     strings.ToLower(getEnvOrDefault("HOSTING_BACKEND", "local")),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3Region:           getEnvOrDefault("S3_REGION", "us-east-1"),
		GCSBucket:          os.Getenv("GCS_BUCKET"),
		GCSCredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),

		CostImage:         getEnvIntOrDefault("COST_IMAGE", 1),
		CostVideoStandard: getEnvIntOrDefault("COST_VIDEO_STANDARD", 5),
		CostVideoHD:       getEnvIntOrDefault("COST_VIDEO_HD", 10),
		CostPose:          getEnvIntOrDefault("COST_POSE", 1),
		CostAIModel:       getEnvIntOrDefault("COST_AI_MODEL", 2),

		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		StripeCurrency:  strings.ToLower(getEnvOrDefault("STRIPE_CURRENCY", "usd")),

		SendGridAPIKey:  os.Getenv("SENDGRID_API_KEY"),
		MailFromAddress: getEnvOrDefault("MAIL_FROM_ADDRESS", "no-reply@campaignstudio.app"),
		MailFromName:    getEnvOrDefault("MAIL_FROM_NAME", "Campaign Studio"),

		LogLevel:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "")),
	}

	if cfg.DatabaseDriver == "postgres" && os.Getenv("DATABASE_DSN") == "" {
		cfg.DatabaseDSN = "host=localhost user=postgres password=postgres dbname=campaignstudio port=5432 sslmode=disable"
	}
	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		log.Printf("Warning: JWT_SECRET not set, using an insecure development secret")
		cfg.JWTSecret = "development-only-secret"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements that defaults cannot satisfy.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when APP_ENV is %q", c.Env)
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (expected sqlite or postgres)", c.DatabaseDriver)
	}
	switch c.HostingBackend {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("HOSTING_BACKEND=s3 requires S3_BUCKET")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("HOSTING_BACKEND=gcs requires GCS_BUCKET")
		}
	default:
		return fmt.Errorf("unsupported HOSTING_BACKEND %q", c.HostingBackend)
	}
	switch c.ProviderBackend {
	case "http", "gemini":
	default:
		return fmt.Errorf("unsupported PROVIDER_BACKEND %q", c.ProviderBackend)
	}
	return nil
}
