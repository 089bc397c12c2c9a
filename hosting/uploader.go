package hosting

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/camden-git/campaignstudio/config"
	"github.com/camden-git/campaignstudio/media"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Uploader stores a blob and returns a URL that external providers can fetch.
type Uploader interface {
	Upload(ctx context.Context, key string, contentType string, data io.Reader) (string, error)
}

// presignExpiry bounds how long an S3 link stays valid. Providers fetch
// inputs within minutes of a request.
const presignExpiry = 6 * time.Hour

// NewUploader builds the uploader selected by HOSTING_BACKEND.
func NewUploader(ctx context.Context, cfg config.Config, store media.Store, log *zap.Logger) (Uploader, error) {
	switch cfg.HostingBackend {
	case "s3":
		return NewS3Uploader(ctx, cfg.S3Bucket, cfg.S3Region, log)
	case "gcs":
		return NewGCSUploader(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile, log)
	default:
		return NewLocalUploader(store, cfg.PublicBaseURL), nil
	}
}

// LocalUploader writes into the media store. The returned URL is absolute
// when a public base URL is configured, otherwise the local /static path.
type LocalUploader struct {
	store   media.Store
	baseURL string
}

func NewLocalUploader(store media.Store, publicBaseURL string) *LocalUploader {
	return &LocalUploader{store: store, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (u *LocalUploader) Upload(_ context.Context, key string, contentType string, data io.Reader) (string, error) {
	assetType := media.AssetTypeGenerated
	if strings.HasPrefix(contentType, "video/") {
		assetType = media.AssetTypeVideo
	}
	dir := path.Dir(key)
	if dir == "." {
		dir = ""
	}
	rel, err := u.store.Save(assetType, dir, path.Base(key), data)
	if err != nil {
		return "", fmt.Errorf("failed to store hosted asset: %w", err)
	}
	return u.baseURL + media.URLForPath(rel), nil
}

type S3Uploader struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	log     *zap.Logger
}

func NewS3Uploader(ctx context.Context, bucket, region string, log *zap.Logger) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	log.Named("hosting.s3").Info("S3 hosting initialized", zap.String("bucket", bucket), zap.String("region", region))
	return &S3Uploader{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		log:     log.Named("hosting.s3"),
	}, nil
}

// Upload puts the object and returns a presigned GET URL for it.
func (u *S3Uploader) Upload(ctx context.Context, key string, contentType string, data io.Reader) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}

	req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	u.log.Debug("uploaded object", zap.String("key", key))
	return req.URL, nil
}

type GCSUploader struct {
	client *storage.Client
	bucket string
	log    *zap.Logger
}

func NewGCSUploader(ctx context.Context, bucket, credentialsFile string, log *zap.Logger) (*GCSUploader, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	log.Named("hosting.gcs").Info("GCS hosting initialized", zap.String("bucket", bucket))
	return &GCSUploader{client: client, bucket: bucket, log: log.Named("hosting.gcs")}, nil
}

// Upload writes the object and returns its public URL. The bucket is
// expected to grant allUsers read access.
func (u *GCSUploader) Upload(ctx context.Context, key string, contentType string, data io.Reader) (string, error) {
	wc := u.client.Bucket(u.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := io.Copy(wc, data); err != nil {
		wc.Close()
		return "", fmt.Errorf("failed to write %s to GCS: %w", key, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s in GCS: %w", key, err)
	}
	u.log.Debug("uploaded object", zap.String("key", key))
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", u.bucket, key), nil
}

// Close releases the GCS client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
