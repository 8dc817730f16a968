package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	appconfig "github.com/trainhub/portal/config"
)

// FolderQuestions is the S3 prefix for option images.
const FolderQuestions = "questions"

var ErrInvalidKey = errors.New("invalid object key")

// AllowedImageExtensions maps option image extensions to MIME types.
var AllowedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
}

// S3 signs read URLs for question option images. Images are uploaded by the authoring
// tools; the portal only hands out short-lived GET links.
type S3 struct {
	presign *s3.PresignClient
	bucket  string
	expire  time.Duration
	logger  *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or the environment
// (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY), falling back to the default chain.
func NewS3(ctx context.Context, cfg appconfig.AWSConfig, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using static credentials",
			zap.String("region", cfg.Region),
			zap.String("bucket", cfg.QuestionImagesBucket),
		)
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	expire := time.Duration(cfg.PresignExpireMinutes) * time.Minute
	if expire <= 0 {
		expire = 15 * time.Minute
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.QuestionImagesBucket,
		expire:  expire,
		logger:  logger,
	}, nil
}

// QuestionImageKey returns the object key: questions/{assessment_id}/{filename}.
func QuestionImageKey(assessmentID, filename string) string {
	return path.Join(FolderQuestions, assessmentID, path.Base(filename))
}

// ValidateImageKey checks that key is a clean path under the questions prefix with an image extension.
func ValidateImageKey(key string) error {
	if key == "" || path.Clean(key) != key || !strings.HasPrefix(key, FolderQuestions+"/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if _, ok := AllowedImageExtensions[strings.ToLower(path.Ext(key))]; !ok {
		return fmt.Errorf("%w: unsupported extension %q", ErrInvalidKey, path.Ext(key))
	}
	return nil
}

// SignImage returns a pre-signed GET URL for an option image.
func (s *S3) SignImage(ctx context.Context, key string) (string, error) {
	if err := ValidateImageKey(key); err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.expire
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}
