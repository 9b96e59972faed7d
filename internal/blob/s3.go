package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var errS3Disabled = errors.New("blob: s3 backend is not configured")

// S3Config S3 兼容存储配置
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKeyID   string
	SecretKey     string
	UsePathStyle  bool
	PublicBaseURL string
}

// S3Store S3 兼容存储
type S3Store struct {
	bucket   string
	baseURL  string
	client   *s3.Client
	logger   *slog.Logger
	disabled bool
}

// NewS3Store 创建 S3 存储，缺少 bucket 或凭证时进入禁用状态
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	s := &S3Store{
		bucket: strings.TrimSpace(cfg.Bucket),
		logger: slog.Default().With("component", "s3-blob"),
	}
	if s.bucket == "" || strings.TrimSpace(cfg.AccessKeyID) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		s.logger.Warn("S3 bucket or credentials not set, uploads disabled")
		s.disabled = true
		return s, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	s.baseURL = cfg.PublicBaseURL
	if s.baseURL == "" {
		if cfg.Endpoint != "" {
			s.baseURL = strings.TrimSuffix(cfg.Endpoint, "/") + "/" + s.bucket
		} else {
			s.baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", s.bucket, cfg.Region)
		}
	}
	s.baseURL = strings.TrimSuffix(s.baseURL, "/") + "/"
	return s, nil
}

// Put 上传对象
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s.disabled {
		return "", errS3Disabled
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	return s.baseURL + key, nil
}

// Get 下载对象
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	if s.disabled {
		return nil, "", errS3Disabled
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", err
	}
	return data, aws.ToString(out.ContentType), nil
}

// Ping HeadBucket 检查
func (s *S3Store) Ping(ctx context.Context) error {
	if s.disabled {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
