// Package publish uploads export files to object storage.
package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/market-history/internal/logger"
)

// S3Config configures an S3Publisher. Static credentials are optional; the
// default AWS credential chain is used without them.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	Timeout         time.Duration
}

// putter is the part of *s3.Client the publisher uses.
type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher uploads export files under <prefix>/<region>/<file name>.
type S3Publisher struct {
	cfg    S3Config
	client putter
	log    *logger.Entry
}

// NewS3Publisher builds an S3 client from cfg.
func NewS3Publisher(ctx context.Context, cfg S3Config) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("publish: bucket is required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Publisher(cfg, client), nil
}

func newS3Publisher(cfg S3Config, client putter) *S3Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &S3Publisher{cfg: cfg, client: client, log: logger.GetLogger().WithComponent("publish")}
}

// Key returns the object key a file of a region is stored under.
func (p *S3Publisher) Key(region, file string) string {
	return path.Join(strings.Trim(p.cfg.Prefix, "/"), region, filepath.Base(file))
}

// Publish uploads the file at localPath and returns its object key.
func (p *S3Publisher) Publish(ctx context.Context, region, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read export: %w", err)
	}
	sum := sha256.Sum256(data)
	key := p.Key(region, localPath)

	contentType := "text/x-lua"
	if strings.EqualFold(filepath.Ext(localPath), ".xlsx") {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"region": region,
			"sha256": hex.EncodeToString(sum[:]),
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if _, err := p.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload %s to s3://%s/%s: %w", localPath, p.cfg.Bucket, key, err)
	}
	p.log.WithFields(logger.Fields{"bucket": p.cfg.Bucket, "key": key, "bytes": len(data)}).Info("export published")
	return key, nil
}
