package services

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// CoverService stores quest cover images in a Spaces bucket. The object key
// is derived from the quest id, so re-uploading a cover overwrites the old
// one and deleting a quest needs no key bookkeeping.
type CoverService struct {
	client *s3.Client
	bucket string
	region string
	root   string
}

type CoverConfig struct {
	Key    string `toml:"key"`
	Secret string `toml:"secret"`
	Region string `toml:"region"`
	Bucket string `toml:"bucket"`
	Root   string `toml:"root"`
}

func NewCoverService(ctx context.Context, cfg CoverConfig) (*CoverService, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: fmt.Sprintf("https://%s.digitaloceanspaces.com", region),
		}, nil
	})

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, "")),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load Spaces config: %w", err)
	}

	return &CoverService{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		region: cfg.Region,
		root:   strings.Trim(cfg.Root, "/"),
	}, nil
}

func (s *CoverService) key(questID string) string {
	if s.root == "" {
		return fmt.Sprintf("covers/%s.jpg", questID)
	}
	return fmt.Sprintf("%s/covers/%s.jpg", s.root, questID)
}

// URL returns the public URL a quest's cover is served from.
func (s *CoverService) URL(questID string) string {
	return fmt.Sprintf("https://%s.%s.digitaloceanspaces.com/%s", s.bucket, s.region, s.key(questID))
}

// Upload stores a cover image and returns its public URL.
func (s *CoverService) Upload(ctx context.Context, questID string, body io.Reader, contentType string) (string, error) {
	key := s.key(questID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        body,
		ContentType: &contentType,
		ACL:         "public-read",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload cover for quest %s: %w", questID, err)
	}
	return s.URL(questID), nil
}

// Delete removes a quest's cover image. Deleting a missing cover is not an
// error.
func (s *CoverService) Delete(ctx context.Context, questID string) error {
	key := s.key(questID)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("failed to delete cover for quest %s: %w", questID, err)
	}
	return nil
}
