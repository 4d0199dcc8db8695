// Package docstore stores applicant documents in S3-compatible object
// storage. Objects are keyed by workflow so a workflow's full document
// bundle can be listed and assembled in one pass.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Store reads and writes document objects for workflows.
type Store struct {
	logger zerolog.Logger
	client *s3.Client
	bucket string
}

// Options configures the S3 endpoint and credentials.
type Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

// New creates a Store against an S3-compatible endpoint.
func New(logger zerolog.Logger, opts Options) *Store {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(opts.Endpoint),
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		UsePathStyle: true,
	})
	return &Store{
		logger: logger.With().Str("component", "docstore").Logger(),
		client: client,
		bucket: opts.Bucket,
	}
}

// EnsureBucket creates the bucket if it does not already exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		if strings.Contains(err.Error(), "BucketAlreadyExists") ||
			strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info().Str("bucket", s.bucket).Msg("created document bucket")
	return nil
}

func objectKey(workflowID, name string) string {
	return fmt.Sprintf("workflows/%s/%s", workflowID, name)
}

// Put uploads a document for a workflow, overwriting any previous version.
func (s *Store) Put(ctx context.Context, workflowID, name, contentType string, content []byte) (string, error) {
	key := objectKey(workflowID, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put document %s: %w", key, err)
	}
	s.logger.Debug().Str("workflow_id", workflowID).Str("key", key).Int("bytes", len(content)).Msg("stored document")
	return key, nil
}

// Get downloads a stored document by its object key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", key, err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", key, err)
	}
	return content, nil
}

// ListKeys returns the object keys of all documents stored for a workflow.
func (s *Store) ListKeys(ctx context.Context, workflowID string) ([]string, error) {
	prefix := fmt.Sprintf("workflows/%s/", workflowID)
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list documents for %s: %w", workflowID, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.NextContinuationToken == nil {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

// BundleManifest describes the assembled document set handed to review stages.
type BundleManifest struct {
	WorkflowID string    `json:"workflow_id"`
	Keys       []string  `json:"keys"`
	CreatedAt  time.Time `json:"created_at"`
}

// WriteBundleManifest assembles the workflow's documents into a manifest
// object and returns its key. Review stages read the manifest instead of
// re-listing the bucket.
func (s *Store) WriteBundleManifest(ctx context.Context, workflowID string) (string, error) {
	keys, err := s.ListKeys(ctx, workflowID)
	if err != nil {
		return "", err
	}

	manifest := BundleManifest{
		WorkflowID: workflowID,
		Keys:       keys,
		CreatedAt:  time.Now().UTC(),
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal bundle manifest: %w", err)
	}

	key := fmt.Sprintf("bundles/%s/manifest.json", workflowID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put bundle manifest: %w", err)
	}
	return key, nil
}
