// Package snapshot stores rendered SVG snapshots of shared diagrams in
// object storage, so the public share page serves the last good render
// even while the source has moved on or broken.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentType = "image/svg+xml"

type Store struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutSVG stores the rendered markup for a diagram, replacing any previous
// snapshot.
func (s *Store) PutSVG(ctx context.Context, diagramID, svg string) error {
	reader := strings.NewReader(svg)
	_, err := s.client.PutObject(ctx, s.bucket, objectName(diagramID), reader, int64(len(svg)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", diagramID, err)
	}
	return nil
}

// GetSVG returns the stored snapshot markup, or an error when none exists.
func (s *Store) GetSVG(ctx context.Context, diagramID string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(diagramID), minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("get snapshot %s: %w", diagramID, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj); err != nil {
		return "", fmt.Errorf("read snapshot %s: %w", diagramID, err)
	}
	return buf.String(), nil
}

// Delete removes a diagram's snapshot. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, diagramID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectName(diagramID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", diagramID, err)
	}
	return nil
}

func objectName(diagramID string) string {
	return "snapshots/" + diagramID + ".svg"
}
