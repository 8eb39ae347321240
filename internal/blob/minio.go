// Package blob stores announcement attachments in an S3-compatible object
// store. Object keys are derived server-side and exclusively owned by one
// attachment row; callers treat them as opaque paths.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object describes one stored blob as reported back by the store.
type Object struct {
	Path         string
	Size         int64
	MimeType     string
	OriginalName string
}

// RemoveResult is the per-path outcome of a bulk removal.
type RemoveResult struct {
	Path string
	Err  error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the object store and makes sure the bucket exists.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to blob store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads one attachment payload under a freshly derived key and reports
// the canonical metadata back to the caller.
func (s *MinioStore) Put(ctx context.Context, announcementID, fileName, mimeType string, r io.Reader, size int64) (Object, error) {
	key := deriveKey(announcementID, fileName)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", fileName, err)
	}

	return Object{
		Path:         key,
		Size:         info.Size,
		MimeType:     mimeType,
		OriginalName: fileName,
	}, nil
}

// Copy duplicates an existing blob under a new collision-resistant key in the
// target announcement's prefix and returns that key.
func (s *MinioStore) Copy(ctx context.Context, srcPath, announcementID string) (string, error) {
	key := deriveKey(announcementID, path.Base(srcPath))

	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: key},
		minio.CopySrcOptions{Bucket: s.bucket, Object: srcPath},
	)
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", srcPath, err)
	}
	return key, nil
}

// Remove deletes the given paths in one bulk call. Only failures are
// reported; a path missing on the remote side is not a failure, the desired
// end state already holds.
func (s *MinioStore) Remove(ctx context.Context, paths []string) []RemoveResult {
	if len(paths) == 0 {
		return nil
	}

	objects := make(chan minio.ObjectInfo, len(paths))
	for _, p := range paths {
		objects <- minio.ObjectInfo{Key: p}
	}
	close(objects)

	var results []RemoveResult
	for removeErr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		results = append(results, RemoveResult{Path: removeErr.ObjectName, Err: removeErr.Err})
	}
	return results
}

// deriveKey builds a unique object key; the original extension is kept so
// downloads get a sensible content type, everything else comes from the uuid.
func deriveKey(announcementID, fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return fmt.Sprintf("announcements/%s/%s%s", announcementID, uuid.NewString(), ext)
}
