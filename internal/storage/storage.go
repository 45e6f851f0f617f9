// Package storage keeps uploaded resume files in S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/config"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
)

const resumePrefix = "resumes/"

// URLExpiry is how long links returned by GetURL stay valid
const URLExpiry = time.Hour

// StoredObject describes an uploaded resume
type StoredObject struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// ErrObjectNotFound is returned for keys that hold no object
var ErrObjectNotFound = errors.New("object not found")

// ResumeStore stores raw resume files
type ResumeStore interface {
	StoreResume(ctx context.Context, userID, filename string, data []byte) (*StoredObject, error)
	GetURL(ctx context.Context, objectName string) (string, error)
	Delete(ctx context.Context, objectName string) error
	DeleteUserResumes(ctx context.Context, userID string) (int, error)
}

// Storage provides object storage operations
type Storage struct {
	client     *minio.Client
	bucketName string
	logger     *logging.Logger
}

// New creates a new storage client and makes sure the bucket exists
func New(cfg config.StorageConfig, logger *logging.Logger) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: cfg.BucketName,
		logger:     logger.WithComponent("storage"),
	}, nil
}

// StoreResume uploads a resume under the caller's prefix with a fresh name
func (s *Storage) StoreResume(ctx context.Context, userID, filename string, data []byte) (*StoredObject, error) {
	key := ResumeKey(userID, filename)
	contentType := getContentType(filename)

	if err := s.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, err
	}

	return &StoredObject{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		UploadedAt:  time.Now().UTC(),
	}, nil
}

// Upload uploads an object
func (s *Storage) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, s.bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	s.observe("put", objectName, size, start, err)
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	return nil
}

// Delete deletes an object from storage
func (s *Storage) Delete(ctx context.Context, objectName string) error {
	start := time.Now()
	err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{})
	s.observe("delete", objectName, 0, start, err)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// DeleteUserResumes removes every resume stored for userID
func (s *Storage) DeleteUserResumes(ctx context.Context, userID string) (int, error) {
	keys, err := s.List(ctx, userPrefix(userID))
	if err != nil {
		return 0, err
	}

	objects := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objects <- minio.ObjectInfo{Key: key}
	}
	close(objects)

	deleted := len(keys)
	for result := range s.client.RemoveObjects(ctx, s.bucketName, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			deleted--
			s.logger.WarnWithErr("Failed to delete "+result.ObjectName, result.Err)
		}
	}
	metrics.RecordStorageOperation("delete_batch", "success")

	return deleted, nil
}

// GetURL returns a presigned download URL for an existing object
func (s *Storage) GetURL(ctx context.Context, objectName string) (string, error) {
	if _, err := s.client.StatObject(ctx, s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("failed to stat object: %w", err)
	}

	url, err := s.client.PresignedGetObject(ctx, s.bucketName, objectName, URLExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate URL: %w", err)
	}

	return url.String(), nil
}

// List lists objects with a prefix
func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var objects []string

	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		objects = append(objects, object.Key)
	}

	return objects, nil
}

// Health checks that the bucket is reachable
func (s *Storage) Health(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucketName); err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}
	return nil
}

func (s *Storage) observe(operation, key string, size int64, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordStorageOperation(operation, status)
	s.logger.LogStorageOperation(operation, s.bucketName, key, size, time.Since(start), err)
}

// ResumeKey builds the object key for a new upload:
// resumes/<userID>/<uuid><ext>. The client's file name is never used
// beyond its extension.
func ResumeKey(userID, filename string) string {
	return path.Join(userPrefix(userID), uuid.New().String()+strings.ToLower(filepath.Ext(filename)))
}

// OwnsKey reports whether key lies under userID's prefix
func OwnsKey(userID, key string) bool {
	return strings.HasPrefix(key, userPrefix(userID)) && path.Clean(key) == key
}

func userPrefix(userID string) string {
	return resumePrefix + userID + "/"
}

// getContentType returns the content type based on file extension
func getContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".md":
		return "text/markdown; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
