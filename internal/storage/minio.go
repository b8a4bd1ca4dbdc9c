package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/filetype"
	"github.com/synapse-lab/backend/internal/models"
)

const (
	metaFilename    = "filename"
	chunkPrefixRoot = "uploads/"
)

// MinioConfig holds the connection settings for a MinIO (or any
// S3-compatible) server.
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Buckets       []string
	StagingBucket string
}

// MinioStore implements Store on top of minio-go. The original file name is
// kept in object user metadata; the object key is the document ID.
type MinioStore struct {
	client  *minio.Client
	buckets bucketSet
	staging string
}

// NewMinioStore connects to the server and makes sure every bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	s := &MinioStore{
		client:  client,
		buckets: newBucketSet(cfg.Buckets),
		staging: cfg.StagingBucket,
	}

	for _, bucket := range append(s.buckets.names(), s.staging) {
		if err := s.ensureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return minioError("storage.init", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return minioError("storage.init", err)
	}
	return nil
}

func (s *MinioStore) document(bucket string, info minio.ObjectInfo) *models.StoredDocument {
	name := info.Key
	for k, v := range info.UserMetadata {
		if strings.EqualFold(k, metaFilename) {
			if unescaped, err := url.QueryUnescape(v); err == nil {
				name = unescaped
			}
			break
		}
	}
	return &models.StoredDocument{
		ID:          info.Key,
		Bucket:      bucket,
		Name:        name,
		Size:        info.Size,
		ContentType: info.ContentType,
		Category:    filetype.Category(name),
		UploadedAt:  info.LastModified.UTC(),
	}
}

// List returns the most recent objects of a bucket.
func (s *MinioStore) List(ctx context.Context, bucket string, limit int) ([]*models.StoredDocument, error) {
	const op = "storage.list"
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, err
	}

	var objects []minio.ObjectInfo
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, minioError(op, obj.Err)
		}
		objects = append(objects, obj)
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}

	// Listing does not carry user metadata, so stat each page entry for the name
	docs := make([]*models.StoredDocument, 0, len(objects))
	for _, obj := range objects {
		info, err := s.client.StatObject(ctx, bucket, obj.Key, minio.StatObjectOptions{})
		if err != nil {
			if apperr.Is(minioError(op, err), apperr.KindNotFound) {
				continue
			}
			return nil, minioError(op, err)
		}
		docs = append(docs, s.document(bucket, info))
	}
	return docs, nil
}

// Get returns object metadata.
func (s *MinioStore) Get(ctx context.Context, bucket, id string) (*models.StoredDocument, error) {
	const op = "storage.get"
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, err
	}
	info, err := s.client.StatObject(ctx, bucket, id, minio.StatObjectOptions{})
	if err != nil {
		return nil, notFoundOr(op, id, minioError(op, err))
	}
	return s.document(bucket, info), nil
}

// Open streams an object body.
func (s *MinioStore) Open(ctx context.Context, bucket, id string) (io.ReadCloser, *models.StoredDocument, error) {
	const op = "storage.open"
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, minioError(op, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, nil, notFoundOr(op, id, minioError(op, err))
	}
	return obj, s.document(bucket, info), nil
}

// Save uploads an object of unknown length.
func (s *MinioStore) Save(ctx context.Context, bucket, name, contentType string, r io.Reader) (*models.StoredDocument, error) {
	const op = "storage.save"
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, err
	}
	doc := newDocument(bucket, name, contentType, 0)
	if err := s.put(ctx, op, doc, r); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *MinioStore) put(ctx context.Context, op string, doc *models.StoredDocument, r io.Reader) error {
	info, err := s.client.PutObject(ctx, doc.Bucket, doc.ID, r, -1, minio.PutObjectOptions{
		ContentType:  doc.ContentType,
		UserMetadata: map[string]string{metaFilename: url.QueryEscape(doc.Name)},
	})
	if err != nil {
		return minioError(op, err)
	}
	doc.Size = info.Size
	return nil
}

// Delete removes an object.
func (s *MinioStore) Delete(ctx context.Context, bucket, id string) error {
	const op = "storage.delete"
	if _, err := s.Get(ctx, bucket, id); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, id, minio.RemoveObjectOptions{}); err != nil {
		return minioError(op, err)
	}
	return nil
}

// DownloadURL returns a presigned GET URL valid for ttl.
func (s *MinioStore) DownloadURL(ctx context.Context, bucket, id string, ttl time.Duration) (string, error) {
	const op = "storage.url"
	doc, err := s.Get(ctx, bucket, id)
	if err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", doc.Name))
	u, err := s.client.PresignedGetObject(ctx, bucket, id, ttl, params)
	if err != nil {
		return "", minioError(op, err)
	}
	return u.String(), nil
}

func chunkKey(uploadID string, index int) string {
	return fmt.Sprintf("%s%s/chunk_%06d", chunkPrefixRoot, uploadID, index)
}

// SaveChunk stores one chunk in the staging bucket.
func (s *MinioStore) SaveChunk(ctx context.Context, uploadID string, chunkIndex int, r io.Reader) error {
	const op = "storage.save_chunk"
	if err := checkUploadID(op, uploadID); err != nil {
		return err
	}
	if err := checkChunkIndex(op, chunkIndex); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.staging, chunkKey(uploadID, chunkIndex), r, -1, minio.PutObjectOptions{
		ContentType: defaultContentType,
	})
	if err != nil {
		return minioError(op, err)
	}
	return nil
}

// CompleteChunkedUpload concatenates the staged chunks into the target bucket.
func (s *MinioStore) CompleteChunkedUpload(ctx context.Context, uploadID, bucket, name, contentType string, totalChunks int) (*models.StoredDocument, error) {
	const op = "storage.complete_upload"
	if err := checkUploadID(op, uploadID); err != nil {
		return nil, err
	}
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, err
	}
	if totalChunks < 0 {
		return nil, apperr.Validation(op, "totalChunks must not be negative")
	}

	// Verify every chunk before streaming so a gap fails fast
	for i := 0; i < totalChunks; i++ {
		if _, err := s.client.StatObject(ctx, s.staging, chunkKey(uploadID, i), minio.StatObjectOptions{}); err != nil {
			return nil, notFoundOr(op, fmt.Sprintf("%s/%d", uploadID, i), minioError(op, err))
		}
	}

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < totalChunks; i++ {
			obj, err := s.client.GetObject(ctx, s.staging, chunkKey(uploadID, i), minio.GetObjectOptions{})
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, obj)
			obj.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	doc := newDocument(bucket, name, contentType, 0)
	err := s.put(ctx, op, doc, pr)
	pr.Close()
	if err != nil {
		return nil, err
	}

	s.AbortChunkedUpload(ctx, uploadID)
	return doc, nil
}

// AbortChunkedUpload removes every staged chunk of uploadID.
func (s *MinioStore) AbortChunkedUpload(ctx context.Context, uploadID string) error {
	const op = "storage.abort_upload"
	if err := checkUploadID(op, uploadID); err != nil {
		return err
	}

	objects := make(chan minio.ObjectInfo)
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, s.staging, minio.ListObjectsOptions{
			Prefix:    chunkPrefixRoot + uploadID + "/",
			Recursive: true,
		}) {
			if obj.Err != nil {
				return
			}
			objects <- obj
		}
	}()

	for rerr := range s.client.RemoveObjects(ctx, s.staging, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return minioError(op, rerr.Err)
		}
	}
	return nil
}

// minioError classifies a minio-go error into an apperr kind.
func minioError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == 404:
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Err: err}
	case resp.StatusCode == 0 || resp.StatusCode >= 500 || resp.StatusCode == 429:
		return apperr.Network(op, err)
	default:
		return apperr.Internal(op, err)
	}
}

// notFoundOr rewrites a not-found error into the standard message for id.
func notFoundOr(op, id string, err error) error {
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.NotFound(op, "file", id)
	}
	return err
}
