package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/filetype"
	"github.com/synapse-lab/backend/internal/models"
)

// S3Config holds AWS S3 settings. Bucket names are prefixed with
// BucketPrefix to keep them globally unique.
type S3Config struct {
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	BucketPrefix  string
	UsePathStyle  bool
	Buckets       []string
	StagingBucket string
}

// S3Store implements Store on AWS S3.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	uploader  *manager.Uploader
	buckets   bucketSet
	prefix    string
	staging   string
	region    string
}

// NewS3Store builds the client from the default AWS config chain and makes
// sure every bucket exists.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	s := &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		uploader:  manager.NewUploader(client),
		buckets:   newBucketSet(cfg.Buckets),
		prefix:    cfg.BucketPrefix,
		staging:   cfg.StagingBucket,
		region:    cfg.Region,
	}

	for _, bucket := range append(s.buckets.names(), s.staging) {
		if err := s.ensureBucket(ctx, s.remote(bucket)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// remote maps a logical bucket name to the S3 bucket name.
func (s *S3Store) remote(bucket string) string {
	return s.prefix + bucket
}

func (s *S3Store) ensureBucket(ctx context.Context, name string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return nil
	}
	if !apperr.Is(s3Error("storage.init", err), apperr.KindNotFound) {
		return s3Error("storage.init", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return s3Error("storage.init", err)
	}
	return nil
}

// List returns the most recent objects of a bucket.
func (s *S3Store) List(ctx context.Context, bucket string, limit int) ([]*models.StoredDocument, error) {
	const op = "storage.list"
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, err
	}

	objects, err := s.listPrefix(ctx, s.remote(bucket), "")
	if err != nil {
		return nil, s3Error(op, err)
	}

	sort.Slice(objects, func(i, j int) bool {
		return aws.ToTime(objects[i].LastModified).After(aws.ToTime(objects[j].LastModified))
	})
	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}

	docs := make([]*models.StoredDocument, 0, len(objects))
	for _, obj := range objects {
		doc, err := s.Get(ctx, bucket, aws.ToString(obj.Key))
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *S3Store) listPrefix(ctx context.Context, bucket, prefix string) ([]types.Object, error) {
	var objects []types.Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

// Get returns object metadata from HeadObject.
func (s *S3Store) Get(ctx context.Context, bucket, id string) (*models.StoredDocument, error) {
	const op = "storage.get"
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.remote(bucket)),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, notFoundOr(op, id, s3Error(op, err))
	}

	name := id
	if v, ok := out.Metadata[metaFilename]; ok {
		if unescaped, err := url.QueryUnescape(v); err == nil {
			name = unescaped
		}
	}
	return &models.StoredDocument{
		ID:          id,
		Bucket:      bucket,
		Name:        name,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Category:    filetype.Category(name),
		UploadedAt:  aws.ToTime(out.LastModified).UTC(),
	}, nil
}

// Open streams an object body.
func (s *S3Store) Open(ctx context.Context, bucket, id string) (io.ReadCloser, *models.StoredDocument, error) {
	const op = "storage.open"
	doc, err := s.Get(ctx, bucket, id)
	if err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.remote(bucket)),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, nil, notFoundOr(op, id, s3Error(op, err))
	}
	return out.Body, doc, nil
}

// Save uploads through the multipart-aware manager so unknown lengths work.
func (s *S3Store) Save(ctx context.Context, bucket, name, contentType string, r io.Reader) (*models.StoredDocument, error) {
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

func (s *S3Store) put(ctx context.Context, op string, doc *models.StoredDocument, r io.Reader) error {
	counter := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.remote(doc.Bucket)),
		Key:         aws.String(doc.ID),
		Body:        counter,
		ContentType: aws.String(doc.ContentType),
		Metadata:    map[string]string{metaFilename: url.QueryEscape(doc.Name)},
	})
	if err != nil {
		return s3Error(op, err)
	}
	doc.Size = counter.n
	return nil
}

// Delete removes an object.
func (s *S3Store) Delete(ctx context.Context, bucket, id string) error {
	const op = "storage.delete"
	if _, err := s.Get(ctx, bucket, id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.remote(bucket)),
		Key:    aws.String(id),
	})
	if err != nil {
		return s3Error(op, err)
	}
	return nil
}

// DownloadURL returns a presigned GET URL valid for ttl.
func (s *S3Store) DownloadURL(ctx context.Context, bucket, id string, ttl time.Duration) (string, error) {
	const op = "storage.url"
	doc, err := s.Get(ctx, bucket, id)
	if err != nil {
		return "", err
	}
	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.remote(bucket)),
		Key:                        aws.String(id),
		ResponseContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", doc.Name)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", s3Error(op, err)
	}
	return presigned.URL, nil
}

// SaveChunk stores one chunk in the staging bucket.
func (s *S3Store) SaveChunk(ctx context.Context, uploadID string, chunkIndex int, r io.Reader) error {
	const op = "storage.save_chunk"
	if err := checkUploadID(op, uploadID); err != nil {
		return err
	}
	if err := checkChunkIndex(op, chunkIndex); err != nil {
		return err
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.remote(s.staging)),
		Key:    aws.String(chunkKey(uploadID, chunkIndex)),
		Body:   r,
	})
	if err != nil {
		return s3Error(op, err)
	}
	return nil
}

// CompleteChunkedUpload stream-merges the staged chunks into the target bucket.
func (s *S3Store) CompleteChunkedUpload(ctx context.Context, uploadID, bucket, name, contentType string, totalChunks int) (*models.StoredDocument, error) {
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

	staging := s.remote(s.staging)
	chunks, err := s.listPrefix(ctx, staging, chunkPrefixRoot+uploadID+"/")
	if err != nil {
		return nil, s3Error(op, err)
	}
	present := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		present[aws.ToString(c.Key)] = true
	}
	for i := 0; i < totalChunks; i++ {
		if !present[chunkKey(uploadID, i)] {
			return nil, apperr.NotFound(op, "chunk", fmt.Sprintf("%s/%d", uploadID, i))
		}
	}

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < totalChunks; i++ {
			out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(staging),
				Key:    aws.String(chunkKey(uploadID, i)),
			})
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, out.Body)
			out.Body.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	doc := newDocument(bucket, name, contentType, 0)
	err = s.put(ctx, op, doc, pr)
	pr.Close()
	if err != nil {
		return nil, err
	}

	s.AbortChunkedUpload(ctx, uploadID)
	return doc, nil
}

// AbortChunkedUpload deletes every staged chunk of uploadID.
func (s *S3Store) AbortChunkedUpload(ctx context.Context, uploadID string) error {
	const op = "storage.abort_upload"
	if err := checkUploadID(op, uploadID); err != nil {
		return err
	}

	staging := s.remote(s.staging)
	chunks, err := s.listPrefix(ctx, staging, chunkPrefixRoot+uploadID+"/")
	if err != nil {
		return s3Error(op, err)
	}

	// DeleteObjects accepts at most 1000 keys per request
	for start := 0; start < len(chunks); start += 1000 {
		end := min(start+1000, len(chunks))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, c := range chunks[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: c.Key})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(staging),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return s3Error(op, err)
		}
	}
	return nil
}

// s3Error classifies an AWS SDK error into an apperr kind.
func s3Error(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Err: err}
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return apperr.Network(op, err)
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case code == 404:
			return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Err: err}
		case code == 429 || code >= 500:
			return apperr.Network(op, err)
		default:
			return apperr.Internal(op, err)
		}
	}

	if apiErr != nil {
		return apperr.Internal(op, err)
	}
	// No HTTP response at all: transport failure
	return apperr.Network(op, err)
}
