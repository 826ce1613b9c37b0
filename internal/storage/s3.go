package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// LinkExpiry bounds presigned file links. Defaults to seven days.
	LinkExpiry time.Duration
}

// S3Storage maps locations to key prefixes in one bucket. A file's id is the
// md5 of its contents so it survives a move between prefixes. Buckets using
// SSE-KMS or SSE-C return non-md5 ETags and are not supported.
type S3Storage struct {
	client     *minio.Client
	bucketName string
	region     string
	linkExpiry time.Duration
	logger     *slog.Logger

	initOnce sync.Once
	initErr  error

	mu    sync.Mutex
	index map[string]string
}

func NewS3Storage(cfg S3Config, logger *slog.Logger) (*S3Storage, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	expiry := cfg.LinkExpiry
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Storage{
		client:     client,
		bucketName: bucket,
		region:     region,
		linkExpiry: expiry,
		logger:     discardLogger(logger),
		index:      map[string]string{},
	}, nil
}

func (s *S3Storage) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if !exists {
			s.initErr = fmt.Errorf("s3 bucket %q does not exist", s.bucketName)
		}
	})
	return s.initErr
}

func (s *S3Storage) ListChildren(ctx context.Context, location string) ([]File, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	prefix := locationPrefix(location)
	var objects []minio.ObjectInfo
	// non-recursive: objects directly under the prefix only
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key == "" || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		objects = append(objects, obj)
	}

	files := make([]File, 0, len(objects))
	keys := make(map[string]string, len(objects))
	for _, obj := range objects {
		id, err := s.objectID(ctx, obj)
		if err != nil {
			return nil, fmt.Errorf("identify %s: %w", obj.Key, err)
		}
		name := path.Base(obj.Key)
		if first, dup := keys[id]; dup {
			s.logger.Warn("skipping object with the same content as another", "key", obj.Key, "same_as", first)
			continue
		}
		keys[id] = obj.Key
		mimeType := strings.TrimSpace(obj.ContentType)
		if mimeType == "" {
			mimeType = mimeTypeFor(name)
		}
		files = append(files, File{ID: id, Name: name, MimeType: mimeType})
	}
	s.mu.Lock()
	for id, key := range keys {
		s.index[id] = key
	}
	s.mu.Unlock()
	return files, nil
}

// objectID returns the md5 of the object body. A single-part ETag already
// is that digest. Multipart ETags are not, so the body is hashed instead; a
// server-side copy gives the object a single-part ETag with the same value.
func (s *S3Storage) objectID(ctx context.Context, obj minio.ObjectInfo) (string, error) {
	etag := strings.ToLower(strings.Trim(obj.ETag, `"`))
	if isContentID(etag) {
		return etag, nil
	}
	body, err := s.client.GetObject(ctx, s.bucketName, obj.Key, minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer body.Close()
	return contentID(body)
}

func (s *S3Storage) DownloadToLocalTemp(ctx context.Context, file File, dir string) (string, error) {
	key, err := s.keyFor(file.ID)
	if err != nil {
		return "", err
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()
	var size int64
	if info, statErr := obj.Stat(); statErr == nil {
		size = info.Size
	} else if errResp := minio.ToErrorResponse(statErr); errResp.Code == "NoSuchKey" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, file.ID)
	}
	return downloadTo(s.logger, dir, file, size, obj)
}

func (s *S3Storage) MoveToLocation(ctx context.Context, fileID, newLocation, oldLocation string) error {
	srcKey, err := s.keyFor(fileID)
	if err != nil {
		return err
	}
	prefix := locationPrefix(newLocation)
	base := path.Base(srcKey)
	if prefix+base == srcKey {
		return nil
	}
	name, err := freeName(base, func(candidate string) (bool, error) {
		_, err := s.client.StatObject(ctx, s.bucketName, prefix+candidate, minio.StatObjectOptions{})
		if err == nil {
			return true, nil
		}
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", srcKey, newLocation, err)
	}
	if name != base {
		s.logger.Warn("name already used in target location", "file_id", fileID, "name", base, "renamed_to", name)
	}
	dstKey := prefix + name
	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucketName, Object: dstKey},
		minio.CopySrcOptions{Bucket: s.bucketName, Object: srcKey},
	)
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcKey, dstKey, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucketName, srcKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s after copy: %w", srcKey, err)
	}
	s.mu.Lock()
	s.index[fileID] = dstKey
	s.mu.Unlock()
	s.logger.Debug("object moved", "file_id", fileID, "from", srcKey, "to", dstKey)
	return nil
}

func (s *S3Storage) FileLink(ctx context.Context, fileID string) (string, error) {
	key, err := s.keyFor(fileID)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucketName, key, s.linkExpiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *S3Storage) keyFor(fileID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.index[fileID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	return key, nil
}

func locationPrefix(location string) string {
	location = strings.Trim(strings.TrimSpace(location), "/")
	if location == "" {
		return ""
	}
	return location + "/"
}
