package migrations

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/koustreak/Sluice/internal/config"
	"github.com/koustreak/Sluice/internal/errs"
)

// ObjectSource reads migration scripts from a MinIO (or any S3-compatible)
// bucket. Safe for concurrent use.
type ObjectSource struct {
	client *miniogo.Client
	bucket string
	prefix string
}

// NewObjectSource connects to the object store described by cfg and
// returns a source scoped to bucket/prefix. The connection is validated
// with a bucket existence check before returning.
func NewObjectSource(ctx context.Context, cfg config.ObjectStore, bucket, prefix string) (*ObjectSource, error) {
	if cfg.Endpoint == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "object store endpoint is required")
	}
	if bucket == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "object store bucket is required")
	}

	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "failed to create object store client", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, mapObjectError(err, "object store unreachable")
	}
	if !exists {
		return nil, errs.Newf(errs.ErrKindNotFound, "bucket %s does not exist", bucket)
	}

	return &ObjectSource{client: client, bucket: bucket, prefix: prefix}, nil
}

// Files lists and downloads every .sql object under the configured
// prefix. Object keys are reduced to their base name so the loader sees
// the same names a directory source would produce.
func (s *ObjectSource) Files(ctx context.Context) (map[string]string, error) {
	opts := miniogo.ListObjectsOptions{Prefix: s.prefix, Recursive: true}

	files := make(map[string]string)
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, mapObjectError(obj.Err, "failed to list migration objects")
		}
		if !strings.HasSuffix(obj.Key, ".sql") {
			continue
		}
		content, err := s.fetch(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		files[path.Base(obj.Key)] = content
	}
	return files, nil
}

func (s *ObjectSource) fetch(ctx context.Context, key string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return "", mapObjectError(err, "failed to get migration object")
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		return "", mapObjectError(err, "failed to read migration object")
	}
	return string(content), nil
}

// ParseObjectLocation splits a "minio://bucket/prefix" migrations
// location into bucket and prefix. It reports false for plain paths.
func ParseObjectLocation(location string) (bucket, prefix string, ok bool) {
	const scheme = "minio://"
	if !strings.HasPrefix(location, scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(location, scheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, prefix, bucket != ""
}

// NewSource builds the right source for a migrations location: a
// "minio://bucket/prefix" URL yields an ObjectSource, anything else is
// treated as a local directory.
func NewSource(ctx context.Context, location string, store *config.ObjectStore) (Source, error) {
	if bucket, prefix, ok := ParseObjectLocation(location); ok {
		if store == nil {
			return nil, errs.New(errs.ErrKindInvalidInput,
				"migrations location requires an object_store configuration")
		}
		return NewObjectSource(ctx, *store, bucket, prefix)
	}
	return NewDirSource(location)
}

// mapObjectError translates an object store SDK error into a *errs.Error,
// mirroring the driver mapError pattern.
func mapObjectError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	var resp miniogo.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return errs.Wrap(errs.ErrKindNotFound, msg, err)
		case http.StatusBadRequest:
			return errs.Wrap(errs.ErrKindInvalidInput, msg, err)
		}
		switch resp.Code {
		case "NoSuchBucket", "NoSuchKey":
			return errs.Wrap(errs.ErrKindNotFound, msg, err)
		case "RequestTimeout", "SlowDown":
			return errs.Wrap(errs.ErrKindTimeout, msg, err)
		}
	}

	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}
