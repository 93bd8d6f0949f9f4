package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/conveyor-ci/conveyor/pkg/core"
)

// ObjectStoreConfig configures the MinIO/S3 artifact backend.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// ObjectStore stores artifacts in a MinIO/S3 bucket under the key
// <name>/<versionKey>, with the content hash held in object metadata so
// conflict checks do not need to download the blob.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

const metaHashKey = "Sha256"

func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
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

func objectKey(name, versionKey string) string {
	return name + "/" + versionKey
}

func (s *ObjectStore) Put(ctx context.Context, name, versionKey string, r io.Reader) (Ref, error) {
	data, sum, err := HashReader(r)
	if err != nil {
		return Ref{}, core.Wrap(err, core.ErrCodeStageExecution, "hash artifact")
	}

	key := objectKey(name, versionKey)
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		stored := storedHash(stat.UserMetadata)
		if stored == sum {
			return Ref{Name: name, VersionKey: versionKey, SHA256: sum}, nil
		}
		return Ref{}, core.NewDomain("artifact", core.ErrCodeArtifactConflict,
			fmt.Sprintf("artifact %s@%s exists with different content", name, versionKey))
	case minio.ToErrorResponse(err).Code != "NoSuchKey":
		return Ref{}, core.Wrap(err, core.ErrCodeStageExecution, "stat artifact object")
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "application/octet-stream",
			UserMetadata: map[string]string{metaHashKey: sum},
		})
	if err != nil {
		return Ref{}, core.Wrap(err, core.ErrCodeStageExecution, "put artifact object")
	}

	return Ref{Name: name, VersionKey: versionKey, SHA256: sum}, nil
}

func (s *ObjectStore) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	key := objectKey(ref.Name, ref.VersionKey)

	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
				fmt.Sprintf("artifact %s not found", ref))
		}
		return nil, core.Wrap(err, core.ErrCodeStageExecution, "stat artifact object")
	}
	if !HashMatches(storedHash(stat.UserMetadata), ref.SHA256) {
		return nil, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s not found", ref))
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeStageExecution, "get artifact object")
	}
	return obj, nil
}

func (s *ObjectStore) Stat(ctx context.Context, name, versionKey string) (Info, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, objectKey(name, versionKey), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Info{}, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
				fmt.Sprintf("artifact %s@%s not found", name, versionKey))
		}
		return Info{}, core.Wrap(err, core.ErrCodeStageExecution, "stat artifact object")
	}
	return Info{
		Ref:        Ref{Name: name, VersionKey: versionKey, SHA256: storedHash(stat.UserMetadata)},
		SizeBytes:  stat.Size,
		UploadedAt: stat.LastModified,
	}, nil
}

// storedHash tolerates the metadata key case differences S3 gateways
// introduce on round trips.
func storedHash(meta map[string]string) string {
	if v, ok := meta[metaHashKey]; ok {
		return v
	}
	return meta["sha256"]
}

var _ Store = (*ObjectStore)(nil)
