package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/zuolabs/trellis-runner/pkg/logging"
)

const glbContentType = "model/gltf-binary"

// GLBStore uploads generated models to S3-compatible object storage. Objects
// are keyed by item number so a regenerated model overwrites the old one.
type GLBStore struct {
	client *minio.Client
	bucket string
	public string // base URL for served objects
	log    *logging.Logger
}

// StorageOptions configures the object store connection.
type StorageOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewGLBStore connects to the object store and ensures the bucket exists.
func NewGLBStore(ctx context.Context, opts StorageOptions, log *logging.Logger) (*GLBStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", opts.Bucket, err)
		}
		if log != nil {
			log.Info("created storage bucket", map[string]interface{}{"bucket": opts.Bucket})
		}
	}

	scheme := "http"
	if opts.UseSSL {
		scheme = "https"
	}

	return &GLBStore{
		client: client,
		bucket: opts.Bucket,
		public: fmt.Sprintf("%s://%s/%s", scheme, opts.Endpoint, opts.Bucket),
		log:    log,
	}, nil
}

// ObjectName returns the storage key for an item's model.
func ObjectName(itemNo string) string {
	return strings.TrimSpace(itemNo) + ".glb"
}

// Upload pushes the GLB from local disk and returns its public URL.
func (s *GLBStore) Upload(ctx context.Context, itemNo, glbPath string) (string, error) {
	object := ObjectName(itemNo)

	info, err := s.client.FPutObject(ctx, s.bucket, object, glbPath, minio.PutObjectOptions{
		ContentType: glbContentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", object, err)
	}

	if s.log != nil {
		s.log.Info("uploaded model", map[string]interface{}{
			"object": object,
			"size":   info.Size,
		})
	}
	return s.URLFor(itemNo), nil
}

// URLFor builds the public URL for an item's model.
func (s *GLBStore) URLFor(itemNo string) string {
	return s.public + "/" + ObjectName(itemNo)
}
