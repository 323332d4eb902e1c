package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/facturaIA/invoice-pipeline/internal/config"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// ObjectStore is the subset of *minio.Client the archive needs.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, params url.Values) (*url.URL, error)
}

// Archive keeps a copy of every raw document before extraction.
type Archive struct {
	client ObjectStore
	bucket string
	now    func() time.Time
}

// NewMinio connects to the configured endpoint and checks the bucket.
func NewMinio(ctx context.Context, cfg config.StorageConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, eris.Wrap(err, "create minio client")
	}

	a := NewArchive(client, cfg.Bucket)
	if err := a.Check(ctx); err != nil {
		return nil, err
	}
	zap.L().Info("raw document archive ready", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
	return a, nil
}

func NewArchive(client ObjectStore, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket, now: time.Now}
}

// Check verifies the bucket exists.
func (a *Archive) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return eris.Wrapf(err, "check bucket %s", a.bucket)
	}
	if !exists {
		return eris.Errorf("bucket %s does not exist", a.bucket)
	}
	return nil
}

// Archive stores the document under {tenant}/YYYY/MM/{id}{ext} and returns
// bucket/object.
func (a *Archive) Archive(ctx context.Context, doc models.RawDocument) (string, error) {
	object := ObjectName(doc, a.now())
	_, err := a.client.PutObject(ctx, a.bucket, object, bytes.NewReader(doc.Content), int64(len(doc.Content)), minio.PutObjectOptions{
		ContentType: ContentType(doc.MediaType),
		UserMetadata: map[string]string{
			"tenant":   doc.TenantID,
			"filename": doc.Filename,
		},
	})
	if err != nil {
		return "", eris.Wrapf(err, "archive document %s", doc.ID)
	}
	return a.bucket + "/" + object, nil
}

// PresignedURL returns a 24h link to an archived object. The bucket prefix
// of the path is optional.
func (a *Archive) PresignedURL(ctx context.Context, objectPath string) (string, error) {
	object := strings.TrimPrefix(objectPath, a.bucket+"/")
	u, err := a.client.PresignedGetObject(ctx, a.bucket, object, 24*time.Hour, nil)
	if err != nil {
		return "", eris.Wrapf(err, "presign %s", object)
	}
	return u.String(), nil
}

// ObjectName is the multi-tenant object path for a document.
func ObjectName(doc models.RawDocument, at time.Time) string {
	name := doc.ID + FileExtension(doc.MediaType)
	return fmt.Sprintf("%s/%d/%02d/%s", path.Clean(doc.TenantID), at.Year(), at.Month(), name)
}

func FileExtension(media models.MediaType) string {
	switch media {
	case models.MediaXML:
		return ".xml"
	case models.MediaPDF:
		return ".pdf"
	default:
		return ".bin"
	}
}

func ContentType(media models.MediaType) string {
	switch media {
	case models.MediaXML:
		return "application/xml"
	case models.MediaPDF:
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
