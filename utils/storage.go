package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/y1jeong/perfdesign/models"
	"google.golang.org/api/option"
)

// Upload describes a file to persist as a session artifact.
type Upload struct {
	SessionID   string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ArtifactStorage stores temporary session artifacts and releases them
// when the owning session is cleaned up.
type ArtifactStorage interface {
	Backend() models.StorageBackend
	Put(ctx context.Context, up Upload) (models.Artifact, error)
	Release(ctx context.Context, artifact models.Artifact) error
	Close() error
}

func objectName(sessionID, fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("sessions/%s/%d-%s%s", sessionID, time.Now().UTC().Unix(), uuid.New().String(), ext)
}

func contentTypeFor(up Upload) string {
	if up.ContentType != "" {
		return up.ContentType
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(up.FileName))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func newArtifact(backend models.StorageBackend, bucket, object string, up Upload, ct string) models.Artifact {
	return models.Artifact{
		Storage:     backend,
		Bucket:      bucket,
		ObjectName:  object,
		FileName:    up.FileName,
		ContentType: ct,
		SizeBytes:   up.Size,
		CreatedAt:   time.Now().UTC(),
	}
}

// GCSStorage keeps artifacts in a Google Cloud Storage bucket.
type GCSStorage struct {
	client *storage.Client
	bucket string
}

func NewGCSStorage(ctx context.Context, bucket, credentialsPath string) (*GCSStorage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("missing GCS_BUCKET")
	}
	var opts []option.ClientOption
	if credentialsPath != "" {
		if !filepath.IsAbs(credentialsPath) {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			credentialsPath = filepath.Join(wd, credentialsPath)
		}
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSStorage{client: client, bucket: bucket}, nil
}

func (g *GCSStorage) Backend() models.StorageBackend { return models.StorageGCS }

func (g *GCSStorage) Put(ctx context.Context, up Upload) (models.Artifact, error) {
	name := objectName(up.SessionID, up.FileName)
	ct := contentTypeFor(up)

	w := g.client.Bucket(g.bucket).Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = ct
	w.CacheControl = "no-cache"
	if _, err := io.Copy(w, up.Body); err != nil {
		_ = w.Close()
		return models.Artifact{}, fmt.Errorf("upload copy: %w", err)
	}
	if err := w.Close(); err != nil {
		return models.Artifact{}, fmt.Errorf("upload close: %w", err)
	}
	return newArtifact(models.StorageGCS, g.bucket, name, up, ct), nil
}

// Release deletes the object. A missing object counts as released.
func (g *GCSStorage) Release(ctx context.Context, artifact models.Artifact) error {
	bucket := artifact.Bucket
	if bucket == "" {
		bucket = g.bucket
	}
	err := g.client.Bucket(bucket).Object(artifact.ObjectName).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", artifact.ObjectName, err)
	}
	return nil
}

func (g *GCSStorage) Close() error { return g.client.Close() }

// R2Storage keeps artifacts in a Cloudflare R2 bucket through its S3 API.
type R2Storage struct {
	s3     *s3.Client
	bucket string
}

type R2Config struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // https://<account-id>.r2.cloudflarestorage.com
}

func NewR2Storage(ctx context.Context, rc R2Config) (*R2Storage, error) {
	if rc.Bucket == "" || rc.AccessKeyID == "" || rc.SecretAccessKey == "" || rc.Endpoint == "" {
		return nil, fmt.Errorf("missing R2 settings (R2_BUCKET, R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY, R2_ENDPOINT)")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(rc.AccessKeyID, rc.SecretAccessKey, ""),
		),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("r2 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(rc.Endpoint)
		o.UsePathStyle = true // required for R2
	})
	return &R2Storage{s3: client, bucket: rc.Bucket}, nil
}

func (r *R2Storage) Backend() models.StorageBackend { return models.StorageR2 }

func (r *R2Storage) Put(ctx context.Context, up Upload) (models.Artifact, error) {
	name := objectName(up.SessionID, up.FileName)
	ct := contentTypeFor(up)

	input := &s3.PutObjectInput{
		Bucket:       aws.String(r.bucket),
		Key:          aws.String(name),
		Body:         up.Body,
		ContentType:  aws.String(ct),
		CacheControl: aws.String("no-cache"),
	}
	if up.Size > 0 {
		input.ContentLength = aws.Int64(up.Size)
	}
	if _, err := r.s3.PutObject(ctx, input); err != nil {
		return models.Artifact{}, fmt.Errorf("upload %s: %w", up.FileName, err)
	}
	return newArtifact(models.StorageR2, r.bucket, name, up, ct), nil
}

// Release deletes the object. S3 treats deleting a missing key as success.
func (r *R2Storage) Release(ctx context.Context, artifact models.Artifact) error {
	bucket := artifact.Bucket
	if bucket == "" {
		bucket = r.bucket
	}
	_, err := r.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(artifact.ObjectName),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", artifact.ObjectName, err)
	}
	return nil
}

func (r *R2Storage) Close() error { return nil }

// LocalStorage writes artifacts under a directory on disk. Meant for
// development and tests.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = filepath.Join("tmp", "uploads")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStorage{root: abs}, nil
}

func (l *LocalStorage) Backend() models.StorageBackend { return models.StorageLocal }

func (l *LocalStorage) path(object string) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(object))
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("object %q escapes storage root", object)
	}
	return p, nil
}

func (l *LocalStorage) Put(ctx context.Context, up Upload) (models.Artifact, error) {
	name := objectName(up.SessionID, up.FileName)
	p, err := l.path(name)
	if err != nil {
		return models.Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return models.Artifact{}, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return models.Artifact{}, err
	}
	written, err := io.Copy(f, up.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return models.Artifact{}, fmt.Errorf("write %s: %w", name, err)
	}
	up.Size = written
	return newArtifact(models.StorageLocal, "", name, up, contentTypeFor(up)), nil
}

func (l *LocalStorage) Release(ctx context.Context, artifact models.Artifact) error {
	p, err := l.path(artifact.ObjectName)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *LocalStorage) Close() error { return nil }

// ArtifactRouter releases each artifact through the backend that stored
// it and writes new ones to the primary backend.
type ArtifactRouter struct {
	primary  ArtifactStorage
	backends map[models.StorageBackend]ArtifactStorage
}

func NewArtifactRouter(primary ArtifactStorage, others ...ArtifactStorage) *ArtifactRouter {
	r := &ArtifactRouter{primary: primary, backends: map[models.StorageBackend]ArtifactStorage{}}
	for _, b := range append(others, primary) {
		if b != nil {
			r.backends[b.Backend()] = b
		}
	}
	return r
}

func (r *ArtifactRouter) Backend() models.StorageBackend { return r.primary.Backend() }

func (r *ArtifactRouter) Put(ctx context.Context, up Upload) (models.Artifact, error) {
	return r.primary.Put(ctx, up)
}

func (r *ArtifactRouter) Release(ctx context.Context, artifact models.Artifact) error {
	b, ok := r.backends[artifact.Storage]
	if !ok {
		return fmt.Errorf("no storage backend %q configured", artifact.Storage)
	}
	return b.Release(ctx, artifact)
}

func (r *ArtifactRouter) Close() error {
	var errs []error
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
