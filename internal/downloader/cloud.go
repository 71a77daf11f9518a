package downloader

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// GCSBackend fetches objects from Google Cloud Storage, used for the
// storage.googleapis.com host the original agent already allow-listed —
// this replaces its raw http.Get with a real client library without
// changing which artifacts are reachable.
type GCSBackend struct {
	client *storage.Client
}

func NewGCSBackend(ctx context.Context) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("downloader: gcs client: %w", err)
	}
	return &GCSBackend{client: client}, nil
}

func (b *GCSBackend) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	// https://storage.googleapis.com/<bucket>/<object...>
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("downloader: malformed gcs url %q", rawURL)
	}
	bucket, object := parts[0], parts[1]

	rc, err := b.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("downloader: gcs read %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	dest := filepath.Join(destDir, filepath.Base(object))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return "", err
	}
	return dest, nil
}

// S3Backend fetches objects addressed as s3://bucket/key.
type S3Backend struct {
	client *s3.Client
}

func NewS3Backend(ctx context.Context) (*S3Backend, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("downloader: aws config: %w", err)
	}
	return &S3Backend{client: s3.NewFromConfig(cfg)}, nil
}

func (b *S3Backend) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	dest := filepath.Join(destDir, filepath.Base(key))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()

	downloader := manager.NewDownloader(b.client)
	if _, err := downloader.Download(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return "", fmt.Errorf("downloader: s3 download s3://%s/%s: %w", bucket, key, err)
	}
	return dest, nil
}

// AzureBlobBackend fetches blobs addressed as azblob://container/blob.
type AzureBlobBackend struct {
	accountURL string
	cred       azcore.TokenCredential
}

func NewAzureBlobBackend(accountURL string, cred azcore.TokenCredential) *AzureBlobBackend {
	return &AzureBlobBackend{accountURL: accountURL, cred: cred}
}

func (b *AzureBlobBackend) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	container := u.Host
	blobName := strings.TrimPrefix(u.Path, "/")

	client, err := azblob.NewClient(b.accountURL, b.cred, nil)
	if err != nil {
		return "", fmt.Errorf("downloader: azblob client: %w", err)
	}

	dest := filepath.Join(destDir, filepath.Base(blobName))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()

	resp, err := client.DownloadStream(ctx, container, blobName, nil)
	if err != nil {
		return "", fmt.Errorf("downloader: azblob download %s/%s: %w", container, blobName, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return dest, nil
}
