// Package objectstore wraps the AWS S3 SDK against an S3-compatible
// endpoint for the Workspace Hydrator: fetching the snapshot archive and,
// when no archive is configured, listing and fetching the project-files
// prefix directly.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Object describes a single listed object under a prefix.
type Object struct {
	Key  string
	Size int64
}

// Client wraps an S3-compatible object store reachable at a custom
// endpoint (the base URL from the machine's configuration).
type Client struct {
	s3         *s3.Client
	downloader *manager.Downloader
	bucket     string
}

// New builds a Client. baseURL is the full S3-compatible endpoint; bucket
// is the logical container holding both snapshot archives and
// project-files prefixes.
func New(ctx context.Context, baseURL, region, accessKeyID, secretAccessKey, bucket string) (*Client, error) {
	if baseURL == "" || accessKeyID == "" || secretAccessKey == "" || bucket == "" {
		return nil, fmt.Errorf("object store configuration incomplete")
	}

	endpoint := normalizeEndpoint(baseURL)
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, rgn string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               endpoint,
			HostnameImmutable: true,
			SigningRegion:     region,
		}, nil
	})

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = 10 * 1024 * 1024
		d.Concurrency = 4
	})

	return &Client{s3: client, downloader: downloader, bucket: bucket}, nil
}

func normalizeEndpoint(baseURL string) string {
	if strings.Contains(baseURL, "://") {
		return baseURL
	}
	return "https://" + baseURL
}

// FetchArchive downloads the archive at key into w using the managed
// downloader, which services parallel-part requests for large bodies.
// maxBodySize bounds the accepted content length; spec.md §4.2 requires a
// 100 MiB cap.
func (c *Client) FetchArchive(ctx context.Context, key string, w io.WriterAt, maxBodySize int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	head, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		return 0, fmt.Errorf("head archive object: %w", err)
	}
	if head.ContentLength != nil && *head.ContentLength > maxBodySize {
		return 0, fmt.Errorf("archive body %d exceeds max accepted size %d", *head.ContentLength, maxBodySize)
	}

	n, err := c.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("download archive: %w", err)
	}
	slog.Info("objectstore: fetched archive", "key", key, "bytes", n)
	return n, nil
}

// List enumerates every object under prefix, paging through results.
func (c *Client) List(ctx context.Context, prefix string) ([]Object, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects under %q: %w", prefix, err)
		}
		for _, o := range page.Contents {
			objects = append(objects, toObject(o))
		}
	}
	return objects, nil
}

func toObject(o types.Object) Object {
	var size int64
	if o.Size != nil {
		size = *o.Size
	}
	var key string
	if o.Key != nil {
		key = *o.Key
	}
	return Object{Key: key, Size: size}
}

// GetObject fetches a single object's bytes, used by the prefix-listing
// fallback path to materialize individual files into the workspace. The
// returned body is backed by an in-flight HTTP response bound to a
// per-call timeout; the timeout is cancelled when the body is closed, not
// when GetObject returns, so callers streaming the body (io.Copy) are not
// reading from an already-cancelled context.
func (c *Client) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)

	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	return &cancelOnCloseBody{ReadCloser: out.Body, cancel: cancel}, nil
}

// cancelOnCloseBody ties a context cancellation to the lifetime of the
// response body it wraps, rather than to the call that returned it.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// Ping performs a cheap connectivity check against the bucket.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("object store unreachable: %w", err)
	}
	return nil
}

// ParseArchiveURL returns the object key of a snapshot archive URL: its
// path without the leading slash (s3://bucket/key yields "key",
// https://host/a/b yields "a/b"). Any bucket segment in the path is kept
// as part of the key; the key is used against the bucket the client was
// constructed with.
func ParseArchiveURL(archiveURL string) (string, error) {
	u, err := url.Parse(archiveURL)
	if err != nil {
		return "", fmt.Errorf("parse archive url: %w", err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", fmt.Errorf("archive url %q has no object key", archiveURL)
	}
	return key, nil
}
