package coverage

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/flarebyte/diffgate/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Artifact is a coverage file ready for upload.
type Artifact struct {
	Report Report
	Data   []byte
	RunID  string
	Commit string
}

// UploadResult records where an artifact went.
type UploadResult struct {
	Kind     string `json:"kind" yaml:"kind"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Bytes    int    `json:"bytes" yaml:"bytes"`
}

// Uploader sends coverage to an aggregator.
type Uploader interface {
	Upload(ctx context.Context, a Artifact) (UploadResult, error)
}

// NewUploader returns the uploader selected by cfg.Kind.
func NewUploader(cfg config.Upload) (Uploader, error) {
	switch cfg.Kind {
	case "", "none":
		return Nop{}, nil
	case "http":
		return &HTTPUploader{URL: cfg.URL, Token: lookupEnv(cfg.TokenEnv), Client: &http.Client{Transport: newTransport(), Timeout: 60 * time.Second}}, nil
	case "s3":
		return NewS3Uploader(cfg)
	default:
		return nil, fmt.Errorf("unsupported upload kind: %q", cfg.Kind)
	}
}

func lookupEnv(key string) string {
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}

// Nop discards coverage.
type Nop struct{}

func (Nop) Upload(context.Context, Artifact) (UploadResult, error) {
	return UploadResult{Kind: "none"}, nil
}

// HTTPUploader POSTs the raw coverage file to an aggregator endpoint.
type HTTPUploader struct {
	URL    string
	Token  string
	Client *http.Client
}

func (u *HTTPUploader) Upload(ctx context.Context, a Artifact) (UploadResult, error) {
	target, err := url.Parse(u.URL)
	if err != nil {
		return UploadResult{}, fmt.Errorf("parse upload url: %w", err)
	}
	q := target.Query()
	if a.Commit != "" {
		q.Set("commit", a.Commit)
	}
	if a.RunID != "" {
		q.Set("build", a.RunID)
	}
	q.Set("format", a.Report.Format)
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(a.Data))
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", contentType(a.Report.Format))
	if u.Token != "" {
		req.Header.Set("Authorization", "token "+u.Token)
	}
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload coverage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return UploadResult{}, fmt.Errorf("upload coverage: unexpected status %s", resp.Status)
	}
	return UploadResult{Kind: "http", Location: redactURL(target), Bytes: len(a.Data)}, nil
}

// S3Uploader stores coverage in an S3-compatible bucket.
type S3Uploader struct {
	client *minio.Client
	bucket string
	region string
	prefix string
}

// NewS3Uploader builds a minio-backed uploader with static credentials read
// from the configured environment variables.
func NewS3Uploader(cfg config.Upload) (*S3Uploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 upload requires endpoint and bucket")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, fmt.Errorf("s3 endpoint must not include scheme: %q", cfg.Endpoint)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(lookupEnv(cfg.AccessKeyEnv), lookupEnv(cfg.SecretKeyEnv), ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &S3Uploader{client: client, bucket: cfg.Bucket, region: cfg.Region, prefix: cfg.Prefix}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, a Artifact) (UploadResult, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return UploadResult{}, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return UploadResult{}, fmt.Errorf("make bucket: %w", err)
		}
	}
	key := ObjectKey(u.prefix, a)
	_, err = u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(a.Data), int64(len(a.Data)), minio.PutObjectOptions{
		ContentType:  contentType(a.Report.Format),
		UserMetadata: map[string]string{"commit": a.Commit, "percent": fmt.Sprintf("%.2f", a.Report.Percent)},
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("put object: %w", err)
	}
	return UploadResult{Kind: "s3", Location: "s3://" + u.bucket + "/" + key, Bytes: len(a.Data)}, nil
}

// ObjectKey is prefix/runID/basename, with empty parts dropped.
func ObjectKey(prefix string, a Artifact) string {
	run := a.RunID
	if run == "" {
		run = "adhoc"
	}
	return strings.TrimPrefix(path.Join(prefix, run, path.Base(a.Report.Path)), "/")
}

func contentType(format string) string {
	if format == FormatCobertura {
		return "application/xml"
	}
	return "application/json"
}

func redactURL(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
