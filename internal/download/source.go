package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	miniosdk "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sony/gobreaker"
)

const DefaultBaseURL = "https://s3.amazonaws.com/models.huggingface.co/bert/Helsinki-NLP"

// ErrRemoteNotFound means the source has no such model file.
var ErrRemoteNotFound = errors.New("model file not found at source")

// Source streams one file of a model directory into w.
type Source interface {
	Fetch(ctx context.Context, dirName, file string, w io.Writer) (int64, error)
	String() string
}

// HTTPSource fetches <BaseURL>/<dirName>/<file>. Repeated transport failures
// open a circuit breaker so a dead mirror fails fast.
type HTTPSource struct {
	BaseURL string
	http    *resty.Client
	cb      *gobreaker.CircuitBreaker
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &HTTPSource{
		BaseURL: baseURL,
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("User-Agent", "opus-mt-server/1.0"),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "download-http",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// A missing file is an answer, not an outage.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrRemoteNotFound)
			},
		}),
	}
}

func (s *HTTPSource) String() string { return s.BaseURL }

func (s *HTTPSource) Fetch(ctx context.Context, dirName, file string, w io.Writer) (int64, error) {
	n, err := s.cb.Execute(func() (interface{}, error) {
		return s.fetch(ctx, dirName, file, w)
	})
	if err != nil {
		return 0, err
	}
	return n.(int64), nil
}

func (s *HTTPSource) fetch(ctx context.Context, dirName, file string, w io.Writer) (int64, error) {
	url := s.BaseURL + "/" + dirName + "/" + file
	res, err := s.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", url, err)
	}
	body := res.RawBody()
	defer body.Close()

	switch {
	case res.StatusCode() == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrRemoteNotFound, url)
	case res.IsError():
		return 0, fmt.Errorf("GET %s status=%d", url, res.StatusCode())
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", url, err)
	}
	return n, nil
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Source fetches model files from an S3 compatible mirror laid out as
// <Prefix>/<dirName>/<file>.
type S3Source struct {
	client *miniosdk.Client
	bucket string
	prefix string
}

func NewS3Source(cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	client, err := miniosdk.New(cfg.Endpoint, &miniosdk.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &S3Source{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Source) String() string {
	if s.prefix == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + s.prefix
}

func (s *S3Source) key(dirName, file string) string {
	if s.prefix == "" {
		return dirName + "/" + file
	}
	return s.prefix + "/" + dirName + "/" + file
}

func (s *S3Source) Fetch(ctx context.Context, dirName, file string, w io.Writer) (int64, error) {
	key := s.key(dirName, file)
	obj, err := s.client.GetObject(ctx, s.bucket, key, miniosdk.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	n, err := io.Copy(w, obj)
	if err != nil {
		if miniosdk.ToErrorResponse(err).Code == "NoSuchKey" {
			return 0, fmt.Errorf("%w: %s/%s", ErrRemoteNotFound, s.bucket, key)
		}
		return n, fmt.Errorf("read %s: %w", key, err)
	}
	return n, nil
}

// NewSource picks the S3 mirror when one is configured and the HTTP source
// otherwise.
func NewSource(baseURL string, s3 S3Config, timeout time.Duration) (Source, error) {
	if s3.Endpoint != "" && s3.Bucket != "" {
		return NewS3Source(s3)
	}
	return NewHTTPSource(baseURL, timeout), nil
}
