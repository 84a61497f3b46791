// Package assets checks that training asset references are fetchable before
// a job is dispatched. http(s) references get a metadata-only request;
// s3://bucket/key references are checked with an object stat against the
// configured S3-compatible store.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/training"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"
)

// ObjectStater is the subset of the MinIO client the validator needs.
type ObjectStater interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// Config configures a Validator.
type Config struct {
	Timeout     time.Duration // per reference (default: 5s)
	Concurrency int           // references checked at once (default: 8)
}

// Validator implements training.AssetValidator.
type Validator struct {
	http        *http.Client
	objects     ObjectStater
	timeout     time.Duration
	concurrency int
}

// NewValidator creates a validator. objects may be nil, in which case s3
// references are reported as unreachable.
func NewValidator(cfg Config, objects ObjectStater) *Validator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Validator{
		http: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		objects:     objects,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
	}
}

// Validate checks every reference concurrently and returns the first failure
// as a validation error naming the offending reference. Remaining checks are
// cancelled once one fails.
func (v *Validator) Validate(ctx context.Context, refs []training.AssetRef) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)

	for i, ref := range refs {
		g.Go(func() error {
			if err := v.check(ctx, ref); err != nil {
				if ctx.Err() != nil && errors.Is(err, context.Canceled) {
					return ctx.Err()
				}
				slog.Debug("Asset unreachable", "index", i, "url", ref.URL, "error", err)
				return apperrors.Validation(fmt.Sprintf("assets[%d].url", i),
					fmt.Sprintf("asset %q is not reachable: %v", ref.URL, err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (v *Validator) check(ctx context.Context, ref training.AssetRef) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	parsed, err := url.Parse(ref.URL)
	if err != nil {
		return fmt.Errorf("malformed reference: %w", err)
	}

	var contentType string
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		contentType, err = v.checkHTTP(ctx, ref.URL)
	case "s3":
		contentType, err = v.checkObject(ctx, parsed)
	default:
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if err != nil {
		return err
	}
	return matchContentType(ref.ContentType, contentType)
}

// checkHTTP issues a HEAD request, falling back to a one-byte ranged GET for
// servers that do not answer HEAD.
func (v *Validator) checkHTTP(ctx context.Context, rawURL string) (string, error) {
	resp, err := v.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = v.do(ctx, http.MethodGet, rawURL)
		if err != nil {
			return "", err
		}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp.Header.Get("Content-Type"), nil
	default:
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
}

func (v *Validator) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

func (v *Validator) checkObject(ctx context.Context, ref *url.URL) (string, error) {
	if v.objects == nil {
		return "", errors.New("object storage is not configured")
	}
	bucket, key := ref.Host, strings.TrimPrefix(ref.Path, "/")
	info, err := v.objects.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("object %s/%s does not exist", bucket, key)
		}
		return "", err
	}
	return info.ContentType, nil
}

// matchContentType compares media types, ignoring parameters. An empty
// expectation or an unreported actual type always matches.
func matchContentType(expected, actual string) error {
	if expected == "" || actual == "" {
		return nil
	}
	want, _, err := mime.ParseMediaType(expected)
	if err != nil {
		return fmt.Errorf("invalid expected content type %q", expected)
	}
	got, _, err := mime.ParseMediaType(actual)
	if err != nil {
		return nil
	}
	if want != got {
		return fmt.Errorf("content type is %s, expected %s", got, want)
	}
	return nil
}

var _ training.AssetValidator = (*Validator)(nil)
