package bundle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPSource reads bundle files relative to a base URL. Listing is not
// supported because plain HTTP servers have no portable directory index.
type HTTPSource struct {
	base   *url.URL
	client *retryablehttp.Client
}

// NewHTTPSource returns an HTTPSource for base.
func NewHTTPSource(base string, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid bundle url %q", base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = client
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	return &HTTPSource{base: u, client: rc}, nil
}

// Read implements Source.
func (s *HTTPSource) Read(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	target := s.base.ResolveReference(&url.URL{Path: key})
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{Source: s.Describe(), Key: key}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get %s: unexpected status %d", key, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// List implements Source.
func (s *HTTPSource) List(context.Context, string) ([]string, error) {
	return nil, ErrUnsupported
}

// Describe implements Source.
func (s *HTTPSource) Describe() string {
	return s.base.String()
}
