package bundle

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open resolves a bundle location. Supported forms are a filesystem path,
// file://path, s3://bucket/prefix and http(s)://host/path.
func Open(ctx context.Context, location string, s3opts S3Options) (Source, error) {
	if location == "" {
		return nil, fmt.Errorf("bundle location is required")
	}
	if !strings.Contains(location, "://") {
		return NewDirSource(location)
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse bundle location: %w", err)
	}
	switch u.Scheme {
	case "file":
		return NewDirSource(u.Host + u.Path)
	case "s3":
		return NewS3Source(ctx, u.Host, u.Path, s3opts)
	case "http", "https":
		return NewHTTPSource(location, nil)
	default:
		return nil, fmt.Errorf("unsupported bundle scheme %q", u.Scheme)
	}
}
