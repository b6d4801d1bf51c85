package archive

import (
	"context"
	"fmt"
)

// Backend names accepted by New.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// Config selects and parameterizes a backend. Dir applies to fs; Bucket,
// Region, Endpoint, and Prefix apply to the object stores.
type Config struct {
	Backend  string
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// New builds the configured backend. An empty backend means fs.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "archive"
		}
		return NewFSStore(dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend requires a bucket")
		}
		if cfg.Region == "" {
			cfg.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg)
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: gcs backend requires a bucket")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", cfg.Backend)
	}
}
