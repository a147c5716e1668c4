// Package artifacts stores rendered report files on local disk or in cloud
// object storage.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/qualys/accessreview/internal/config"
)

var ErrNotFound = errors.New("artifact not found")

// Store is a flat key/value blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Backend() string
}

// New builds the backend selected by cfg.Storage.
func New(ctx context.Context, cfg config.ReportsConfig, awsCfg config.AWSConfig, azureCfg config.AzureConfig, gcpCfg config.GCPConfig) (Store, error) {
	switch cfg.Storage {
	case "", "local":
		return NewLocal(cfg.LocalDir)
	case "s3":
		return NewS3(ctx, awsCfg, cfg.S3)
	case "azure":
		return NewAzure(azureCfg, cfg.Azure.AccountURL, cfg.Azure.Container)
	case "gcs":
		return NewGCS(ctx, gcpCfg, cfg.GCS.Bucket, cfg.GCS.Prefix)
	default:
		return nil, fmt.Errorf("unknown report storage %q", cfg.Storage)
	}
}

type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("local artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Backend() string { return "local" }

// path keeps every key inside the root directory.
func (l *Local) path(key string) string {
	return filepath.Join(l.dir, filepath.FromSlash(strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+key)), "/")))
}

func (l *Local) Put(ctx context.Context, key string, data []byte, contentType string) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	return os.Rename(tmp.Name(), p)
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (l *Local) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(key, "/")
}
