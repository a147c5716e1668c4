package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/iam"
	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/qualys/accessreview/internal/config"
)

type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCS(ctx context.Context, cfg config.GCPConfig, bucket, prefix string) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	policy, err := client.Bucket(bucket).IAM().Policy(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("reading bucket %s IAM policy: %w", bucket, err)
	}
	if public := publicMembers(policy); len(public) > 0 {
		client.Close()
		return nil, fmt.Errorf("bucket %s grants access to %v; report evidence must not be public", bucket, public)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

// publicMembers lists the anonymous principals bound to any role.
func publicMembers(policy *iam.Policy) []string {
	if policy == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, role := range policy.Roles() {
		for _, m := range policy.Members(role) {
			if (m == iam.AllUsers || m == iam.AllAuthenticatedUsers) && !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

func (g *GCS) Backend() string { return "gcs" }

func (g *GCS) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(joinKey(g.prefix, key))
}

func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := g.object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing object: %w", err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}
