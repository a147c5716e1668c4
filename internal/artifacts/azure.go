package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/qualys/accessreview/internal/config"
)

type Azure struct {
	client    *azblob.Client
	container string
}

// AzureCredential uses the service principal when one is configured and the
// default credential chain otherwise.
func AzureCredential(cfg config.AzureConfig) (azcore.TokenCredential, error) {
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("creating credential: %w", err)
		}
		return cred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating default credential: %w", err)
	}
	return cred, nil
}

func NewAzure(cfg config.AzureConfig, accountURL, container string) (*Azure, error) {
	if accountURL == "" || container == "" {
		return nil, errors.New("azure account url and container are required")
	}
	cred, err := AzureCredential(cfg)
	if err != nil {
		return nil, err
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	return &Azure{client: client, container: container}, nil
}

func (a *Azure) Backend() string { return "azure" }

func (a *Azure) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.client.UploadBuffer(ctx, a.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("uploading blob: %w", err)
	}
	return nil
}

func (a *Azure) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("downloading blob: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}
