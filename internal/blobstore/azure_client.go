package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// realAzureClient wraps the official Azure SDK client to satisfy
// AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client authenticated with
// DefaultAzureCredential.
func newRealAzureClient(accountURL string) (*realAzureClient, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}

	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}

	return &realAzureClient{client: client}, nil
}

// accessConditions builds blob access conditions from raw ETag values.
// Empty strings leave the corresponding condition unset.
func accessConditions(ifMatch, ifNoneMatch string) *blob.AccessConditions {
	if ifMatch == "" && ifNoneMatch == "" {
		return nil
	}
	mod := &blob.ModifiedAccessConditions{}
	if ifMatch != "" {
		tag := azcore.ETag(ifMatch)
		mod.IfMatch = &tag
	}
	if ifNoneMatch != "" {
		tag := azcore.ETag(ifNoneMatch)
		mod.IfNoneMatch = &tag
	}
	return &blob.AccessConditions{ModifiedAccessConditions: mod}
}

func (c *realAzureClient) DownloadBlob(ctx context.Context, container, blobName string) ([]byte, string, error) {
	resp, err := c.client.DownloadStream(ctx, container, blobName, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	var etag string
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return data, etag, nil
}

func (c *realAzureClient) BlobETag(ctx context.Context, container, blobName string) (string, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		return "", err
	}
	if resp.ETag == nil {
		return "", nil
	}
	return string(*resp.ETag), nil
}

func (c *realAzureClient) UploadBlob(ctx context.Context, container, blobName string, data []byte, ifMatch, ifNoneMatch string) (string, error) {
	resp, err := c.client.UploadBuffer(ctx, container, blobName, data, &azblob.UploadBufferOptions{
		AccessConditions: accessConditions(ifMatch, ifNoneMatch),
	})
	if err != nil {
		return "", err
	}
	if resp.ETag == nil {
		return "", nil
	}
	return string(*resp.ETag), nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, container, blobName, ifMatch string) error {
	_, err := c.client.DeleteBlob(ctx, container, blobName, &azblob.DeleteBlobOptions{
		AccessConditions: accessConditions(ifMatch, ""),
	})
	return err
}

func (c *realAzureClient) ListBlobs(ctx context.Context, container, prefix string) ([]string, error) {
	pager := c.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}
