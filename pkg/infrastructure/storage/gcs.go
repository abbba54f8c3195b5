package storage

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	shared "github.com/fitglue/warehouse/pkg"
)

// StorageAdapter provides blob storage operations using Google Cloud
// Storage. The pipeline uses it to archive raw input bytes before a file is
// moved out of the staging area, so the original export can always be
// reprocessed.
type StorageAdapter struct {
	Client *storage.Client
}

var _ shared.BlobStore = (*StorageAdapter)(nil)

func New(ctx context.Context) (*StorageAdapter, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &StorageAdapter{Client: client}, nil
}

func (a *StorageAdapter) Write(ctx context.Context, bucketName, objectName string, data []byte) error {
	wc := a.Client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	if _, err := wc.Write(data); err != nil {
		return err
	}
	return wc.Close()
}

func (a *StorageAdapter) Read(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	rc, err := a.Client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
