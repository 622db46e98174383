package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a testify mock of BlobStore. PutObject drains the reader
// and passes the bytes to Called.
type MockBlobStore struct {
	mock.Mock
}

// PutObject records the call.
func (m *MockBlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// MockShotStore is a testify mock of ShotStore.
type MockShotStore struct {
	mock.Mock
}

// StoreShot records the call.
func (m *MockShotStore) StoreShot(ctx context.Context, rec ShotRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0) //nolint:wrapcheck
}
