package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/contract-host/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	args := m.Called(ctx, data)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock://" + m.name
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{"all backends available", []bool{true, true, true}, true},
		{"some backends available", []bool{false, true, false}, true},
		{"no backends available", []bool{false, false, false}, false},
		{"no backends", []bool{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				mockStorage := &MockStorageBackend{name: fmt.Sprintf("mock-%d", i)}
				mockStorage.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, mockStorage)
			}

			multi := NewMultiStorageBackend(backends, testLogger)
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	testData := []byte("contract code")
	testID := interfaces.ComputeID(testData)
	testErr := errors.New("connection reset")

	tests := []struct {
		name        string
		setupMocks  func() []interfaces.StorageBackend
		expected    []byte
		expectedErr error
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testID).Return(testData, nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expected: testData,
		},
		{
			name: "falls back after failure",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testID).Return(nil, testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testID).Return(testData, nil)
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expected: testData,
		},
		{
			name: "skips unavailable backend",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testID).Return(testData, nil)
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expected: testData,
		},
		{
			name: "not found everywhere",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testID).Return(nil, interfaces.ErrContentNotFound)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testID).Return(nil, interfaces.ErrContentNotFound)
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedErr: interfaces.ErrContentNotFound,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testID).Return(nil, testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testID).Return(nil, interfaces.ErrContentNotFound)
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedErr: interfaces.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger)

			data, err := multi.Fetch(context.Background(), testID)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, data)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, data)
			}

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	testData := []byte("contract code")
	testID := interfaces.ComputeID(testData)

	t.Run("stores to every available backend", func(t *testing.T) {
		mock1 := &MockStorageBackend{name: "mock-A"}
		mock1.On("Available", mock.Anything).Return(true)
		mock1.On("Store", mock.Anything, testData).Return(testID, nil)

		mock2 := &MockStorageBackend{name: "mock-B"}
		mock2.On("Available", mock.Anything).Return(false)

		mock3 := &MockStorageBackend{name: "mock-C"}
		mock3.On("Available", mock.Anything).Return(true)
		mock3.On("Store", mock.Anything, testData).Return(testID, nil)

		multi := NewMultiStorageBackend([]interfaces.StorageBackend{mock1, mock2, mock3}, testLogger)
		id, err := multi.Store(context.Background(), testData)
		require.NoError(t, err)
		assert.Equal(t, testID, id)

		mock1.AssertExpectations(t)
		mock2.AssertExpectations(t)
		mock3.AssertExpectations(t)
	})

	t.Run("partial failure still succeeds", func(t *testing.T) {
		mock1 := &MockStorageBackend{name: "mock-A"}
		mock1.On("Available", mock.Anything).Return(true)
		mock1.On("Store", mock.Anything, testData).Return(interfaces.ContentID{}, errors.New("denied"))

		mock2 := &MockStorageBackend{name: "mock-B"}
		mock2.On("Available", mock.Anything).Return(true)
		mock2.On("Store", mock.Anything, testData).Return(testID, nil)

		multi := NewMultiStorageBackend([]interfaces.StorageBackend{mock1, mock2}, testLogger)
		id, err := multi.Store(context.Background(), testData)
		require.NoError(t, err)
		assert.Equal(t, testID, id)
	})

	t.Run("all backends fail", func(t *testing.T) {
		mock1 := &MockStorageBackend{name: "mock-A"}
		mock1.On("Available", mock.Anything).Return(true)
		mock1.On("Store", mock.Anything, testData).Return(interfaces.ContentID{}, errors.New("denied"))

		multi := NewMultiStorageBackend([]interfaces.StorageBackend{mock1}, testLogger)
		_, err := multi.Store(context.Background(), testData)
		assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	})
}

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir(), testLogger)
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))

	data := []byte{0x00, 0x61, 0x73, 0x6d}
	id, err := backend.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	// Storing twice is a no-op
	_, err = backend.Store(ctx, data)
	require.NoError(t, err)

	fetched, err := backend.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("missing")))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}
